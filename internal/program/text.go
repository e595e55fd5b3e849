// Package program prepares NC program text for the controller and moves
// programs between the bridge store and machines.
package program

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxProgramBytes is the largest program the controller accepts.
	MaxProgramBytes = 512000
	// DefaultSlot is used when no program number can be derived.
	DefaultSlot = 4000
)

var (
	headerRe    = regexp.MustCompile(`(?i)O(\d{1,5})`)
	nameOnRe    = regexp.MustCompile(`O(\d{1,5})`)
	nameDigitRe = regexp.MustCompile(`(\d{1,5})`)
	lineBreaker = strings.NewReplacer("\r\n", "\n", "\r", "\n")
)

// HeaderToken renders the canonical program header, O plus at least four digits.
func HeaderToken(programNo int) string {
	return fmt.Sprintf("O%04d", programNo)
}

func splitLines(content string) []string {
	return strings.Split(lineBreaker.Replace(content), "\n")
}

// EnsureHeader makes the first line that is neither blank nor "%" carry the
// header for programNo, replacing an existing O-number or inserting one.
func EnsureHeader(content string, programNo int) string {
	if content == "" {
		return content
	}
	lines := splitLines(content)
	header := HeaderToken(programNo)

	idx := 0
	for idx < len(lines) {
		t := strings.TrimSpace(lines[idx])
		if t == "" || t == "%" {
			idx++
			continue
		}
		break
	}
	if idx == len(lines) {
		return header + "\r\n" + content
	}
	if m := headerRe.FindStringSubmatch(strings.TrimSpace(lines[idx])); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n == programNo {
			return content
		}
		lines[idx] = header
		return strings.Join(lines, "\r\n")
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:idx]...)
	out = append(out, header)
	out = append(out, lines[idx:]...)
	return strings.Join(out, "\r\n")
}

// EnsureEnvelope trims the text and wraps it in "%" delimiter lines when they
// are missing.
func EnsureEnvelope(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return content
	}
	if !strings.HasPrefix(trimmed, "%") {
		trimmed = "%\r\n" + trimmed
	}
	if !strings.HasSuffix(trimmed, "%") {
		trimmed += "\r\n%"
	}
	return trimmed
}

// EnsurePercentAndHeaderSecondLine makes line one "%" and line two the
// header for programNo. Leading blank lines are dropped and line two is
// overwritten.
func EnsurePercentAndHeaderSecondLine(content string, programNo int) string {
	if content == "" {
		return content
	}
	lines := splitLines(content)
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	header := HeaderToken(programNo)
	if len(lines) == 0 {
		return "%\r\n" + header + "\r\n%"
	}
	if strings.TrimSpace(lines[0]) != "%" {
		lines = append([]string{"%"}, lines...)
	}
	for len(lines) > 1 && strings.TrimSpace(lines[1]) == "" {
		lines = append(lines[:1], lines[2:]...)
	}
	if len(lines) == 1 {
		lines = append(lines, header)
	} else {
		lines[1] = header
	}
	return strings.Join(lines, "\r\n")
}

// Sanitize replaces every byte outside printable ASCII with a space, so a
// multi-byte UTF-8 character becomes one space per byte. Tab, CR and LF are
// kept.
func Sanitize(content string) string {
	clean := true
	for i := 0; i < len(content); i++ {
		if !safeByte(content[i]) {
			clean = false
			break
		}
	}
	if clean {
		return content
	}
	var b strings.Builder
	b.Grow(len(content))
	for i := 0; i < len(content); i++ {
		c := content[i]
		if !safeByte(c) {
			c = ' '
		}
		b.WriteByte(c)
	}
	return b.String()
}

func safeByte(c byte) bool {
	return c == '\t' || c == '\r' || c == '\n' || (c >= 32 && c <= 126)
}

// Normalize prepares program text for upload into slot programNo: "%" on
// line one, the header on line two, a closing "%" and sanitized content.
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(content string, programNo int) string {
	return Sanitize(EnsureEnvelope(EnsurePercentAndHeaderSecondLine(content, programNo)))
}

// NormalizeInPlace is Normalize for callers that keep the existing header
// position, replacing the first O-number rather than forcing line two.
func NormalizeInPlace(content string, programNo int) string {
	return Sanitize(EnsureEnvelope(EnsureHeader(content, programNo)))
}

// ParseProgramNo derives a program number from a file or program name: the
// first O-number, else the first run of up to five digits. Zero means none.
func ParseProgramNo(name string) int {
	if strings.TrimSpace(name) == "" {
		return 0
	}
	if m := nameOnRe.FindStringSubmatch(strings.ToUpper(name)); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	if m := nameDigitRe.FindStringSubmatch(name); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
