// Package fs confines client supplied paths to a root directory.
package fs

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for any path rejected by the confinement checks.
var ErrOutsideRoot = errors.New("path is outside of the store root")

// maxUnescapeRounds bounds how often a path is percent-decoded while looking
// for hidden traversal sequences.
const maxUnescapeRounds = 2

// ConfineRelPath joins root and relTarget and ensures the result is physically
// underneath the resolved root. It rejects backslashes, NUL bytes, absolute
// targets, ".." escapes (also when percent-encoded) and symlink escapes.
func ConfineRelPath(root, relTarget string) (string, error) {
	if err := checkEncoded(relTarget); err != nil {
		return "", err
	}

	cleanRel := filepath.Clean(filepath.FromSlash(relTarget))
	if filepath.IsAbs(cleanRel) || strings.HasPrefix(relTarget, "/") {
		return "", fmt.Errorf("%w: target path must be relative: %s", ErrOutsideRoot, relTarget)
	}
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal attempt: %s", ErrOutsideRoot, relTarget)
	}

	realRoot, err := resolveRoot(root)
	if err != nil {
		return "", err
	}
	return resolveAndCheck(realRoot, filepath.Join(realRoot, cleanRel))
}

// ConfineAbsPath ensures targetAbs is physically underneath root.
func ConfineAbsPath(root, targetAbs string) (string, error) {
	if strings.ContainsAny(targetAbs, "\\\x00") {
		return "", fmt.Errorf("%w: invalid character in path: %q", ErrOutsideRoot, targetAbs)
	}
	if !filepath.IsAbs(targetAbs) {
		return "", fmt.Errorf("%w: target path must be absolute: %s", ErrOutsideRoot, targetAbs)
	}
	realRoot, err := resolveRoot(root)
	if err != nil {
		return "", err
	}
	return resolveAndCheck(realRoot, filepath.Clean(targetAbs))
}

// checkEncoded rejects characters that have no business in a store path, in
// the raw input and after each round of percent-decoding.
func checkEncoded(p string) error {
	cur := p
	for round := 0; round <= maxUnescapeRounds; round++ {
		if strings.ContainsAny(cur, "\\\x00") {
			return fmt.Errorf("%w: invalid character in path: %q", ErrOutsideRoot, p)
		}
		if round > 0 {
			for _, seg := range strings.Split(cur, "/") {
				if seg == ".." {
					return fmt.Errorf("%w: encoded traversal in path: %q", ErrOutsideRoot, p)
				}
			}
		}
		next, err := url.PathUnescape(cur)
		if err != nil || next == cur {
			return nil
		}
		cur = next
	}
	if strings.Contains(cur, "%") {
		return fmt.Errorf("%w: path is encoded too many times: %q", ErrOutsideRoot, p)
	}
	return nil
}

func resolveRoot(root string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		realRoot = absRoot
	}
	return realRoot, nil
}

// resolveAndCheck resolves symlinks along fullPath and ensures the result is
// within realRoot. For paths that do not exist yet the nearest existing
// ancestor is resolved instead.
func resolveAndCheck(realRoot, fullPath string) (string, error) {
	var realPath string
	if _, err := os.Lstat(fullPath); err == nil {
		rp, err := filepath.EvalSymlinks(fullPath)
		if err != nil {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
		realPath = rp
	} else {
		dir, rest := filepath.Dir(fullPath), filepath.Base(fullPath)
		for {
			if _, statErr := os.Lstat(dir); statErr == nil {
				rp, err := filepath.EvalSymlinks(dir)
				if err != nil {
					return "", fmt.Errorf("failed to resolve parent path: %w", err)
				}
				realPath = filepath.Join(rp, rest)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				realPath = fullPath
				break
			}
			rest = filepath.Join(filepath.Base(dir), rest)
			dir = parent
		}
	}

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil {
		return "", fmt.Errorf("rel computation failed: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes root via symlinks: %s", ErrOutsideRoot, realPath)
	}
	return realPath, nil
}

// IsRegularFile reports an error unless path exists and is a regular file.
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}
