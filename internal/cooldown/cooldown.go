// Package cooldown rejects bursts of the same operation on the same machine.
//
// IsOnCooldown checks and arms in one atomic step: an accepted check stamps
// the key immediately, whether or not the downstream operation later
// succeeds.
package cooldown

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
)

// Class groups operations sharing one cooldown window.
type Class string

const (
	// Control covers start, stop, reset, mode, activate and delete.
	Control Class = "control"
	// RawRead covers program data reads and downloads.
	RawRead Class = "raw_read"
)

// Default windows.
const (
	DefaultControlWindow = 5 * time.Second
	DefaultRawReadWindow = 2 * time.Second
)

// Backend arms keys atomically.
type Backend interface {
	// TryArm stamps key for window unless it is already armed. It reports
	// true when the key was armed by this call.
	TryArm(ctx context.Context, key string, window time.Duration) (bool, error)
	Name() string
}

// Tracker applies per-class windows on top of a Backend.
type Tracker struct {
	backend Backend
	windows map[Class]time.Duration
	logger  zerolog.Logger
}

// New creates a Tracker. Zero windows fall back to the defaults.
func New(backend Backend, control, rawRead time.Duration) *Tracker {
	if control <= 0 {
		control = DefaultControlWindow
	}
	if rawRead <= 0 {
		rawRead = DefaultRawReadWindow
	}
	return &Tracker{
		backend: backend,
		windows: map[Class]time.Duration{Control: control, RawRead: rawRead},
		logger:  log.WithComponent("cooldown"),
	}
}

// Window returns the configured window for class.
func (t *Tracker) Window(class Class) time.Duration {
	return t.windows[class]
}

// IsOnCooldown reports whether key fired within the class window. When it
// returns false the key has been armed. Backend failures allow the request.
func (t *Tracker) IsOnCooldown(ctx context.Context, class Class, key string) bool {
	window, ok := t.windows[class]
	if !ok {
		window = DefaultControlWindow
	}
	armed, err := t.backend.TryArm(ctx, string(class)+"|"+key, window)
	if err != nil {
		metrics.IncCooldownBackendError(t.backend.Name())
		t.logger.Warn().Err(err).
			Str(log.FieldEvent, "cooldown.backend_error").
			Str("key", key).
			Msg("cooldown backend failed, allowing request")
		return false
	}
	if !armed {
		metrics.IncCooldownRejection(string(class))
		t.logger.Debug().
			Str(log.FieldEvent, "cooldown.rejected").
			Str("class", string(class)).
			Str("key", key).
			Msg("operation is cooling down")
		return true
	}
	return false
}

// Key builders for the operations the bridge rate limits.

func StartKey(machineID string) string    { return "start:" + machineID }
func StopKey(machineID string) string     { return "stop:" + machineID }
func ResetKey(machineID string) string    { return "reset:" + machineID }
func ActivateKey(machineID string) string { return "activate:" + machineID }

// ManualPlayKey guards the manual upload-and-start sequence.
func ManualPlayKey(machineID string) string { return "manualPlay:" + machineID }

// ModeKey includes the requested mode so switching EDIT→AUTO is not blocked
// by a preceding AUTO→EDIT.
func ModeKey(machineID, mode string) string {
	return fmt.Sprintf("mode:%s:%s", machineID, strings.ToUpper(mode))
}

func DeleteProgramKey(machineID string, headType, programNo int) string {
	return fmt.Sprintf("deleteProgram:%s:%d:%d", machineID, headType, programNo)
}

func DownloadProgramKey(machineID string, headType, programNo int) string {
	return fmt.Sprintf("downloadProgram:%s:%d:%d", machineID, headType, programNo)
}

func DownloadProgramGetKey(machineID string, headType, programNo int) string {
	return fmt.Sprintf("downloadProgram:get:%s:%d:%d", machineID, headType, programNo)
}
