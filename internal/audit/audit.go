// Package audit records who changed what on which machine.
//
// Audit entries go through the regular zerolog pipeline tagged with
// log_type=audit so a log shipper can route them separately.
package audit

import (
	"context"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/abutsfit/cncbridge/internal/log"
)

// EventType classifies an audit entry.
type EventType string

const (
	// EventControl is a state-changing machine command (start, stop,
	// reset, mode, program transfer).
	EventControl EventType = "machine.control"
	// EventMachineConfig is an edit of the bridge machine registry.
	EventMachineConfig EventType = "machine.config"
	// EventAccessDenied is a request refused by the allow-list or secret.
	EventAccessDenied EventType = "access.denied"
)

// Result values.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultDenied   = "denied"
)

// Event is a single audit entry.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Actor     string // caller IP or "system"
	Action    string
	MachineID string
	Result    string
	RequestID string
	JobID     string
	Details   map[string]string
}

// Logger writes audit events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger returns a Logger on the global "audit" component logger.
func NewLogger() *Logger {
	return New(log.WithComponent("audit"))
}

// New wraps logger.
func New(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("log_type", "audit").Logger()}
}

// Log writes event. A zero Timestamp is set to now.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	e := l.logger.Info().
		Time("at", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("result", event.Result)
	if event.MachineID != "" {
		e.Str(log.FieldMachineID, event.MachineID)
	}
	if event.RequestID != "" {
		e.Str(log.FieldRequestID, event.RequestID)
	}
	if event.JobID != "" {
		e.Str(log.FieldJobID, event.JobID)
	}
	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.Str(k, event.Details[k])
	}
	e.Msg("audit event")
}

// LogContext fills Actor and RequestID from ctx before logging.
func (l *Logger) LogContext(ctx context.Context, event Event) {
	if event.Actor == "" {
		event.Actor = ActorFromContext(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = log.RequestIDFromContext(ctx)
	}
	l.Log(event)
}

// Control records the outcome of submitting a machine command. err is the
// submission error; nil means the job was accepted.
func (l *Logger) Control(ctx context.Context, action, machineID, jobID string, err error) {
	ev := Event{Type: EventControl, Action: action, MachineID: machineID, JobID: jobID, Result: ResultAccepted}
	if err != nil {
		ev.Result = ResultRejected
		ev.Details = map[string]string{"reason": err.Error()}
	}
	l.LogContext(ctx, ev)
}

// MachineConfig records a registry edit.
func (l *Logger) MachineConfig(ctx context.Context, action, machineID string, err error) {
	ev := Event{Type: EventMachineConfig, Action: action, MachineID: machineID, Result: ResultSuccess}
	if err != nil {
		ev.Result = ResultFailure
		ev.Details = map[string]string{"reason": err.Error()}
	}
	l.LogContext(ctx, ev)
}

// AccessDenied records a refused request.
func (l *Logger) AccessDenied(r *http.Request, reason string) {
	l.LogContext(r.Context(), Event{
		Type:    EventAccessDenied,
		Actor:   remoteHost(r),
		Action:  r.Method + " " + r.URL.Path,
		Result:  ResultDenied,
		Details: map[string]string{"reason": reason},
	})
}

type actorKey struct{}

// ContextWithActor attaches the caller identity to ctx.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the caller identity, or "system" when none is set.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

// Actor is middleware that records the caller IP as the audit actor.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), remoteHost(r))))
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
