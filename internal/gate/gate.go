// Package gate serializes calls into the vendor library.
//
// The vendor library is not re-entrant. Every call enters an exclusive
// section before running; waiting honours context cancellation, release is
// unconditional, and a panic inside the call is recovered into a FaultError
// instead of taking the process down.
package gate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
	"github.com/abutsfit/cncbridge/internal/telemetry"
)

// Scope selects how the exclusive section is partitioned.
type Scope string

const (
	// ScopeGlobal uses one lock for the whole vendor library instance.
	ScopeGlobal Scope = "global"
	// ScopePerMachine uses one lock per machine key.
	ScopePerMachine Scope = "per-machine"
)

// ErrVendorFault is the sentinel behind every recovered vendor panic.
var ErrVendorFault = errors.New("gate: vendor library fault")

// FaultError reports a panic recovered from a vendor call.
type FaultError struct {
	Label string
	Key   string
	Value any
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("gate: %s on %s: vendor fault: %v", e.Label, e.Key, e.Value)
}

func (e *FaultError) Unwrap() error { return ErrVendorFault }

// Config configures a Gate.
type Config struct {
	Scope             Scope
	SlowCallThreshold time.Duration
}

// Gate is the exclusive section around vendor calls.
type Gate struct {
	scope  Scope
	slow   time.Duration
	global chan struct{}
	mu     sync.Mutex
	shards map[string]chan struct{}
	tracer trace.Tracer
}

// New creates a gate. An empty scope means ScopeGlobal.
func New(cfg Config) *Gate {
	scope := cfg.Scope
	if scope == "" {
		scope = ScopeGlobal
	}
	return &Gate{
		scope:  scope,
		slow:   cfg.SlowCallThreshold,
		global: make(chan struct{}, 1),
		shards: make(map[string]chan struct{}),
		tracer: telemetry.Tracer("cncbridge/gate"),
	}
}

// Scope reports the configured partitioning.
func (g *Gate) Scope() Scope { return g.scope }

func (g *Gate) sem(key string) chan struct{} {
	if g.scope != ScopePerMachine {
		return g.global
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.shards[key]
	if !ok {
		s = make(chan struct{}, 1)
		g.shards[key] = s
	}
	return s
}

// Run executes fn inside the exclusive section for key. The returned error is
// non-nil only when the gate could not be entered or fn panicked; vendor
// result codes are returned untouched for the caller to interpret.
func (g *Gate) Run(ctx context.Context, key, label string, fn func() hilink.Code) (hilink.Code, error) {
	_, code, err := Do(ctx, g, key, label, func() (struct{}, hilink.Code) {
		return struct{}{}, fn()
	})
	return code, err
}

// Do is Run for vendor calls that also return a payload.
func Do[T any](ctx context.Context, g *Gate, key, label string, fn func() (T, hilink.Code)) (out T, code hilink.Code, err error) {
	ctx, span := g.tracer.Start(ctx, "vendor."+label, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	sem := g.sem(key)
	waitStart := time.Now()
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		metrics.IncGateRejected(label)
		span.SetStatus(codes.Error, "gate wait abandoned")
		return out, 0, fmt.Errorf("gate: %s on %s: %w", label, key, ctx.Err())
	}
	wait := time.Since(waitStart)
	metrics.ObserveGateWait(wait)
	span.SetAttributes(attribute.Int64(telemetry.GateWaitMsKey, wait.Milliseconds()))

	logger := log.WithContext(ctx, log.WithMachine("gate", key))
	callStart := time.Now()

	defer func() {
		<-sem
		elapsed := time.Since(callStart)

		if rec := recover(); rec != nil {
			buf := make([]byte, 8192)
			n := runtime.Stack(buf, false)
			logger.Error().
				Str(log.FieldEvent, "gate.fault").
				Str(log.FieldLabel, label).
				Interface("panic_value", rec).
				Str("stack_trace", string(buf[:n])).
				Msg("vendor call panicked")
			metrics.IncVendorFault(label)
			metrics.ObserveVendorCall(label, "fault", elapsed)
			span.SetStatus(codes.Error, "vendor fault")
			err = &FaultError{Label: label, Key: key, Value: rec}
			return
		}

		kind := hilink.Classify(code)
		metrics.ObserveVendorCall(label, kind.String(), elapsed)
		span.SetAttributes(telemetry.VendorAttributes(key, label, int(code), kind.String())...)
		if code != hilink.OK {
			span.SetStatus(codes.Error, hilink.Message(code))
		}

		evt := logger.Debug()
		if g.slow > 0 && elapsed >= g.slow {
			evt = logger.Warn()
		}
		evt.
			Str(log.FieldEvent, "gate.call").
			Str(log.FieldLabel, label).
			Int(log.FieldCode, int(code)).
			Int64("wait_ms", wait.Milliseconds()).
			Int64(log.FieldDuration, elapsed.Milliseconds()).
			Msg("vendor call finished")
	}()

	out, code = fn()
	return out, code, nil
}
