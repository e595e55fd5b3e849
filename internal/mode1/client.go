// Package mode1 is the typed command and query layer over the vendor library.
//
// Every operation obtains a cached handle, calls the vendor through the gate
// and interprets the result code. A stale handle (-8) is invalidated and the
// call retried once on a fresh handle. An unregistered UID (±89) schedules a
// throttled background re-registration; the failing call still fails.
package mode1

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/abutsfit/cncbridge/internal/gate"
	"github.com/abutsfit/cncbridge/internal/hilink"
	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
	"github.com/abutsfit/cncbridge/internal/registry"
)

const (
	defaultReadTimeout        = 2500 * time.Millisecond
	defaultReregisterInterval = 10 * time.Second
	reregisterTimeout         = 10 * time.Second
)

var (
	// ErrReadTimeout means a read did not finish within the read timeout.
	// The handle involved has been invalidated.
	ErrReadTimeout = errors.New("mode1: read timed out")
	// ErrInvalidArgument is returned for requests rejected before any vendor call.
	ErrInvalidArgument = errors.New("mode1: invalid argument")
)

// Handles is the handle cache the client draws from.
type Handles interface {
	Get(ctx context.Context, machineID string) (hilink.Handle, error)
	Invalidate(machineID, reason string)
	MarkValidated(machineID string, h hilink.Handle)
}

// Registry is the machine registry.
type Registry interface {
	Lookup(uid string) (registry.Machine, error)
	List() []registry.Machine
	Upsert(m registry.Machine) (bool, error)
}

// Config tunes the client.
type Config struct {
	ReadTimeout        time.Duration
	ReregisterInterval time.Duration
}

// Client runs vendor operations for machines in the registry.
type Client struct {
	lib     hilink.Library
	gate    *gate.Gate
	handles Handles
	reg     Registry
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	wg       sync.WaitGroup
}

// New creates a Client.
func New(lib hilink.Library, g *gate.Gate, hs Handles, reg Registry, cfg Config) *Client {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReregisterInterval <= 0 {
		cfg.ReregisterInterval = defaultReregisterInterval
	}
	return &Client{
		lib:      lib,
		gate:     g,
		handles:  hs,
		reg:      reg,
		cfg:      cfg,
		logger:   xglog.WithComponent("mode1"),
		limiters: map[string]*rate.Limiter{},
	}
}

// Wait blocks until background re-registrations and abandoned reads finish.
func (c *Client) Wait() { c.wg.Wait() }

// call runs fn on a handle for machineID and applies the stale handle and
// unregistered UID policies. The payload is returned even on a vendor error
// for calls that report data alongside a failure code.
func call[T any](ctx context.Context, c *Client, machineID, op string, fn func(h hilink.Handle) (T, hilink.Code)) (T, error) {
	var zero T
	for attempt := 1; attempt <= 2; attempt++ {
		h, err := c.handles.Get(ctx, machineID)
		if err != nil {
			return zero, err
		}
		out, code, err := gate.Do(ctx, c.gate, machineID, op, func() (T, hilink.Code) {
			return fn(h)
		})
		if err != nil {
			return zero, err
		}
		if code == hilink.OK {
			c.handles.MarkValidated(machineID, h)
			if attempt > 1 {
				metrics.IncStaleRetry(op, "recovered")
			}
			return out, nil
		}

		switch hilink.Classify(code) {
		case hilink.KindInvalidHandle:
			c.handles.Invalidate(machineID, "invalid_handle")
			if attempt == 1 {
				c.logger.Debug().
					Str(xglog.FieldEvent, "handle.stale_retry").
					Str(xglog.FieldMachineID, machineID).
					Str(xglog.FieldOp, op).
					Msg("stale handle, retrying once")
				continue
			}
			metrics.IncStaleRetry(op, "exhausted")
		case hilink.KindUnregisteredUID:
			c.scheduleReregister(machineID)
		}
		return out, hilink.Interpret(op, code)
	}
	return zero, hilink.Interpret(op, hilink.CodeInvalidHandle)
}

type readResult[T any] struct {
	v   T
	err error
}

// read is call bounded by the read timeout. The vendor call cannot be
// interrupted; on timeout its late result is discarded and the handle is
// invalidated.
func read[T any](ctx context.Context, c *Client, machineID, op string, fn func(h hilink.Handle) (T, hilink.Code)) (T, error) {
	var zero T
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	ch := make(chan readResult[T], 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		v, err := call(rctx, c, machineID, op, fn)
		ch <- readResult[T]{v: v, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && ctx.Err() == nil && errors.Is(res.err, context.DeadlineExceeded) {
			return zero, c.readTimedOut(machineID, op)
		}
		return res.v, res.err
	case <-rctx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, c.readTimedOut(machineID, op)
	}
}

func (c *Client) readTimedOut(machineID, op string) error {
	metrics.IncReadTimeout(op)
	c.handles.Invalidate(machineID, "read_timeout")
	c.logger.Warn().
		Str(xglog.FieldEvent, "mode1.read_timeout").
		Str(xglog.FieldMachineID, machineID).
		Str(xglog.FieldOp, op).
		Dur("timeout", c.cfg.ReadTimeout).
		Msg("vendor read timed out")
	return fmt.Errorf("%w: %s on %s after %s", ErrReadTimeout, op, machineID, c.cfg.ReadTimeout)
}

func (c *Client) limiter(machineID string) *rate.Limiter {
	k := strings.ToLower(machineID)
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[k]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.cfg.ReregisterInterval), 1)
		c.limiters[k] = l
	}
	return l
}

// scheduleReregister registers machineID with the vendor runtime again in the
// background, at most once per ReregisterInterval.
func (c *Client) scheduleReregister(machineID string) {
	if !c.limiter(machineID).Allow() {
		metrics.IncReregistration("throttled")
		return
	}
	m, err := c.reg.Lookup(machineID)
	if err != nil {
		metrics.IncReregistration("unknown")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reregisterTimeout)
		defer cancel()
		logger := c.logger.With().Str(xglog.FieldMachineID, m.UID).Logger()

		code, err := c.gate.Run(ctx, m.UID, hilink.OpAddMachine, func() hilink.Code {
			return c.lib.AddMachine(m.UID, m.IP, m.Port)
		})
		if err == nil {
			err = hilink.Interpret(hilink.OpAddMachine, code)
		}
		if err != nil && !errors.Is(err, hilink.ErrDuplicateUID) {
			metrics.IncReregistration("failed")
			logger.Warn().Err(err).Str(xglog.FieldEvent, "mode1.reregister_failed").Msg("re-registration failed")
			return
		}
		c.handles.Invalidate(m.UID, "reregistered")
		metrics.IncReregistration("ok")
		logger.Info().Str(xglog.FieldEvent, "mode1.reregistered").Msg("machine re-registered with vendor runtime")
	}()
}
