// Package handles caches one vendor handle per machine.
//
// A miss opens a handle through the call gate using the machine's registry
// entry; concurrent misses for the same machine share one open. Invalidate
// drops the entry and bumps a per-machine epoch so an open that was in flight
// while the invalidation happened is never cached.
package handles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/abutsfit/cncbridge/internal/gate"
	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
	"github.com/abutsfit/cncbridge/internal/registry"
)

const maxOpenAttempts = 3

var (
	ErrUnknownMachine = errors.New("handles: machine not in registry")
	ErrInvalidated    = errors.New("handles: handle invalidated while opening")
)

// Registry resolves a machine id to its connection parameters.
type Registry interface {
	Lookup(uid string) (registry.Machine, error)
}

// Config configures a Store.
type Config struct {
	// OpenTimeout is passed to the vendor connect call.
	OpenTimeout time.Duration
	// OpenWait bounds how long a miss waits for the gate and the open.
	OpenWait time.Duration
}

// Info describes one cached handle.
type Info struct {
	MachineID       string        `json:"machineId"`
	Handle          hilink.Handle `json:"handle"`
	OpenedAt        time.Time     `json:"openedAt"`
	LastValidatedAt time.Time     `json:"lastValidatedAt"`
}

type entry struct {
	machineID       string
	handle          hilink.Handle
	openedAt        time.Time
	lastValidatedAt time.Time
}

// Store owns the handle cache.
type Store struct {
	lib         hilink.Library
	gate        *gate.Gate
	reg         Registry
	openTimeout time.Duration
	openWait    time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	epochs  map[string]uint64
	flight  singleflight.Group
}

// New creates a Store.
func New(lib hilink.Library, g *gate.Gate, reg Registry, cfg Config) *Store {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.OpenWait <= 0 {
		cfg.OpenWait = 30 * time.Second
	}
	return &Store{
		lib:         lib,
		gate:        g,
		reg:         reg,
		openTimeout: cfg.OpenTimeout,
		openWait:    cfg.OpenWait,
		logger:      log.WithComponent("handles"),
		now:         time.Now,
		entries:     map[string]*entry{},
		epochs:      map[string]uint64{},
	}
}

func key(machineID string) string {
	return strings.ToLower(strings.TrimSpace(machineID))
}

// Get returns the cached handle for machineID, opening one on a miss.
// Open failures are returned and never cached.
func (s *Store) Get(ctx context.Context, machineID string) (hilink.Handle, error) {
	k := key(machineID)
	if k == "" {
		return 0, fmt.Errorf("%w: empty machine id", ErrUnknownMachine)
	}

	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		s.mu.Unlock()
		return e.handle, nil
	}
	s.mu.Unlock()

	ch := s.flight.DoChan(k, func() (any, error) {
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.openWait)
		defer cancel()
		return s.open(openCtx, machineID, k)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(hilink.Handle), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Store) open(ctx context.Context, machineID, k string) (hilink.Handle, error) {
	for attempt := 1; attempt <= maxOpenAttempts; attempt++ {
		s.mu.Lock()
		if e, ok := s.entries[k]; ok {
			s.mu.Unlock()
			return e.handle, nil
		}
		epoch := s.epochs[k]
		s.mu.Unlock()

		m, err := s.reg.Lookup(machineID)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return 0, fmt.Errorf("%w: %s", ErrUnknownMachine, machineID)
			}
			return 0, err
		}

		h, code, err := gate.Do(ctx, s.gate, machineID, hilink.OpOpenHandle, func() (hilink.Handle, hilink.Code) {
			return s.lib.OpenHandle(m.IP, m.Port, s.openTimeout)
		})
		if err != nil {
			metrics.IncHandleOpen("failed")
			return 0, fmt.Errorf("open handle for %s: %w", machineID, err)
		}
		if code != hilink.OK {
			metrics.IncHandleOpen("failed")
			s.logger.Warn().
				Str(log.FieldEvent, "handle.open_failed").
				Str(log.FieldMachineID, machineID).
				Str(log.FieldIP, m.IP).
				Int(log.FieldPort, m.Port).
				Int(log.FieldCode, int(code)).
				Msg(hilink.Message(code))
			return 0, fmt.Errorf("open handle for %s: %w", machineID, hilink.Interpret(hilink.OpOpenHandle, code))
		}

		now := s.now()
		s.mu.Lock()
		if s.epochs[k] == epoch {
			s.entries[k] = &entry{machineID: machineID, handle: h, openedAt: now, lastValidatedAt: now}
			n := len(s.entries)
			s.mu.Unlock()

			metrics.IncHandleOpen("ok")
			metrics.SetHandlesCached(n)
			s.logger.Info().
				Str(log.FieldEvent, "handle.opened").
				Str(log.FieldMachineID, machineID).
				Uint32("handle", uint32(h)).
				Int(log.FieldAttempt, attempt).
				Msg("vendor handle opened")
			return h, nil
		}
		s.mu.Unlock()

		// Invalidated while opening: this handle may predate the event that
		// caused the invalidation. Close it and open again.
		metrics.IncHandleOpen("discarded")
		s.closeHandle(ctx, machineID, h)
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidated, machineID)
}

// Invalidate drops the cached handle. The next Get opens a new one.
func (s *Store) Invalidate(machineID, reason string) {
	k := key(machineID)
	s.mu.Lock()
	s.epochs[k]++
	e, had := s.entries[k]
	delete(s.entries, k)
	n := len(s.entries)
	s.mu.Unlock()

	metrics.IncHandleInvalidation(reason)
	metrics.SetHandlesCached(n)
	if had {
		s.logger.Info().
			Str(log.FieldEvent, "handle.invalidated").
			Str(log.FieldMachineID, machineID).
			Uint32("handle", uint32(e.handle)).
			Str("reason", reason).
			Msg("vendor handle invalidated")
	}
}

// InvalidateAll drops every cached handle named in uids.
func (s *Store) InvalidateAll(uids []string, reason string) {
	for _, uid := range uids {
		s.Invalidate(uid, reason)
	}
}

// MarkValidated records a successful call on the cached handle.
func (s *Store) MarkValidated(machineID string, h hilink.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key(machineID)]; ok && e.handle == h {
		e.lastValidatedAt = s.now()
	}
}

// SetActivateProgram activates a stored program on machineID. The error is
// non-nil only when no handle could be obtained or the gate failed; the
// vendor code is returned for the caller to interpret.
func (s *Store) SetActivateProgram(ctx context.Context, machineID string, dto hilink.ActivateProgram) (hilink.Code, error) {
	h, err := s.Get(ctx, machineID)
	if err != nil {
		return 0, err
	}
	return s.gate.Run(ctx, machineID, hilink.OpSetActivate, func() hilink.Code {
		return s.lib.SetActivateProgram(h, dto)
	})
}

// Stats lists cached handles ordered by machine id.
func (s *Store) Stats() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Info{MachineID: e.machineID, Handle: e.handle, OpenedAt: e.openedAt, LastValidatedAt: e.lastValidatedAt})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return key(out[i].MachineID) < key(out[j].MachineID) })
	return out
}

// Close closes every cached handle. Used on shutdown.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	entries := s.entries
	s.entries = map[string]*entry{}
	for k := range entries {
		s.epochs[k]++
	}
	s.mu.Unlock()
	metrics.SetHandlesCached(0)

	for _, e := range entries {
		s.closeHandle(ctx, e.machineID, e.handle)
	}
}

func (s *Store) closeHandle(ctx context.Context, machineID string, h hilink.Handle) {
	code, err := s.gate.Run(ctx, machineID, hilink.OpCloseHandle, func() hilink.Code {
		return s.lib.CloseHandle(h)
	})
	if err != nil || code != hilink.OK {
		s.logger.Debug().Err(err).
			Str(log.FieldEvent, "handle.close_failed").
			Str(log.FieldMachineID, machineID).
			Int(log.FieldCode, int(code)).
			Msg("closing vendor handle failed")
	}
}
