package cooldown

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 1024

type stamp struct {
	lastFired time.Time
	window    time.Duration
}

// Memory is an in-process Backend guarded by a mutex.
type Memory struct {
	mu      sync.Mutex
	entries map[string]stamp
	arms    int
	now     func() time.Time
}

// NewMemory returns an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{entries: map[string]stamp{}, now: time.Now}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) TryArm(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if s, ok := m.entries[key]; ok && now.Sub(s.lastFired) < s.window {
		return false, nil
	}
	m.entries[key] = stamp{lastFired: now, window: window}

	m.arms++
	if m.arms%sweepEvery == 0 {
		for k, s := range m.entries {
			if now.Sub(s.lastFired) >= s.window {
				delete(m.entries, k)
			}
		}
	}
	return true, nil
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
