// Package jobs runs long vendor operations in the background and keeps their
// terminal result retrievable by job id.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound        = errors.New("jobs: job not found")
	ErrAlreadyTerminal = errors.New("jobs: job already finished")
	ErrQueueFull       = errors.New("jobs: queue is full")
	ErrStopped         = errors.New("jobs: tracker stopped")
)

// Record is the stored state of one job.
type Record struct {
	JobID      string          `json:"jobId"`
	Kind       string          `json:"kind"`
	MachineID  string          `json:"machineId,omitempty"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"createdAtUtc"`
	FinishedAt time.Time       `json:"finishedAtUtc,omitempty"`
}

// Store persists job records. Finish must only move a PENDING record to a
// terminal state and return ErrAlreadyTerminal otherwise.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Finish(ctx context.Context, id string, status Status, result json.RawMessage, at time.Time) error
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Sweeper is implemented by stores that need periodic housekeeping.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) error
}
