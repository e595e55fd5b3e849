package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
	"github.com/abutsfit/cncbridge/internal/telemetry"
)

const (
	defaultWorkers       = 8
	defaultQueueSize     = 1024
	defaultSweepInterval = time.Minute
)

// Func is the body of a job. Its return value becomes the COMPLETED payload.
type Func func(ctx context.Context) (any, error)

// Config tunes the worker pool.
type Config struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
	// FailurePayload builds the FAILED payload for an error. Nil uses
	// {"success":false,"message":err}.
	FailurePayload func(err error) any
}

type task struct {
	id        string
	kind      string
	machineID string
	fn        Func
	queuedAt  time.Time
}

// Tracker accepts jobs, runs them on a bounded pool and records the result.
type Tracker struct {
	store  Store
	cfg    Config
	logger zerolog.Logger

	queue chan task

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sweep  sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	now       func() time.Time
}

// New creates a tracker over store. Start must be called before jobs run.
func New(store Store, cfg Config) *Tracker {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.FailurePayload == nil {
		cfg.FailurePayload = defaultFailure
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		store:  store,
		cfg:    cfg,
		logger: xglog.WithComponent("jobs"),
		queue:  make(chan task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

func defaultFailure(err error) any {
	return map[string]any{"success": false, "message": err.Error()}
}

// NewID returns a 32 character hex job id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Start launches the workers and the store sweeper.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		for i := 0; i < t.cfg.Workers; i++ {
			t.wg.Add(1)
			go t.worker()
		}
		if sw, ok := t.store.(Sweeper); ok {
			t.sweep.Add(1)
			go t.sweeper(sw)
		}
		t.logger.Info().
			Str(xglog.FieldEvent, "jobs.started").
			Int("workers", t.cfg.Workers).
			Int("queue_size", t.cfg.QueueSize).
			Msg("job pool started")
	})
}

// Stop stops accepting jobs, lets queued and running jobs finish and waits
// for the workers. If ctx expires first the remaining work is abandoned.
func (t *Tracker) Stop(ctx context.Context) error {
	var err error
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		close(t.queue)
		t.mu.Unlock()

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		t.cancel()
		t.sweep.Wait()
		t.logger.Info().Str(xglog.FieldEvent, "jobs.stopped").Msg("job pool stopped")
	})
	return err
}

// Submit records a PENDING job and queues fn. The id is returned before fn runs.
func (t *Tracker) Submit(ctx context.Context, kind, machineID string, fn Func) (string, error) {
	id := NewID()
	rec := Record{
		JobID:     id,
		Kind:      kind,
		MachineID: machineID,
		Status:    StatusPending,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}

	t.mu.RLock()
	if t.stopped {
		t.mu.RUnlock()
		_ = t.store.Delete(ctx, id)
		return "", ErrStopped
	}
	select {
	case t.queue <- task{id: id, kind: kind, machineID: machineID, fn: fn, queuedAt: t.now()}:
		t.mu.RUnlock()
	default:
		t.mu.RUnlock()
		_ = t.store.Delete(ctx, id)
		metrics.IncJobRejected(kind)
		t.logger.Warn().
			Str(xglog.FieldEvent, "jobs.rejected").
			Str(xglog.FieldMachineID, machineID).
			Str("kind", kind).
			Msg("job queue full")
		return "", ErrQueueFull
	}

	metrics.IncJobSubmitted(kind)
	metrics.SetJobQueueDepth(len(t.queue))
	return id, nil
}

// Begin records a PENDING job that is run outside the pool, for example by
// a per-machine queue worker. The caller reports the outcome with Complete.
func (t *Tracker) Begin(ctx context.Context, kind, machineID string) (string, error) {
	id := NewID()
	rec := Record{
		JobID:     id,
		Kind:      kind,
		MachineID: machineID,
		Status:    StatusPending,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	metrics.IncJobSubmitted(kind)
	return id, nil
}

// Complete finishes a job opened with Begin. A non-nil err stores the
// failure payload instead of result.
func (t *Tracker) Complete(ctx context.Context, id, kind string, result any, err error) error {
	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		result = t.cfg.FailurePayload(err)
	}
	buf, mErr := json.Marshal(result)
	if mErr != nil {
		status = StatusFailed
		buf, _ = json.Marshal(defaultFailure(fmt.Errorf("encode job result: %w", mErr)))
	}
	if fErr := t.store.Finish(ctx, id, status, buf, t.now().UTC()); fErr != nil {
		return fErr
	}
	metrics.ObserveJobFinished(kind, string(status), 0)
	return nil
}

// Get returns the current record for id.
func (t *Tracker) Get(ctx context.Context, id string) (Record, error) {
	return t.store.Get(ctx, id)
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	for tk := range t.queue {
		metrics.SetJobQueueDepth(len(t.queue))
		t.run(tk)
	}
}

func (t *Tracker) run(tk task) {
	ctx := xglog.ContextWithJobID(t.ctx, tk.id)
	if tk.machineID != "" {
		ctx = xglog.ContextWithMachineID(ctx, tk.machineID)
	}
	ctx, span := telemetry.Tracer("cncbridge/jobs").Start(ctx, "job."+tk.kind)
	defer span.End()
	logger := xglog.WithContext(ctx, t.logger)

	start := t.now()
	payload, err := t.invoke(ctx, tk.fn)

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		payload = t.cfg.FailurePayload(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	buf, mErr := json.Marshal(payload)
	if mErr != nil {
		status = StatusFailed
		buf, _ = json.Marshal(defaultFailure(fmt.Errorf("encode job result: %w", mErr)))
	}
	span.SetAttributes(telemetry.JobAttributes(tk.id, tk.kind, string(status))...)

	if fErr := t.store.Finish(context.Background(), tk.id, status, buf, t.now().UTC()); fErr != nil {
		logger.Error().Err(fErr).Str(xglog.FieldEvent, "jobs.finish_failed").Msg("could not record job result")
	}

	d := t.now().Sub(start)
	metrics.ObserveJobFinished(tk.kind, string(status), d)
	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Str(xglog.FieldEvent, "jobs.finished").
		Str("kind", tk.kind).
		Str(xglog.FieldState, string(status)).
		Int64(xglog.FieldDuration, d.Milliseconds()).
		Dur("queued", start.Sub(tk.queuedAt)).
		Msg("job finished")
}

func (t *Tracker) invoke(ctx context.Context, fn Func) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger := xglog.WithContext(ctx, t.logger)
			logger.Error().
				Str(xglog.FieldEvent, "jobs.panic").
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
			out = nil
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (t *Tracker) sweeper(sw Sweeper) {
	defer t.sweep.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			if err := sw.Sweep(t.ctx, now); err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Warn().Err(err).Str(xglog.FieldEvent, "jobs.sweep_failed").Msg("job store sweep failed")
			}
		}
	}
}
