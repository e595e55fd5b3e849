package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/abutsfit/cncbridge/internal/hilink"
	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
)

// SmartJobKind is the job record kind of a smart queue run.
const SmartJobKind = "smart_run"

const minSmartWait = 30 * time.Second

// Smart job states.
const (
	SmartQueued  = "QUEUED"
	SmartRunning = "RUNNING"
	SmartDone    = "DONE"
	SmartFailed  = "FAILED"
)

// SmartRequest queues program files for back to back runs.
type SmartRequest struct {
	Paths          []string `json:"paths"`
	MaxWaitSeconds int      `json:"maxWaitSeconds"`
	// PreUpload uploads every file at enqueue time into the free toggle
	// slots, so at most one file fits while a toggle slot is active.
	PreUpload bool `json:"preUpload"`
}

// SmartJob is one file of the smart queue.
type SmartJob struct {
	JobID          string     `json:"jobId"`
	Path           string     `json:"path"`
	Status         string     `json:"status"`
	Index          int        `json:"index"`
	Total          int        `json:"total"`
	SlotNo         int        `json:"slotNo,omitempty"`
	PreviousSlot   int        `json:"previousSlot,omitempty"`
	Uploaded       bool       `json:"uploaded"`
	EnqueuedAt     time.Time  `json:"enqueuedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	ElapsedSeconds float64    `json:"elapsedSeconds,omitempty"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`

	maxWait time.Duration
}

// SmartStatus is the smart queue of one machine.
type SmartStatus struct {
	MachineID     string     `json:"machineId"`
	WorkerRunning bool       `json:"workerRunning"`
	Current       *SmartJob  `json:"current"`
	Queued        []SmartJob `json:"queued"`
}

// DequeueResult reports a smart dequeue.
type DequeueResult struct {
	Removed      bool       `json:"removed"`
	RemovedJobID string     `json:"removedJobId,omitempty"`
	Queued       []SmartJob `json:"queued"`
}

type smartQueue struct {
	machineID string
	pending   []*SmartJob
	current   *SmartJob
	running   bool
}

// smartQueueLocked returns the queue for machineID. d.mu must be held.
func (d *Dispatcher) smartQueueLocked(machineID string) *smartQueue {
	k := key(machineID)
	q := d.smart[k]
	if q == nil {
		q = &smartQueue{machineID: strings.TrimSpace(machineID)}
		d.smart[k] = q
	}
	return q
}

func snapshotJobs(jobs []*SmartJob) []SmartJob {
	out := make([]SmartJob, len(jobs))
	for i, j := range jobs {
		out[i] = *j
	}
	return out
}

func (d *Dispatcher) smartWait(seconds int) time.Duration {
	if seconds <= 0 {
		return d.cfg.SmartMaxWait
	}
	return min(max(time.Duration(seconds)*time.Second, minSmartWait), d.cfg.SmartMaxWait)
}

// newSmartJobs validates req, optionally uploads the files and opens a job
// record for each.
func (d *Dispatcher) newSmartJobs(ctx context.Context, machineID string, req SmartRequest) ([]*SmartJob, error) {
	var paths []string
	for _, p := range req.Paths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}

	var slots []int
	if req.PreUpload {
		active, _ := d.programs.ActiveSlot(ctx, machineID)
		for _, s := range []int{SlotA, SlotB} {
			if s != active {
				slots = append(slots, s)
			}
		}
		if len(paths) > len(slots) {
			return nil, ErrNoFreeSlot
		}
		for i, p := range paths {
			if _, err := d.upload(ctx, machineID, p, slots[i]); err != nil {
				return nil, step("UPLOAD_FAILED", err)
			}
		}
	}

	wait := d.smartWait(req.MaxWaitSeconds)
	now := d.now().UTC()
	jobs := make([]*SmartJob, 0, len(paths))
	for i, p := range paths {
		id, err := d.jobs.Begin(ctx, SmartJobKind, machineID)
		if err != nil {
			return nil, err
		}
		j := &SmartJob{
			JobID:      id,
			Path:       p,
			Status:     SmartQueued,
			Index:      i + 1,
			Total:      len(paths),
			EnqueuedAt: now,
			maxWait:    wait,
		}
		if slots != nil {
			j.SlotNo = slots[i]
			j.Uploaded = true
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// SmartEnqueue appends files to the smart queue of a machine.
func (d *Dispatcher) SmartEnqueue(ctx context.Context, machineID string, req SmartRequest) ([]SmartJob, error) {
	jobs, err := d.newSmartJobs(ctx, machineID, req)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	q := d.smartQueueLocked(machineID)
	q.pending = append(q.pending, jobs...)
	d.mu.Unlock()
	metrics.IncDispatch("smart", "enqueued")
	return snapshotJobs(jobs), nil
}

// SmartReplace swaps the pending smart jobs of a machine. The replaced jobs
// end FAILED. A running job is not affected.
func (d *Dispatcher) SmartReplace(ctx context.Context, machineID string, req SmartRequest) ([]SmartJob, error) {
	jobs, err := d.newSmartJobs(ctx, machineID, req)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	q := d.smartQueueLocked(machineID)
	removed := q.pending
	q.pending = jobs
	d.mu.Unlock()

	for _, j := range removed {
		d.closeJob(j, errors.New("replaced by a new smart queue"))
	}
	metrics.IncDispatch("smart", "replaced")
	return snapshotJobs(jobs), nil
}

// SmartDequeue removes a pending job, or the queue head when jobID is
// empty. The running job cannot be removed.
func (d *Dispatcher) SmartDequeue(ctx context.Context, machineID, jobID string) (DequeueResult, error) {
	jobID = strings.TrimSpace(jobID)
	d.mu.Lock()
	q := d.smartQueueLocked(machineID)
	if jobID != "" && q.current != nil && q.current.JobID == jobID {
		d.mu.Unlock()
		return DequeueResult{}, ErrCurrentJob
	}
	idx := -1
	for i, j := range q.pending {
		if jobID == "" || j.JobID == jobID {
			idx = i
			break
		}
	}
	var removed *SmartJob
	if idx >= 0 {
		removed = q.pending[idx]
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	}
	res := DequeueResult{Queued: snapshotJobs(q.pending)}
	d.mu.Unlock()

	if removed != nil {
		res.Removed = true
		res.RemovedJobID = removed.JobID
		d.closeJob(removed, errors.New("dequeued"))
	}
	return res, nil
}

// SmartStart launches the smart worker of a machine. It reports false when
// the worker was already running.
func (d *Dispatcher) SmartStart(machineID string) (bool, error) {
	d.mu.Lock()
	q := d.smartQueueLocked(machineID)
	if q.running {
		d.mu.Unlock()
		return false, nil
	}
	if len(q.pending) == 0 {
		d.mu.Unlock()
		return false, ErrQueueEmpty
	}
	q.running = true
	d.mu.Unlock()

	if !d.spawn(func() { d.runSmart(machineID) }) {
		d.mu.Lock()
		q.running = false
		d.mu.Unlock()
		return false, ErrStopped
	}
	metrics.IncDispatch("smart", "worker_started")
	return true, nil
}

// SmartStatus returns the smart queue of a machine.
func (d *Dispatcher) SmartStatus(machineID string) SmartStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.smartQueueLocked(machineID)
	st := SmartStatus{MachineID: q.machineID, WorkerRunning: q.running, Queued: snapshotJobs(q.pending)}
	if q.current != nil {
		c := *q.current
		st.Current = &c
	}
	return st
}

// runSmart runs the pending jobs one at a time. A failed job stops the
// worker and leaves the rest queued.
func (d *Dispatcher) runSmart(machineID string) {
	logger := d.logger.With().Str(xglog.FieldMachineID, machineID).Logger()
	for {
		d.mu.Lock()
		q := d.smartQueueLocked(machineID)
		if len(q.pending) == 0 || d.ctx.Err() != nil {
			q.running = false
			d.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		started := d.now().UTC()
		job.Status = SmartRunning
		job.StartedAt = &started
		q.current = job
		d.mu.Unlock()

		logger.Info().
			Str(xglog.FieldEvent, "dispatch.smart_started").
			Str(xglog.FieldJobID, job.JobID).
			Str(xglog.FieldPath, job.Path).
			Msg("smart job started")

		err := d.runSmartJob(d.ctx, machineID, job)

		d.mu.Lock()
		q.current = nil
		d.mu.Unlock()
		d.closeJob(job, err)

		if err != nil {
			logger.Warn().Err(err).
				Str(xglog.FieldEvent, "dispatch.smart_failed").
				Str(xglog.FieldJobID, job.JobID).
				Msg("smart job failed; worker stopped")
			d.mu.Lock()
			q.running = false
			d.mu.Unlock()
			return
		}
	}
}

func (d *Dispatcher) runSmartJob(ctx context.Context, machineID string, job *SmartJob) error {
	d.mu.Lock()
	slot, uploaded, wait := job.SlotNo, job.Uploaded, job.maxWait
	d.mu.Unlock()

	if !uploaded {
		slot = d.freeSlot(ctx, machineID)
		if _, err := d.upload(ctx, machineID, job.Path, slot); err != nil {
			return step("UPLOAD_FAILED", err)
		}
		d.mu.Lock()
		job.SlotNo, job.Uploaded = slot, true
		d.mu.Unlock()
	}

	if err := d.waitBusy(ctx, machineID, false, wait); err != nil {
		return step("WAIT_IDLE_TIMEOUT", err)
	}
	if err := d.alarmed(ctx, machineID); err != nil {
		return step("ALARM", err)
	}
	prev, _ := d.programs.ActiveSlot(ctx, machineID)
	if err := d.arm(ctx, machineID, slot, true); err != nil {
		return err
	}
	// A short program may finish between polls, so a missed rise is not
	// an error.
	if err := d.waitBusy(ctx, machineID, true, d.cfg.StartWait); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err := d.waitBusy(ctx, machineID, false, wait); err != nil {
		return step("WAIT_DONE_TIMEOUT", err)
	}
	if err := d.alarmed(ctx, machineID); err != nil {
		return step("ALARM", err)
	}

	if isToggleSlot(prev) && prev != slot {
		if _, err := d.machine.DeleteProgram(ctx, machineID, hilink.HeadMain, int16(prev)); err != nil {
			d.logger.Debug().Err(err).
				Str(xglog.FieldMachineID, machineID).
				Int(xglog.FieldSlotNo, prev).
				Msg("previous slot not deleted")
		}
	}
	d.mu.Lock()
	job.PreviousSlot = prev
	d.mu.Unlock()
	return nil
}

// closeJob marks a job finished and completes its record.
func (d *Dispatcher) closeJob(job *SmartJob, err error) {
	now := d.now().UTC()
	d.mu.Lock()
	job.FinishedAt = &now
	if job.StartedAt != nil {
		job.ElapsedSeconds = now.Sub(*job.StartedAt).Seconds()
	}
	if err != nil {
		job.Status = SmartFailed
		job.ErrorMessage = err.Error()
		var se *StepError
		if errors.As(err, &se) {
			job.ErrorCode = se.Code
		}
	} else {
		job.Status = SmartDone
	}
	out := *job
	d.mu.Unlock()

	metrics.IncDispatch("smart", strings.ToLower(out.Status))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var cerr error
	if err != nil {
		cerr = d.jobs.Complete(ctx, out.JobID, SmartJobKind, nil, err)
	} else {
		cerr = d.jobs.Complete(ctx, out.JobID, SmartJobKind, out, nil)
	}
	if cerr != nil {
		d.logger.Warn().Err(cerr).Str(xglog.FieldJobID, out.JobID).Msg("smart job record not completed")
	}
}
