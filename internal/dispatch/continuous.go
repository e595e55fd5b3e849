package dispatch

import (
	"context"
	"sort"
	"time"

	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
	"github.com/abutsfit/cncbridge/internal/queue"
)

const maxBackoffSteps = 12

// failure tracks repeated failures of one queued job.
type failure struct {
	jobID       string
	count       int
	nextAttempt time.Time
}

func (f *failure) blocked(jobID string, now time.Time) bool {
	return f.jobID == jobID && now.Before(f.nextAttempt)
}

func (f *failure) record(jobID string, now time.Time, step time.Duration) int {
	if f.jobID != jobID {
		*f = failure{jobID: jobID}
	}
	f.count++
	f.nextAttempt = now.Add(step * time.Duration(min(f.count, maxBackoffSteps)))
	return f.count
}

// machineState is the continuous machining state of one machine. The
// current job runs in currentSlot while the next one is preloaded into
// nextSlot.
type machineState struct {
	machineID     string
	currentSlot   int
	nextSlot      int
	current       *queue.Item
	next          *queue.Item
	running       bool
	awaitingStart bool
	sawBusy       bool
	startedAt     time.Time
	start         failure
	preload       failure
}

func (s machineState) clone() machineState {
	if s.current != nil {
		c := *s.current
		s.current = &c
	}
	if s.next != nil {
		n := *s.next
		s.next = &n
	}
	return s
}

// ContinuousState is the continuous machining view of one machine.
type ContinuousState struct {
	MachineID       string      `json:"machineId"`
	CurrentSlot     int         `json:"currentSlot"`
	NextSlot        int         `json:"nextSlot"`
	CurrentJob      *queue.Item `json:"currentJob"`
	NextJob         *queue.Item `json:"nextJob"`
	IsRunning       bool        `json:"isRunning"`
	AwaitingStart   bool        `json:"awaitingStart"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	StartFailures   int         `json:"startFailures"`
	PreloadFailures int         `json:"preloadFailures"`
}

// State returns the continuous state of a machine the consumer has seen.
func (d *Dispatcher) State(machineID string) (ContinuousState, bool) {
	d.mu.Lock()
	st, ok := d.states[key(machineID)]
	if !ok {
		d.mu.Unlock()
		return ContinuousState{}, false
	}
	s := st.clone()
	d.mu.Unlock()

	out := ContinuousState{
		MachineID:       s.machineID,
		CurrentSlot:     s.currentSlot,
		NextSlot:        s.nextSlot,
		CurrentJob:      s.current,
		NextJob:         s.next,
		IsRunning:       s.running,
		AwaitingStart:   s.awaitingStart,
		StartFailures:   s.start.count,
		PreloadFailures: s.preload.count,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt.UTC()
		out.StartedAt = &t
	}
	return out, true
}

func (d *Dispatcher) loadState(machineID string) machineState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.states[key(machineID)]; ok {
		return st.clone()
	}
	return machineState{machineID: machineID, currentSlot: SlotA, nextSlot: SlotB}
}

func (d *Dispatcher) saveState(st machineState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[key(st.machineID)] = &st
}

// continuousMachines is every machine with a queue or a known state.
func (d *Dispatcher) continuousMachines() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range d.queue.Machines() {
		if !seen[key(id)] {
			seen[key(id)] = true
			ids = append(ids, id)
		}
	}
	d.mu.Lock()
	for k, st := range d.states {
		if !seen[k] {
			seen[k] = true
			ids = append(ids, st.machineID)
		}
	}
	d.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (d *Dispatcher) tick(ctx context.Context) {
	for _, id := range d.continuousMachines() {
		if ctx.Err() != nil {
			return
		}
		d.process(ctx, id)
	}
}

func (d *Dispatcher) process(ctx context.Context, machineID string) {
	st := d.loadState(machineID)
	defer func() { d.saveState(st) }()

	if !st.running && !st.awaitingStart && st.next == nil {
		d.refreshSlots(ctx, &st)
	}

	switch {
	case st.running:
		if d.finished(ctx, &st) {
			d.complete(&st)
			if st.next != nil {
				d.switchToNext(ctx, &st)
			}
			return
		}
		if st.next == nil {
			d.preloadNext(ctx, &st)
		}
	case st.awaitingStart:
		if b, err := d.busy(ctx, machineID); err == nil && b {
			st.awaitingStart = false
			st.running = true
			st.sawBusy = true
			st.startedAt = d.now()
			metrics.IncDispatch("continuous", "running")
		}
		if st.next == nil {
			d.preloadNext(ctx, &st)
		}
	case st.next != nil:
		d.switchToNext(ctx, &st)
	default:
		d.startNew(ctx, &st)
	}
}

// refreshSlots aligns the toggle slots with the active program so the next
// upload never targets it.
func (d *Dispatcher) refreshSlots(ctx context.Context, st *machineState) {
	active, err := d.programs.ActiveSlot(ctx, st.machineID)
	if err != nil || !isToggleSlot(active) {
		return
	}
	st.currentSlot = OtherSlot(active)
	st.nextSlot = active
}

// finished reports whether the running job is over: busy was seen and has
// dropped, or AssumeDone elapsed.
func (d *Dispatcher) finished(ctx context.Context, st *machineState) bool {
	b, err := d.busy(ctx, st.machineID)
	if err == nil {
		if b {
			st.sawBusy = true
		} else if st.sawBusy {
			return true
		}
	}
	return d.now().Sub(st.startedAt) >= d.cfg.AssumeDone
}

func (d *Dispatcher) complete(st *machineState) {
	logger := d.logger.With().Str(xglog.FieldMachineID, st.machineID).Logger()
	if st.current != nil {
		logger.Info().
			Str(xglog.FieldEvent, "dispatch.job_done").
			Str(xglog.FieldJobID, st.current.ID).
			Dur("elapsed", d.now().Sub(st.startedAt)).
			Msg("continuous job finished")
	}
	metrics.IncDispatch("continuous", "done")
	st.current = nil
	st.running = false
	st.sawBusy = false
	st.startedAt = time.Time{}
}

// preloadNext uploads the queue head into nextSlot while the current job
// runs.
func (d *Dispatcher) preloadNext(ctx context.Context, st *machineState) {
	item, ok := d.queue.Peek(st.machineID)
	if !ok || item.Paused || item.Kind == queue.KindDummy {
		return
	}
	now := d.now()
	if st.preload.blocked(item.ID, now) {
		return
	}
	logger := d.logger.With().
		Str(xglog.FieldMachineID, st.machineID).
		Str(xglog.FieldJobID, item.ID).
		Int(xglog.FieldSlotNo, st.nextSlot).
		Logger()

	if _, err := d.upload(ctx, st.machineID, itemPath(item), st.nextSlot); err != nil {
		n := st.preload.record(item.ID, now, d.cfg.PreloadBackoff)
		metrics.IncDispatch("continuous", "preload_failed")
		logger.Warn().Err(err).Str(xglog.FieldEvent, "dispatch.preload_failed").Int(xglog.FieldAttempt, n).Msg("preload failed")
		return
	}
	popped, ok := d.queue.Pop(st.machineID)
	if !ok {
		return
	}
	st.preload = failure{}
	st.next = &popped
	metrics.IncDispatch("continuous", "preloaded")
	logger.Info().Str(xglog.FieldEvent, "dispatch.preloaded").Msg("next job preloaded")
}

// switchToNext activates the preloaded slot and makes it current.
func (d *Dispatcher) switchToNext(ctx context.Context, st *machineState) {
	next := st.next
	now := d.now()
	if st.start.blocked(next.ID, now) {
		return
	}
	logger := d.logger.With().
		Str(xglog.FieldMachineID, st.machineID).
		Str(xglog.FieldJobID, next.ID).
		Int(xglog.FieldSlotNo, st.nextSlot).
		Logger()

	if err := d.arm(ctx, st.machineID, st.nextSlot, next.AllowAutoStart); err != nil {
		n := st.start.record(next.ID, now, d.cfg.StartBackoff)
		metrics.IncDispatch("continuous", "start_failed")
		logger.Warn().Err(err).Str(xglog.FieldEvent, "dispatch.switch_failed").Int(xglog.FieldAttempt, n).Msg("switch to next job failed")
		if n >= d.cfg.MaxStartFailures {
			logger.Error().Str(xglog.FieldEvent, "dispatch.job_dropped").Msg("next job dropped after repeated failures")
			metrics.IncDispatch("continuous", "dropped")
			st.next = nil
			st.start = failure{}
		}
		return
	}
	st.start = failure{}
	st.currentSlot, st.nextSlot = st.nextSlot, st.currentSlot
	st.current = next
	st.next = nil
	d.started(st)
	logger.Info().Str(xglog.FieldEvent, "dispatch.switched").Bool("autoStart", next.AllowAutoStart).Msg("switched to next job")
}

// startNew uploads and starts the queue head on an idle machine.
func (d *Dispatcher) startNew(ctx context.Context, st *machineState) {
	item, ok := d.queue.Peek(st.machineID)
	if !ok || item.Paused {
		return
	}
	now := d.now()
	if st.start.blocked(item.ID, now) {
		return
	}
	if b, err := d.busy(ctx, st.machineID); err != nil || b {
		return
	}

	slot := st.currentSlot
	if item.Kind == queue.KindDummy {
		slot = item.ProgramNo
	}
	logger := d.logger.With().
		Str(xglog.FieldMachineID, st.machineID).
		Str(xglog.FieldJobID, item.ID).
		Int(xglog.FieldSlotNo, slot).
		Logger()

	var err error
	if item.Kind != queue.KindDummy {
		_, err = d.upload(ctx, st.machineID, itemPath(item), slot)
		err = step("UPLOAD_FAILED", err)
	}
	if err == nil {
		err = d.arm(ctx, st.machineID, slot, item.AllowAutoStart)
	}
	if err != nil {
		n := st.start.record(item.ID, now, d.cfg.StartBackoff)
		metrics.IncDispatch("continuous", "start_failed")
		logger.Warn().Err(err).Str(xglog.FieldEvent, "dispatch.start_failed").Int(xglog.FieldAttempt, n).Msg("start failed")
		if n >= d.cfg.MaxStartFailures {
			d.queue.Pop(st.machineID)
			st.start = failure{}
			metrics.IncDispatch("continuous", "dropped")
			logger.Error().Str(xglog.FieldEvent, "dispatch.job_dropped").Msg("job dropped after repeated failures")
		}
		return
	}

	popped, ok := d.queue.Pop(st.machineID)
	if !ok {
		popped = item
	}
	st.start = failure{}
	st.current = &popped
	d.started(st)
	logger.Info().Str(xglog.FieldEvent, "dispatch.started_job").Bool("autoStart", item.AllowAutoStart).Msg("job started")
}

func (d *Dispatcher) started(st *machineState) {
	st.running = false
	st.awaitingStart = true
	st.sawBusy = false
	st.startedAt = d.now()
	metrics.IncDispatch("continuous", "started")
}

func itemPath(it queue.Item) string {
	if it.BridgePath != "" {
		return it.BridgePath
	}
	return it.FileName
}
