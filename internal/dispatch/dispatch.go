// Package dispatch runs queued machining work on the machines: the
// continuous queue consumer, the smart start queue and manual play.
//
// Programs alternate between two fixed slots so the next program can be
// uploaded while the current one runs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/jobs"
	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/mode1"
	"github.com/abutsfit/cncbridge/internal/program"
	"github.com/abutsfit/cncbridge/internal/queue"
)

// The two toggle slots.
const (
	SlotA = 4000
	SlotB = 4001
)

// OtherSlot returns the toggle partner of slot. Any slot other than SlotA
// maps to SlotA.
func OtherSlot(slot int) int {
	if slot == SlotA {
		return SlotB
	}
	return SlotA
}

func isToggleSlot(slot int) bool { return slot == SlotA || slot == SlotB }

var (
	ErrStopped     = errors.New("dispatch: stopped")
	ErrNoPaths     = errors.New("dispatch: paths is required")
	ErrNoPath      = errors.New("dispatch: path is required")
	ErrInvalidSlot = errors.New("dispatch: slotNo must be 4000 or 4001")
	ErrQueueEmpty  = errors.New("dispatch: queue is empty")
	ErrCurrentJob  = errors.New("dispatch: cannot dequeue current running job")
	ErrNoFreeSlot  = errors.New("dispatch: not enough uploadable slots (protected active slot)")
	ErrAlarm       = errors.New("dispatch: machine is in ALARM state")
)

// StepError is a failed machining step. Code names the step.
type StepError struct {
	Code string
	Err  error
}

func (e *StepError) Error() string { return e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

func step(code string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Code: code, Err: err}
}

// AlarmError carries the active alarms that blocked a start.
type AlarmError struct {
	Status hilink.MachineStatus
	Alarms []hilink.Alarm
}

func (e *AlarmError) Error() string {
	return "machine is in ALARM state; clear alarm before manual play"
}

func (e *AlarmError) Unwrap() error { return ErrAlarm }

// Machine is the vendor surface the dispatcher drives.
type Machine interface {
	GetMachineStatus(ctx context.Context, machineID string) (hilink.MachineStatus, error)
	GetAlarms(ctx context.Context, machineID string, headType int16) (hilink.AlarmInfo, error)
	SetActivateProgram(ctx context.Context, machineID string, dto hilink.ActivateProgram) error
	SetPanelIO(ctx context.Context, machineID string, panelType, ioUID int16, on bool) error
	SetMode(ctx context.Context, machineID, mode string) error
	DeleteProgram(ctx context.Context, machineID string, headType, programNo int16) (int16, error)
	PanelIOOn(ctx context.Context, machineID string, ioUID int16) (on, found bool, err error)
}

// Programs moves program files onto machines.
type Programs interface {
	Prepare(req program.UploadRequest) (string, int, error)
	Upload(ctx context.Context, req program.UploadRequest) (program.UploadResult, error)
	VerifyExists(ctx context.Context, machineID string, headType, slotNo int16, timeout time.Duration) error
	ActiveSlot(ctx context.Context, machineID string) (int, error)
}

// Queue is the per-machine job queue the continuous consumer drains.
type Queue interface {
	Machines() []string
	Peek(machineID string) (queue.Item, bool)
	Pop(machineID string) (queue.Item, bool)
}

// Jobs records smart queue runs so they can be looked up by job id.
type Jobs interface {
	Begin(ctx context.Context, kind, machineID string) (string, error)
	Complete(ctx context.Context, id, kind string, result any, err error) error
}

var (
	_ Machine  = (*mode1.Client)(nil)
	_ Programs = (*program.Pipeline)(nil)
	_ Queue    = (*queue.Queues)(nil)
	_ Jobs     = (*jobs.Tracker)(nil)
)

// Config tunes the dispatcher. Zero values take the defaults.
type Config struct {
	// Disabled turns off the continuous consumer. Smart and manual
	// operations still work.
	Disabled   bool
	Interval   time.Duration
	StartIOUID int16
	BusyIOUID  int16
	// AssumeDone ends a running job whose busy signal never dropped.
	AssumeDone time.Duration
	// SmartMaxWait bounds each wait of a smart job. Requests may lower it
	// to no less than 30s.
	SmartMaxWait time.Duration
	// StartWait is how long a smart job waits for busy to rise after the
	// start signal before it goes on to wait for the end.
	StartWait        time.Duration
	BusyPoll         time.Duration
	ModeSettle       time.Duration
	ActivateBusyWait time.Duration
	ActivatePoll     time.Duration
	VerifyTimeout    time.Duration
	MaxStartFailures int
	// StartBackoff and PreloadBackoff are the retry steps after a failed
	// start or preload; the delay grows by one step per failure up to 12
	// steps.
	StartBackoff   time.Duration
	PreloadBackoff time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.StartIOUID <= 0 {
		c.StartIOUID = 61
	}
	if c.BusyIOUID <= 0 {
		c.BusyIOUID = 61
	}
	if c.AssumeDone <= 0 {
		c.AssumeDone = 20 * time.Minute
	}
	if c.SmartMaxWait <= 0 {
		c.SmartMaxWait = 30 * time.Minute
	}
	if c.StartWait <= 0 {
		c.StartWait = 30 * time.Second
	}
	if c.BusyPoll <= 0 {
		c.BusyPoll = 3 * time.Second
	}
	if c.ModeSettle <= 0 {
		c.ModeSettle = 500 * time.Millisecond
	}
	if c.ActivateBusyWait <= 0 {
		c.ActivateBusyWait = 20 * time.Second
	}
	if c.ActivatePoll <= 0 {
		c.ActivatePoll = time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 40 * time.Second
	}
	if c.MaxStartFailures <= 0 {
		c.MaxStartFailures = 10
	}
	if c.StartBackoff <= 0 {
		c.StartBackoff = 5 * time.Second
	}
	if c.PreloadBackoff <= 0 {
		c.PreloadBackoff = 10 * time.Second
	}
}

// Dispatcher owns the continuous consumer, the smart queue workers and the
// manual preload uploads. It implements the daemon worker contract.
type Dispatcher struct {
	machine  Machine
	programs Programs
	queue    Queue
	jobs     Jobs
	cfg      Config
	logger   zerolog.Logger

	mu      sync.Mutex
	stopped bool
	states  map[string]*machineState
	smart   map[string]*smartQueue
	manual  map[string]*manualState

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	now       func() time.Time
}

// New creates a Dispatcher. Start launches the continuous consumer.
func New(m Machine, p Programs, q Queue, j Jobs, cfg Config) *Dispatcher {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		machine:  m,
		programs: p,
		queue:    q,
		jobs:     j,
		cfg:      cfg,
		logger:   xglog.WithComponent("dispatch"),
		states:   make(map[string]*machineState),
		smart:    make(map[string]*smartQueue),
		manual:   make(map[string]*manualState),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Start launches the continuous consumer loop unless it is disabled.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		if d.cfg.Disabled {
			d.logger.Info().Str(xglog.FieldEvent, "dispatch.disabled").Msg("continuous machining disabled")
			return
		}
		if !d.spawn(d.loop) {
			return
		}
		d.logger.Info().
			Str(xglog.FieldEvent, "dispatch.started").
			Dur("interval", d.cfg.Interval).
			Msg("continuous machining started")
	})
}

// Stop cancels in-flight work and waits for every goroutine or ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		d.logger.Info().Str(xglog.FieldEvent, "dispatch.stopped").Msg("dispatcher stopped")
	})
	return err
}

// spawn runs fn on a tracked goroutine unless the dispatcher is stopped.
func (d *Dispatcher) spawn(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *Dispatcher) loop() {
	t := time.NewTicker(d.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			d.tick(d.ctx)
		}
	}
}

func key(machineID string) string {
	return strings.ToLower(strings.TrimSpace(machineID))
}

func sleep(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// busy reads the busy panel IO. A controller that does not report the point
// is busy while its status is RUN.
func (d *Dispatcher) busy(ctx context.Context, machineID string) (bool, error) {
	on, found, err := d.machine.PanelIOOn(ctx, machineID, d.cfg.BusyIOUID)
	if err != nil {
		return false, err
	}
	if found {
		return on, nil
	}
	st, err := d.machine.GetMachineStatus(ctx, machineID)
	if err != nil {
		return false, err
	}
	return st == hilink.StatusRun, nil
}

// waitBusy polls until the busy signal equals want or max elapses. Read
// errors count as not settled.
func (d *Dispatcher) waitBusy(ctx context.Context, machineID string, want bool, max time.Duration) error {
	deadline := d.now().Add(max)
	for {
		if b, err := d.busy(ctx, machineID); err == nil && b == want {
			return nil
		}
		if !d.now().Before(deadline) {
			if want {
				return errors.New("wait for machining start timeout")
			}
			return errors.New("wait for machining end timeout")
		}
		if err := sleep(ctx, d.cfg.BusyPoll); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) setMode(ctx context.Context, machineID string, mode hilink.Mode) error {
	if err := d.machine.SetMode(ctx, machineID, string(mode)); err != nil {
		return fmt.Errorf("SetMachineMode(%s): %w", mode, err)
	}
	return sleep(ctx, d.cfg.ModeSettle)
}

// activate selects slot as the main program, retrying while the controller
// reports busy.
func (d *Dispatcher) activate(ctx context.Context, machineID string, slot int) error {
	dto := hilink.ActivateProgram{HeadType: hilink.HeadMain, ProgramNo: int16(slot)}
	deadline := d.now().Add(d.cfg.ActivateBusyWait)
	for {
		err := d.machine.SetActivateProgram(ctx, machineID, dto)
		if err == nil || !errors.Is(err, hilink.ErrBusy) || !d.now().Before(deadline) {
			return err
		}
		if serr := sleep(ctx, d.cfg.ActivatePoll); serr != nil {
			return serr
		}
	}
}

// arm switches to EDIT, activates slot, switches to AUTO and, when start is
// set, presses cycle start.
func (d *Dispatcher) arm(ctx context.Context, machineID string, slot int, start bool) error {
	if err := d.setMode(ctx, machineID, hilink.ModeEdit); err != nil {
		return step("SET_MODE_EDIT_FAILED", err)
	}
	if err := d.activate(ctx, machineID, slot); err != nil {
		return step("ACTIVATE_FAILED", err)
	}
	if err := d.setMode(ctx, machineID, hilink.ModeAuto); err != nil {
		return step("SET_MODE_AUTO_FAILED", err)
	}
	if start {
		if err := d.machine.SetPanelIO(ctx, machineID, 0, d.cfg.StartIOUID, true); err != nil {
			return step("START_FAILED", err)
		}
	}
	return nil
}

// freeSlot picks the toggle slot that is not the active program.
func (d *Dispatcher) freeSlot(ctx context.Context, machineID string) int {
	active, err := d.programs.ActiveSlot(ctx, machineID)
	if err == nil && isToggleSlot(active) {
		return OtherSlot(active)
	}
	return SlotA
}

func (d *Dispatcher) upload(ctx context.Context, machineID, path string, slot int) (program.UploadResult, error) {
	return d.programs.Upload(ctx, program.UploadRequest{
		MachineID: machineID,
		HeadType:  hilink.HeadMain,
		SlotNo:    slot,
		Path:      path,
		IsNew:     true,
		DeleteOld: true,
	})
}

// alarmed returns an AlarmError when the machine is in ALARM with active
// alarms on either head.
func (d *Dispatcher) alarmed(ctx context.Context, machineID string) error {
	st, err := d.machine.GetMachineStatus(ctx, machineID)
	if err != nil || st != hilink.StatusAlarm {
		return nil
	}
	var alarms []hilink.Alarm
	for _, head := range []int16{hilink.HeadMain, hilink.HeadSub} {
		if info, err := d.machine.GetAlarms(ctx, machineID, head); err == nil {
			alarms = append(alarms, info.Alarms...)
		}
	}
	if len(alarms) == 0 {
		return nil
	}
	return &AlarmError{Status: st, Alarms: alarms}
}
