package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/abutsfit/cncbridge/internal/gate"
	"github.com/abutsfit/cncbridge/internal/handles"
	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/hilink/sim"
	"github.com/abutsfit/cncbridge/internal/jobs"
	"github.com/abutsfit/cncbridge/internal/mode1"
	"github.com/abutsfit/cncbridge/internal/program"
	"github.com/abutsfit/cncbridge/internal/queue"
	"github.com/abutsfit/cncbridge/internal/registry"
	"github.com/abutsfit/cncbridge/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testIP   = "10.0.0.1"
	testPort = 8193
	startIO  = int16(61)
)

type fixture struct {
	d     *Dispatcher
	lib   *sim.Library
	files *store.Store
	queue *queue.Queues
	jobs  *jobs.Tracker
}

func fastConfig() Config {
	return Config{
		Interval:         10 * time.Millisecond,
		SmartMaxWait:     5 * time.Second,
		StartWait:        50 * time.Millisecond,
		BusyPoll:         5 * time.Millisecond,
		ModeSettle:       time.Millisecond,
		ActivateBusyWait: 50 * time.Millisecond,
		ActivatePoll:     5 * time.Millisecond,
		VerifyTimeout:    time.Second,
		StartBackoff:     time.Nanosecond,
		PreloadBackoff:   time.Nanosecond,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	lib := sim.New()
	lib.AddController(testIP, testPort)

	reg, err := registry.Open(filepath.Join(dir, "machines.json"))
	require.NoError(t, err)
	_, err = reg.Upsert(registry.Machine{UID: "M01", IP: testIP, Port: testPort})
	require.NoError(t, err)

	g := gate.New(gate.Config{})
	hs := handles.New(lib, g, reg, handles.Config{})
	client := mode1.New(lib, g, hs, reg, mode1.Config{})
	t.Cleanup(client.Wait)

	files, err := store.New(filepath.Join(dir, "store"))
	require.NoError(t, err)
	pipeline := program.NewPipeline(client, files, program.Config{
		BusyPollInterval:   5 * time.Millisecond,
		BusyMaxWait:        50 * time.Millisecond,
		VerifyInitialDelay: time.Millisecond,
		VerifyInterval:     5 * time.Millisecond,
	})
	q := queue.New()
	tracker := jobs.New(jobs.NewMemoryStore(time.Hour), jobs.Config{})

	d := New(client, pipeline, q, tracker, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, d.Stop(ctx))
	})
	return &fixture{d: d, lib: lib, files: files, queue: q, jobs: tracker}
}

func (f *fixture) write(t *testing.T, rel, text string) {
	t.Helper()
	require.NoError(t, f.files.WriteFile(rel, []byte(text)))
}

func (f *fixture) controller(fn func(c *sim.Controller)) {
	f.lib.Update(testIP, testPort, fn)
}

func (f *fixture) busyIO() bool {
	var on bool
	f.controller(func(c *sim.Controller) { on = c.PanelIO[startIO] })
	return on
}

func (f *fixture) endCycle() {
	f.controller(func(c *sim.Controller) { c.PanelIO[startIO] = false })
}

func (f *fixture) activeProgram() string {
	var name string
	f.controller(func(c *sim.Controller) { name = c.Active.MainProgramName })
	return name
}

func (f *fixture) hasProgram(no int16) bool {
	var ok bool
	f.controller(func(c *sim.Controller) { _, ok = c.Programs[hilink.HeadMain][no] })
	return ok
}

func (f *fixture) record(t *testing.T, id string) jobs.Record {
	t.Helper()
	rec, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestOtherSlot(t *testing.T) {
	assert.Equal(t, SlotB, OtherSlot(SlotA))
	assert.Equal(t, SlotA, OtherSlot(SlotB))
	assert.Equal(t, SlotA, OtherSlot(1234))
}

func TestContinuousRunsQueueThroughToggleSlots(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	f.write(t, "M01/a.nc", "O1\nG0 X1\nM30")
	f.write(t, "M01/b.nc", "O2\nG0 X2\nM30")
	_, err := f.queue.EnqueueBack("M01", queue.FileJob{FileName: "a.nc", BridgePath: "M01/a.nc", AllowAutoStart: true})
	require.NoError(t, err)
	_, err = f.queue.EnqueueBack("M01", queue.FileJob{FileName: "b.nc", BridgePath: "M01/b.nc", AllowAutoStart: true})
	require.NoError(t, err)

	f.d.process(ctx, "M01")
	st, ok := f.d.State("M01")
	require.True(t, ok)
	require.NotNil(t, st.CurrentJob)
	assert.Equal(t, "a.nc", st.CurrentJob.FileName)
	assert.True(t, st.AwaitingStart)
	assert.Equal(t, "O4000", f.activeProgram())
	assert.True(t, f.busyIO(), "cycle start pressed")

	f.d.process(ctx, "M01")
	st, _ = f.d.State("M01")
	assert.True(t, st.IsRunning)
	require.NotNil(t, st.NextJob, "next job preloaded while running")
	assert.Equal(t, "b.nc", st.NextJob.FileName)
	assert.True(t, f.hasProgram(SlotB))
	assert.Empty(t, f.queue.Snapshot("M01"))

	f.endCycle()
	f.d.process(ctx, "M01")
	st, _ = f.d.State("M01")
	require.NotNil(t, st.CurrentJob)
	assert.Equal(t, "b.nc", st.CurrentJob.FileName)
	assert.Nil(t, st.NextJob)
	assert.Equal(t, SlotB, st.CurrentSlot)
	assert.Equal(t, SlotA, st.NextSlot)
	assert.Equal(t, "O4001", f.activeProgram())
	assert.True(t, f.busyIO())

	f.d.process(ctx, "M01")
	f.endCycle()
	f.d.process(ctx, "M01")
	st, _ = f.d.State("M01")
	assert.Nil(t, st.CurrentJob)
	assert.False(t, st.IsRunning)
}

func TestContinuousWaitsForBusyBeforeMovingOn(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	f.write(t, "M01/a.nc", "G0")
	_, err := f.queue.EnqueueBack("M01", queue.FileJob{FileName: "a.nc", BridgePath: "M01/a.nc"})
	require.NoError(t, err)

	f.d.process(ctx, "M01")
	st, _ := f.d.State("M01")
	assert.True(t, st.AwaitingStart)
	assert.False(t, f.busyIO(), "no auto start")

	for range 3 {
		f.d.process(ctx, "M01")
	}
	st, _ = f.d.State("M01")
	assert.True(t, st.AwaitingStart, "operator has not pressed start")
	require.NotNil(t, st.CurrentJob)

	f.controller(func(c *sim.Controller) { c.PanelIO[startIO] = true })
	f.d.process(ctx, "M01")
	st, _ = f.d.State("M01")
	assert.True(t, st.IsRunning)
}

func TestContinuousAssumesDoneAfterTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.AssumeDone = time.Minute
	f := newFixture(t, cfg)
	ctx := context.Background()
	now := time.Now()
	f.d.now = func() time.Time { return now }
	f.write(t, "M01/a.nc", "G0")
	_, err := f.queue.EnqueueBack("M01", queue.FileJob{FileName: "a.nc", BridgePath: "M01/a.nc", AllowAutoStart: true})
	require.NoError(t, err)

	f.d.process(ctx, "M01")
	f.d.process(ctx, "M01")
	st, _ := f.d.State("M01")
	require.True(t, st.IsRunning)

	now = now.Add(2 * time.Minute)
	f.d.process(ctx, "M01")
	st, _ = f.d.State("M01")
	assert.False(t, st.IsRunning)
	assert.Nil(t, st.CurrentJob)
}

func TestContinuousDropsJobAfterRepeatedFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxStartFailures = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	_, err := f.queue.EnqueueBack("M01", queue.FileJob{FileName: "gone.nc", BridgePath: "M01/gone.nc"})
	require.NoError(t, err)

	f.d.process(ctx, "M01")
	st, _ := f.d.State("M01")
	assert.Equal(t, 1, st.StartFailures)
	assert.Len(t, f.queue.Snapshot("M01"), 1)

	f.d.process(ctx, "M01")
	assert.Empty(t, f.queue.Snapshot("M01"))
	st, _ = f.d.State("M01")
	assert.Zero(t, st.StartFailures)
	assert.Nil(t, st.CurrentJob)
}

func TestContinuousSkipsPausedHead(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.write(t, "M01/a.nc", "G0")
	it, err := f.queue.EnqueueBack("M01", queue.FileJob{FileName: "a.nc", BridgePath: "M01/a.nc"})
	require.NoError(t, err)
	_, err = f.queue.SetPaused("M01", it.ID, true)
	require.NoError(t, err)

	f.d.process(context.Background(), "M01")
	st, _ := f.d.State("M01")
	assert.Nil(t, st.CurrentJob)
	assert.Len(t, f.queue.Snapshot("M01"), 1)
}

func TestContinuousUploadAvoidsActiveSlot(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.controller(func(c *sim.Controller) {
		c.Programs[hilink.HeadMain][SlotA] = "%\nO4000\nM30\n%"
		c.Active.MainProgramName = "O4000"
	})
	f.write(t, "M01/a.nc", "G0")
	_, err := f.queue.EnqueueBack("M01", queue.FileJob{FileName: "a.nc", BridgePath: "M01/a.nc"})
	require.NoError(t, err)

	f.d.process(context.Background(), "M01")
	st, _ := f.d.State("M01")
	assert.Equal(t, SlotB, st.CurrentSlot)
	assert.Equal(t, "O4001", f.activeProgram())
}

func TestLoopStartStop(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.write(t, "M01/a.nc", "G0")
	_, err := f.queue.EnqueueBack("M01", queue.FileJob{FileName: "a.nc", BridgePath: "M01/a.nc", AllowAutoStart: true})
	require.NoError(t, err)

	f.d.Start()
	assert.Eventually(t, func() bool {
		st, ok := f.d.State("M01")
		return ok && st.IsRunning
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.d.Stop(ctx))
	_, err = f.d.SmartStart("M01")
	assert.Error(t, err)
}

func TestDisabledLoopDoesNothing(t *testing.T) {
	cfg := fastConfig()
	cfg.Disabled = true
	f := newFixture(t, cfg)
	_, err := f.queue.EnqueueBack("M01", queue.FileJob{FileName: "a.nc"})
	require.NoError(t, err)

	f.d.Start()
	time.Sleep(50 * time.Millisecond)
	_, ok := f.d.State("M01")
	assert.False(t, ok)
}

func TestSmartQueueRunsJobsInOrder(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.write(t, "M01/a.nc", "G0 X1")
	f.write(t, "M01/b.nc", "G0 X2")

	queued, err := f.d.SmartEnqueue(context.Background(), "M01", SmartRequest{Paths: []string{"M01/a.nc", " ", "M01/b.nc"}})
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, SmartQueued, queued[0].Status)
	assert.Equal(t, 2, queued[1].Total)
	assert.Equal(t, jobs.StatusPending, f.record(t, queued[0].JobID).Status)

	started, err := f.d.SmartStart("M01")
	require.NoError(t, err)
	assert.True(t, started)
	again, err := f.d.SmartStart("M01")
	require.NoError(t, err)
	assert.False(t, again, "worker already running")

	for _, want := range []string{queued[0].JobID, queued[1].JobID} {
		require.Eventually(t, func() bool {
			st := f.d.SmartStatus("M01")
			return st.Current != nil && st.Current.JobID == want && f.busyIO()
		}, 2*time.Second, 5*time.Millisecond)
		f.endCycle()
	}
	require.Eventually(t, func() bool { return !f.d.SmartStatus("M01").WorkerRunning }, 2*time.Second, 5*time.Millisecond)

	first := f.record(t, queued[0].JobID)
	assert.Equal(t, jobs.StatusCompleted, first.Status)
	second := f.record(t, queued[1].JobID)
	require.Equal(t, jobs.StatusCompleted, second.Status)
	var res SmartJob
	require.NoError(t, json.Unmarshal(second.Result, &res))
	assert.Equal(t, SmartDone, res.Status)
	assert.Equal(t, SlotB, res.SlotNo)
	assert.Equal(t, SlotA, res.PreviousSlot)
	assert.Equal(t, "O4001", f.activeProgram())
	assert.False(t, f.hasProgram(SlotA), "previous slot deleted")
}

func TestSmartJobFailureStopsWorker(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.write(t, "M01/b.nc", "G0")
	queued, err := f.d.SmartEnqueue(context.Background(), "M01", SmartRequest{Paths: []string{"M01/missing.nc", "M01/b.nc"}})
	require.NoError(t, err)

	_, err = f.d.SmartStart("M01")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !f.d.SmartStatus("M01").WorkerRunning }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, jobs.StatusFailed, f.record(t, queued[0].JobID).Status)
	st := f.d.SmartStatus("M01")
	require.Len(t, st.Queued, 1)
	assert.Equal(t, queued[1].JobID, st.Queued[0].JobID)
}

func TestSmartAlarmFailsJob(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.write(t, "M01/a.nc", "G0")
	f.controller(func(c *sim.Controller) {
		c.Status = hilink.StatusAlarm
		c.Alarms[hilink.HeadMain] = []hilink.Alarm{{Type: 1, No: 1001, Message: "OVERTRAVEL"}}
	})
	queued, err := f.d.SmartEnqueue(context.Background(), "M01", SmartRequest{Paths: []string{"M01/a.nc"}})
	require.NoError(t, err)

	_, err = f.d.SmartStart("M01")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := f.jobs.Get(context.Background(), queued[0].JobID)
		return err == nil && rec.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, jobs.StatusFailed, f.record(t, queued[0].JobID).Status)
	assert.False(t, f.busyIO(), "no start while alarmed")
}

func TestSmartEnqueueValidation(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	_, err := f.d.SmartEnqueue(ctx, "M01", SmartRequest{Paths: []string{"", "  "}})
	assert.ErrorIs(t, err, ErrNoPaths)

	_, err = f.d.SmartStart("M01")
	assert.ErrorIs(t, err, ErrQueueEmpty)

	f.controller(func(c *sim.Controller) {
		c.Programs[hilink.HeadMain][SlotA] = "%\nO4000\nM30\n%"
		c.Active.MainProgramName = "O4000"
	})
	f.write(t, "M01/a.nc", "G0")
	f.write(t, "M01/b.nc", "G0")
	_, err = f.d.SmartEnqueue(ctx, "M01", SmartRequest{Paths: []string{"M01/a.nc", "M01/b.nc"}, PreUpload: true})
	assert.ErrorIs(t, err, ErrNoFreeSlot)

	queued, err := f.d.SmartEnqueue(ctx, "M01", SmartRequest{Paths: []string{"M01/a.nc"}, PreUpload: true})
	require.NoError(t, err)
	assert.Equal(t, SlotB, queued[0].SlotNo)
	assert.True(t, queued[0].Uploaded)
	assert.True(t, f.hasProgram(SlotB))
}

func TestSmartWaitClamp(t *testing.T) {
	f := newFixture(t, Config{SmartMaxWait: 10 * time.Minute})
	assert.Equal(t, 10*time.Minute, f.d.smartWait(0))
	assert.Equal(t, minSmartWait, f.d.smartWait(1))
	assert.Equal(t, 2*time.Minute, f.d.smartWait(120))
	assert.Equal(t, 10*time.Minute, f.d.smartWait(3600))
}

func TestSmartDequeueAndReplace(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	queued, err := f.d.SmartEnqueue(ctx, "M01", SmartRequest{Paths: []string{"a.nc", "b.nc", "c.nc"}})
	require.NoError(t, err)

	res, err := f.d.SmartDequeue(ctx, "M01", queued[1].JobID)
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Equal(t, queued[1].JobID, res.RemovedJobID)
	assert.Len(t, res.Queued, 2)
	assert.Equal(t, jobs.StatusFailed, f.record(t, queued[1].JobID).Status)

	res, err = f.d.SmartDequeue(ctx, "M01", "nope")
	require.NoError(t, err)
	assert.False(t, res.Removed)

	f.d.mu.Lock()
	f.d.smart[key("M01")].current = &SmartJob{JobID: "running"}
	f.d.mu.Unlock()
	_, err = f.d.SmartDequeue(ctx, "M01", "running")
	assert.ErrorIs(t, err, ErrCurrentJob)

	replaced, err := f.d.SmartReplace(ctx, "M01", SmartRequest{Paths: []string{"d.nc"}})
	require.NoError(t, err)
	require.Len(t, replaced, 1)
	st := f.d.SmartStatus("M01")
	require.Len(t, st.Queued, 1)
	assert.Equal(t, "d.nc", st.Queued[0].Path)
	assert.Equal(t, jobs.StatusFailed, f.record(t, queued[0].JobID).Status)
	assert.Equal(t, jobs.StatusFailed, f.record(t, queued[2].JobID).Status)
}

func TestManualPreloadAlternatesSlots(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	f.write(t, "M01/a.nc", "G0")

	res, err := f.d.Preload(ctx, "M01", PreloadRequest{Path: "M01/a.nc"})
	require.NoError(t, err)
	assert.Equal(t, SlotA, res.SlotNo)
	assert.Equal(t, SlotB, res.NextSlotNo)
	require.Eventually(t, func() bool {
		_, path, _, ok := f.d.LastPreload("M01")
		return ok && path == "M01/a.nc"
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.hasProgram(SlotA))

	res, err = f.d.Preload(ctx, "M01", PreloadRequest{Path: "M01/a.nc"})
	require.NoError(t, err)
	assert.Equal(t, SlotB, res.SlotNo)

	slot := SlotB
	res, err = f.d.Preload(ctx, "M01", PreloadRequest{Path: "M01/a.nc", SlotNo: &slot})
	require.NoError(t, err)
	assert.Equal(t, SlotB, res.SlotNo)
	assert.Equal(t, SlotA, res.NextSlotNo, "explicit slot keeps the rotation")
}

func TestManualPreloadValidation(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	_, err := f.d.Preload(ctx, "M01", PreloadRequest{Path: " "})
	assert.ErrorIs(t, err, ErrNoPath)

	bad := 5
	_, err = f.d.Preload(ctx, "M01", PreloadRequest{Path: "a.nc", SlotNo: &bad})
	assert.ErrorIs(t, err, ErrInvalidSlot)

	_, err = f.d.Preload(ctx, "M01", PreloadRequest{Path: "M01/missing.nc"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManualPlayStartsOnInactiveSlot(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.controller(func(c *sim.Controller) {
		c.Programs[hilink.HeadMain][SlotA] = "%\nO4000\nM30\n%"
		c.Active.MainProgramName = "O4000"
		c.Mode = hilink.ModeMDI
	})
	f.write(t, "M01/a.nc", "G0")

	slot := SlotA
	res, err := f.d.Play(context.Background(), "M01", PlayRequest{Path: "M01/a.nc", SlotNo: &slot})
	require.NoError(t, err)
	assert.Equal(t, SlotB, res.SlotNo, "active slot is never overwritten")
	assert.Equal(t, "O4001", f.activeProgram())
	assert.True(t, f.busyIO())
	var mode hilink.Mode
	f.controller(func(c *sim.Controller) { mode = c.Mode })
	assert.Equal(t, hilink.ModeAuto, mode)
}

func TestManualPlayAlarmCheck(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.write(t, "M01/a.nc", "G0")
	f.controller(func(c *sim.Controller) {
		c.Status = hilink.StatusAlarm
		c.Alarms[hilink.HeadSub] = []hilink.Alarm{{Type: 2, No: 500}}
	})

	check := false
	_, err := f.d.Play(context.Background(), "M01", PlayRequest{Path: "M01/a.nc", SkipAlarmCheck: &check})
	require.ErrorIs(t, err, ErrAlarm)
	var ae *AlarmError
	require.True(t, errors.As(err, &ae))
	assert.Len(t, ae.Alarms, 1)
	assert.False(t, f.busyIO())

	_, err = f.d.Play(context.Background(), "M01", PlayRequest{Path: "M01/a.nc"})
	require.NoError(t, err, "alarm check is skipped by default")
}

func TestActivateRetriesWhileBusy(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.controller(func(c *sim.Controller) { c.Programs[hilink.HeadMain][SlotA] = "%\nO4000\n%" })
	f.lib.Script(hilink.OpSetActivate, hilink.CodeBusy, hilink.CodeBusy)

	require.NoError(t, f.d.activate(context.Background(), "M01", SlotA))
	assert.Equal(t, 3, f.lib.Calls(hilink.OpSetActivate))
	assert.Equal(t, "O4000", f.activeProgram())
}
