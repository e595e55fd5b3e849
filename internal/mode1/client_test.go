package mode1

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/text/language"

	"github.com/abutsfit/cncbridge/internal/gate"
	"github.com/abutsfit/cncbridge/internal/handles"
	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/hilink/sim"
	"github.com/abutsfit/cncbridge/internal/registry"
)

const (
	testIP   = "10.0.0.1"
	testPort = 8193
)

type fixture struct {
	client  *Client
	lib     *sim.Library
	handles *handles.Store
	reg     *registry.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	lib := sim.New()
	lib.AddController(testIP, testPort)
	reg, err := registry.Open(filepath.Join(t.TempDir(), "machines.json"))
	require.NoError(t, err)
	_, err = reg.Upsert(registry.Machine{UID: "M01", IP: testIP, Port: testPort})
	require.NoError(t, err)

	g := gate.New(gate.Config{})
	hs := handles.New(lib, g, reg, handles.Config{})
	c := New(lib, g, hs, reg, cfg)
	t.Cleanup(c.Wait)
	return &fixture{client: c, lib: lib, handles: hs, reg: reg}
}

func TestGetMachineStatus(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{})
	f.lib.Update(testIP, testPort, func(c *sim.Controller) { c.Status = hilink.StatusRun })

	st, err := f.client.GetMachineStatus(context.Background(), "M01")
	require.NoError(t, err)
	assert.Equal(t, hilink.StatusRun, st)

	_, err = f.client.GetMachineStatus(context.Background(), "m01")
	require.NoError(t, err)
	assert.Equal(t, 1, f.lib.Calls(hilink.OpOpenHandle), "handle is reused across calls")
	f.client.Wait()
}

func TestPanelIOOn(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, found, err := f.client.PanelIOOn(ctx, "M01", DefaultStartIOUID)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, f.client.SetPanelIO(ctx, "M01", 0, DefaultStartIOUID, true))
	on, found, err := f.client.PanelIOOn(ctx, "M01", DefaultStartIOUID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, on)

	f.lib.Update(testIP, testPort, func(c *sim.Controller) { c.PanelIO[DefaultStartIOUID] = false })
	on, _, err = f.client.PanelIOOn(ctx, "M01", DefaultStartIOUID)
	require.NoError(t, err)
	assert.False(t, on)
	f.client.Wait()
}

func TestStaleHandleRetriedOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.client.GetMachineStatus(ctx, "M01")
	require.NoError(t, err)
	f.lib.DropHandles()

	_, err = f.client.GetMachineStatus(ctx, "M01")
	require.NoError(t, err)
	assert.Equal(t, 2, f.lib.Calls(hilink.OpOpenHandle))
	assert.Equal(t, 3, f.lib.Calls(hilink.OpGetStatus))
	f.client.Wait()
}

func TestStaleHandleTwiceSurfaces(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.handles.Get(ctx, "M01")
	require.NoError(t, err)
	err = f.client.SetMode(ctx, "M01", "edit")
	require.NoError(t, err)

	f.lib.Script(hilink.OpSetMode, hilink.CodeInvalidHandle, hilink.CodeInvalidHandle)
	err = f.client.SetMode(ctx, "M01", "auto")
	require.ErrorIs(t, err, hilink.ErrInvalidHandle)
	code, ok := hilink.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, hilink.CodeInvalidHandle, code)
	assert.Equal(t, 3, f.lib.Calls(hilink.OpSetMode), "one call plus exactly one retry")
	assert.Empty(t, f.handles.Stats(), "handle is invalidated after the second failure")
}

func TestUnregisteredSchedulesReregistration(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{ReregisterInterval: time.Hour})
	ctx := context.Background()
	f.lib.Unregister(testIP, testPort)

	_, err := f.client.GetMachineStatus(ctx, "M01")
	require.ErrorIs(t, err, hilink.ErrUnregisteredUID)
	f.client.Wait()
	assert.Equal(t, 1, f.lib.Calls(hilink.OpAddMachine))

	st, err := f.client.GetMachineStatus(ctx, "M01")
	require.NoError(t, err)
	assert.Equal(t, hilink.StatusReady, st)

	f.lib.Script(hilink.OpGetStatus, hilink.CodeUnregisteredAlt)
	_, err = f.client.GetMachineStatus(ctx, "M01")
	require.ErrorIs(t, err, hilink.ErrUnregisteredUID)
	f.client.Wait()
	assert.Equal(t, 1, f.lib.Calls(hilink.OpAddMachine), "re-registration is throttled per machine")
}

func TestCommunicationFailureKeepsHandle(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{ReregisterInterval: time.Hour})
	ctx := context.Background()

	_, err := f.client.GetMachineStatus(ctx, "M01")
	require.NoError(t, err)
	f.lib.Script(hilink.OpGetStatus, hilink.CodeCommunication)

	_, err = f.client.GetMachineStatus(ctx, "M01")
	require.ErrorIs(t, err, hilink.ErrCommunication)
	f.client.Wait()
	assert.Len(t, f.handles.Stats(), 1, "cached handle survives a communication failure")
	assert.Zero(t, f.lib.Calls(hilink.OpAddMachine), "only an unregistered uid triggers re-registration")
	assert.Equal(t, 2, f.lib.Calls(hilink.OpGetStatus), "no retry on communication failure")
}

func TestReadTimeoutInvalidatesHandle(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{ReadTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	_, err := f.handles.Get(ctx, "M01")
	require.NoError(t, err)
	f.lib.SetDelay(hilink.OpGetProgramList, 150*time.Millisecond)

	start := time.Now()
	_, err = f.client.GetProgramList(ctx, "M01", hilink.HeadMain)
	require.ErrorIs(t, err, ErrReadTimeout)
	assert.Less(t, time.Since(start), 140*time.Millisecond)
	assert.Empty(t, f.handles.Stats())
	f.client.Wait()
}

func TestResetUsesFreshHandle(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.client.GetMachineStatus(ctx, "M01")
	require.NoError(t, err)
	require.NoError(t, f.client.Reset(ctx, "M01"))
	assert.Equal(t, 2, f.lib.Calls(hilink.OpOpenHandle))

	c, _ := f.lib.Controller(testIP, testPort)
	assert.Equal(t, 1, c.Resets)
	f.client.Wait()
}

func TestInvalidArgumentsSkipVendor(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, f.client.SetMode(ctx, "M01", "JOG"), ErrInvalidArgument)
	_, err := f.client.GetAlarms(ctx, "M01", 3)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = f.client.DeleteProgram(ctx, "M01", hilink.HeadMain, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, f.lib.CallCounts())
}

func TestUnknownMachine(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{})
	_, err := f.client.GetMachineStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, handles.ErrUnknownMachine)
	f.client.Wait()
}

func TestUploadBusySingleAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.lib.Update(testIP, testPort, func(c *sim.Controller) {
		c.Status = hilink.StatusRun
		c.Programs[hilink.HeadMain][4000] = "%\r\nO4000\r\n%"
		c.Active.MainProgramName = "O4000"
	})

	err := f.client.UploadProgram(ctx, "M01", hilink.UpdateProgramInfo{HeadType: hilink.HeadMain, ProgramNo: 4000, Data: "x"})
	require.ErrorIs(t, err, hilink.ErrBusy)
	assert.Equal(t, 1, f.lib.Calls(hilink.OpSetProgram))

	active, err := f.client.DeleteProgram(ctx, "M01", hilink.HeadMain, 4000)
	require.ErrorIs(t, err, hilink.ErrBusy)
	assert.Equal(t, int16(4000), active)
}

func TestRegister(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.lib.AddController("10.0.0.9", 8193)

	require.NoError(t, f.client.Register(ctx, registry.Machine{UID: "M09", IP: "10.0.0.9", Port: 8193}))
	require.Len(t, f.client.ListMachines(), 2)

	f.lib.SetUnreachable("10.0.0.10", 8193, true)
	err := f.client.Register(ctx, registry.Machine{UID: "M10", IP: "10.0.0.10", Port: 8193})
	require.ErrorIs(t, err, hilink.ErrCommunication)
	_, ok := f.reg.Get("M10")
	assert.True(t, ok, "registry keeps the entry when verification fails")

	err = f.client.Register(ctx, registry.Machine{UID: "", IP: "10.0.0.11", Port: 8193})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDescribe(t *testing.T) {
	msg, code := Describe(hilink.Interpret(hilink.OpSetMode, -16))
	require.NotNil(t, code)
	assert.Equal(t, -16, *code)
	assert.Contains(t, msg, "communication")

	msg, code = Describe(ErrReadTimeout)
	assert.Nil(t, code)
	assert.NotEmpty(t, msg)

	msg, code = Describe(nil)
	assert.Empty(t, msg)
	assert.Nil(t, code)

	msg, code = DescribeIn(fmt.Errorf("start: %w", hilink.Interpret(hilink.OpSetPanelIO, -89)), language.Korean)
	require.NotNil(t, code)
	assert.Equal(t, -89, *code)
	assert.Equal(t, "등록되지 않은 설비 UID 입니다.", msg)
}
