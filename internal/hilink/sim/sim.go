// Package sim is an in-process simulated controller fleet implementing
// hilink.Library. It backs the "sim" vendor mode and every test that needs a
// vendor layer that records calls and returns scripted result codes.
package sim

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/abutsfit/cncbridge/internal/hilink"
)

// Controller is the simulated state of one machine.
type Controller struct {
	Status     hilink.MachineStatus
	Mode       hilink.Mode
	Alarms     map[int16][]hilink.Alarm
	Programs   map[int16]map[int16]string
	Active     hilink.ActiveProgramInfo
	PanelIO    map[int16]bool
	Resets     int
	registered bool
}

func newController() *Controller {
	return &Controller{
		Status:     hilink.StatusReady,
		Mode:       hilink.ModeAuto,
		Alarms:     map[int16][]hilink.Alarm{},
		Programs:   map[int16]map[int16]string{hilink.HeadMain: {}, hilink.HeadSub: {}},
		PanelIO:    map[int16]bool{},
		registered: true,
	}
}

// Library is a thread-safe simulated vendor library.
type Library struct {
	mu          sync.Mutex
	nextHandle  hilink.Handle
	handles     map[hilink.Handle]string
	controllers map[string]*Controller
	unreachable map[string]bool
	script      map[string][]hilink.Code
	delays      map[string]time.Duration
	panics      map[string]any
	calls       map[string]int
	autoCreate  bool
}

// Option configures a Library.
type Option func(*Library)

// WithAutoCreate makes OpenHandle create a controller for any ip/port.
func WithAutoCreate() Option {
	return func(l *Library) { l.autoCreate = true }
}

// New returns an empty simulated fleet.
func New(opts ...Option) *Library {
	l := &Library{
		nextHandle:  100,
		handles:     map[hilink.Handle]string{},
		controllers: map[string]*Controller{},
		unreachable: map[string]bool{},
		script:      map[string][]hilink.Code{},
		delays:      map[string]time.Duration{},
		panics:      map[string]any{},
		calls:       map[string]int{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func addr(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// AddController registers a simulated machine at ip:port.
func (l *Library) AddController(ip string, port int) *Controller {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := newController()
	l.controllers[addr(ip, port)] = c
	return c
}

// Controller returns the simulated machine at ip:port.
func (l *Library) Controller(ip string, port int) (*Controller, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.controllers[addr(ip, port)]
	return c, ok
}

// Update runs fn with the controller state locked.
func (l *Library) Update(ip string, port int, fn func(c *Controller)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.controllers[addr(ip, port)]; ok {
		fn(c)
	}
}

// SetUnreachable makes OpenHandle to ip:port fail with a communication error.
func (l *Library) SetUnreachable(ip string, port int, v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unreachable[addr(ip, port)] = v
}

// Unregister marks the controller UID as lapsed; calls return -89 until
// AddMachine is invoked for it.
func (l *Library) Unregister(ip string, port int) {
	l.Update(ip, port, func(c *Controller) { c.registered = false })
}

// Script queues result codes returned by the next calls of op instead of
// executing them.
func (l *Library) Script(op string, codes ...hilink.Code) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.script[op] = append(l.script[op], codes...)
}

// SetDelay makes every call of op block for d before executing.
func (l *Library) SetDelay(op string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays[op] = d
}

// PanicOn makes the next call of op panic with v.
func (l *Library) PanicOn(op string, v any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.panics[op] = v
}

// DropHandles forgets every issued handle, as after a controller reboot.
func (l *Library) DropHandles() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles = map[hilink.Handle]string{}
}

// Calls returns how often op was invoked.
func (l *Library) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// CallCounts returns a copy of all call counters.
func (l *Library) CallCounts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.calls))
	for k, v := range l.calls {
		out[k] = v
	}
	return out
}

// enter records the call, applies delay/panic injection and returns a scripted
// code if one is queued. It must be called without holding mu.
func (l *Library) enter(op string) (hilink.Code, bool) {
	l.mu.Lock()
	l.calls[op]++
	d := l.delays[op]
	p, doPanic := l.panics[op]
	if doPanic {
		delete(l.panics, op)
	}
	var code hilink.Code
	scripted := false
	if q := l.script[op]; len(q) > 0 {
		code, scripted = q[0], true
		l.script[op] = q[1:]
	}
	l.mu.Unlock()

	if d > 0 {
		time.Sleep(d)
	}
	if doPanic {
		panic(p)
	}
	return code, scripted
}

// resolve returns the controller for h. Caller holds mu.
func (l *Library) resolve(h hilink.Handle) (*Controller, hilink.Code) {
	a, ok := l.handles[h]
	if !ok {
		return nil, hilink.CodeInvalidHandle
	}
	c, ok := l.controllers[a]
	if !ok {
		return nil, hilink.CodeCommunication
	}
	if !c.registered {
		return nil, hilink.CodeUnregisteredUID
	}
	return c, hilink.OK
}

func (l *Library) OpenHandle(ip string, port int, _ time.Duration) (hilink.Handle, hilink.Code) {
	if code, ok := l.enter(hilink.OpOpenHandle); ok {
		return 0, code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := addr(ip, port)
	if l.unreachable[a] {
		return 0, hilink.CodeCommunication
	}
	if _, ok := l.controllers[a]; !ok {
		if !l.autoCreate {
			return 0, hilink.CodeCommunication
		}
		l.controllers[a] = newController()
	}
	l.nextHandle++
	h := l.nextHandle
	l.handles[h] = a
	return h, hilink.OK
}

func (l *Library) CloseHandle(h hilink.Handle) hilink.Code {
	if code, ok := l.enter(hilink.OpCloseHandle); ok {
		return code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handles[h]; !ok {
		return hilink.CodeInvalidHandle
	}
	delete(l.handles, h)
	return hilink.OK
}

func (l *Library) AddMachine(_ string, ip string, port int) hilink.Code {
	if code, ok := l.enter(hilink.OpAddMachine); ok {
		return code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.controllers[addr(ip, port)]
	if !ok {
		if !l.autoCreate {
			return hilink.CodeCommunication
		}
		c = newController()
		l.controllers[addr(ip, port)] = c
	}
	c.registered = true
	return hilink.OK
}

func (l *Library) GetMachineStatus(h hilink.Handle) (hilink.MachineStatus, hilink.Code) {
	if code, ok := l.enter(hilink.OpGetStatus); ok {
		return hilink.StatusNone, code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return hilink.StatusNone, code
	}
	return c.Status, hilink.OK
}

func (l *Library) GetMachineAlarmInfo(h hilink.Handle, headType int16) (hilink.AlarmInfo, hilink.Code) {
	if code, ok := l.enter(hilink.OpGetAlarms); ok {
		return hilink.AlarmInfo{}, code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return hilink.AlarmInfo{}, code
	}
	alarms := append([]hilink.Alarm(nil), c.Alarms[headType]...)
	return hilink.AlarmInfo{HeadType: headType, Alarms: alarms}, hilink.OK
}

func (l *Library) GetMachineProgramListInfo(h hilink.Handle, headType int16) (hilink.ProgramListInfo, hilink.Code) {
	if code, ok := l.enter(hilink.OpGetProgramList); ok {
		return hilink.ProgramListInfo{}, code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return hilink.ProgramListInfo{}, code
	}
	info := hilink.ProgramListInfo{HeadType: headType}
	active := activeNo(c, headType)
	for no, text := range c.Programs[headType] {
		info.Programs = append(info.Programs, hilink.ProgramEntry{
			No:      no,
			Comment: firstComment(text),
			Opened:  no == active,
		})
	}
	sort.Slice(info.Programs, func(i, j int) bool { return info.Programs[i].No < info.Programs[j].No })
	return info, hilink.OK
}

func (l *Library) GetMachineActivateProgInfo(h hilink.Handle) (hilink.ActiveProgramInfo, hilink.Code) {
	if code, ok := l.enter(hilink.OpGetActiveProgram); ok {
		return hilink.ActiveProgramInfo{}, code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return hilink.ActiveProgramInfo{}, code
	}
	return c.Active, hilink.OK
}

func (l *Library) GetMachineProgramData(h hilink.Handle, headType, programNo int16) (hilink.ProgramData, hilink.Code) {
	if code, ok := l.enter(hilink.OpGetProgramData); ok {
		return hilink.ProgramData{}, code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return hilink.ProgramData{}, code
	}
	text, ok := c.Programs[headType][programNo]
	if !ok {
		return hilink.ProgramData{}, -2
	}
	return hilink.ProgramData{HeadType: headType, ProgramNo: programNo, Data: text}, hilink.OK
}

func (l *Library) GetMachineAllOPInfo(h hilink.Handle, _ int16) ([]hilink.PanelIO, hilink.Code) {
	if code, ok := l.enter(hilink.OpGetPanelIO); ok {
		return nil, code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return nil, code
	}
	out := make([]hilink.PanelIO, 0, len(c.PanelIO))
	for uid, on := range c.PanelIO {
		io := hilink.PanelIO{UID: uid}
		if on {
			io.Status = 1
		}
		out = append(out, io)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, hilink.OK
}

func (l *Library) SetMachineProgramInfo(h hilink.Handle, info hilink.UpdateProgramInfo) hilink.Code {
	if code, ok := l.enter(hilink.OpSetProgram); ok {
		return code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return code
	}
	if c.Status == hilink.StatusRun && activeNo(c, info.HeadType) == info.ProgramNo {
		return hilink.CodeBusy
	}
	if c.Programs[info.HeadType] == nil {
		c.Programs[info.HeadType] = map[int16]string{}
	}
	c.Programs[info.HeadType][info.ProgramNo] = info.Data
	return hilink.OK
}

func (l *Library) DeleteMachineProgramInfo(h hilink.Handle, headType, programNo int16) (int16, hilink.Code) {
	if code, ok := l.enter(hilink.OpDeleteProgram); ok {
		return 0, code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return 0, code
	}
	active := activeNo(c, headType)
	if active == programNo {
		return active, hilink.CodeBusy
	}
	if _, ok := c.Programs[headType][programNo]; !ok {
		return active, -2
	}
	delete(c.Programs[headType], programNo)
	return active, hilink.OK
}

func (l *Library) SetActivateProgram(h hilink.Handle, dto hilink.ActivateProgram) hilink.Code {
	if code, ok := l.enter(hilink.OpSetActivate); ok {
		return code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return code
	}
	if _, ok := c.Programs[dto.HeadType][dto.ProgramNo]; !ok {
		return -2
	}
	name := fmt.Sprintf("O%04d", dto.ProgramNo)
	if dto.HeadType == hilink.HeadSub {
		c.Active.SubProgramName = name
	} else {
		c.Active.MainProgramName = name
	}
	return hilink.OK
}

func (l *Library) SetMachinePanelIO(h hilink.Handle, _ int16, ioUID int16, on bool) hilink.Code {
	if code, ok := l.enter(hilink.OpSetPanelIO); ok {
		return code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return code
	}
	c.PanelIO[ioUID] = on
	return hilink.OK
}

func (l *Library) SetMachineReset(h hilink.Handle) hilink.Code {
	if code, ok := l.enter(hilink.OpSetReset); ok {
		return code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return code
	}
	c.Resets++
	c.Alarms = map[int16][]hilink.Alarm{}
	if c.Status == hilink.StatusAlarm || c.Status == hilink.StatusRun {
		c.Status = hilink.StatusReady
	}
	return hilink.OK
}

func (l *Library) SetMachineMode(h hilink.Handle, mode hilink.Mode) hilink.Code {
	if code, ok := l.enter(hilink.OpSetMode); ok {
		return code
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, code := l.resolve(h)
	if code != hilink.OK {
		return code
	}
	c.Mode = mode
	return hilink.OK
}

func activeNo(c *Controller, headType int16) int16 {
	name := c.Active.MainProgramName
	if headType == hilink.HeadSub {
		name = c.Active.SubProgramName
	}
	if len(name) < 2 {
		return -1
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil {
		return -1
	}
	return int16(n)
}

// firstComment returns the text inside the first parenthesis pair.
func firstComment(text string) string {
	start := -1
	for i, r := range text {
		switch r {
		case '(':
			if start < 0 {
				start = i + 1
			}
		case ')':
			if start >= 0 {
				return text[start:i]
			}
		}
	}
	return ""
}

var _ hilink.Library = (*Library)(nil)
