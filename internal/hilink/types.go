package hilink

import (
	"strings"
	"time"
)

// Handle is the opaque per-machine connection token issued by OpenHandle.
type Handle uint32

// Code is a raw vendor result code. 0 is success.
type Code int16

// OK is the success result code.
const OK Code = 0

// Head selects the main or sub program set on the controller.
const (
	HeadMain int16 = 1
	HeadSub  int16 = 2
)

// MachineStatus is the operating state reported by the controller.
type MachineStatus int

const (
	StatusNone MachineStatus = iota
	StatusReady
	StatusRun
	StatusStop
	StatusHold
	StatusAlarm
	StatusEmergency
)

var statusNames = map[MachineStatus]string{
	StatusNone:      "None",
	StatusReady:     "Ready",
	StatusRun:       "Run",
	StatusStop:      "Stop",
	StatusHold:      "Hold",
	StatusAlarm:     "Alarm",
	StatusEmergency: "Emergency",
}

func (s MachineStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "Unknown"
}

// ParseMachineStatus maps a status name back to its value (case-insensitive).
func ParseMachineStatus(s string) (MachineStatus, bool) {
	for k, v := range statusNames {
		if strings.EqualFold(v, s) {
			return k, true
		}
	}
	return StatusNone, false
}

// MarshalText renders the status by name in JSON payloads.
func (s MachineStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts a status name.
func (s *MachineStatus) UnmarshalText(b []byte) error {
	v, _ := ParseMachineStatus(string(b))
	*s = v
	return nil
}

// Mode is the controller operating mode.
type Mode string

const (
	ModeEdit Mode = "EDIT"
	ModeAuto Mode = "AUTO"
	ModeMDI  Mode = "MDI"
)

// ParseMode normalizes a client supplied mode string.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeEdit:
		return ModeEdit, true
	case ModeAuto:
		return ModeAuto, true
	case ModeMDI:
		return ModeMDI, true
	}
	return "", false
}

// Alarm is one active controller alarm.
type Alarm struct {
	Type    int16  `json:"type"`
	No      int32  `json:"no"`
	Message string `json:"message,omitempty"`
}

// AlarmInfo lists the active alarms for a head.
type AlarmInfo struct {
	HeadType int16   `json:"headType"`
	Alarms   []Alarm `json:"alarmArray"`
}

// ProgramEntry is one slot in the controller program directory.
type ProgramEntry struct {
	No      int16  `json:"no"`
	Comment string `json:"comment,omitempty"`
	Opened  bool   `json:"opened"`
}

// ProgramListInfo is the controller program directory for a head.
type ProgramListInfo struct {
	HeadType int16          `json:"headType"`
	Programs []ProgramEntry `json:"programArray"`
}

// Contains reports whether the directory lists programNo.
func (l ProgramListInfo) Contains(programNo int16) bool {
	for _, p := range l.Programs {
		if p.No == programNo {
			return true
		}
	}
	return false
}

// ActiveProgramInfo names the currently selected main and sub programs.
type ActiveProgramInfo struct {
	MainProgramName    string `json:"mainProgramName"`
	MainProgramComment string `json:"mainProgramComment,omitempty"`
	SubProgramName     string `json:"subProgramName"`
	SubProgramComment  string `json:"subProgramComment,omitempty"`
}

// ProgramData is the text of one stored program.
type ProgramData struct {
	HeadType  int16  `json:"headType"`
	ProgramNo int16  `json:"programNo"`
	Data      string `json:"programData"`
}

// UpdateProgramInfo uploads program text into a slot.
type UpdateProgramInfo struct {
	HeadType  int16  `json:"headType"`
	ProgramNo int16  `json:"programNo"`
	Data      string `json:"programData"`
	IsNew     bool   `json:"isNew"`
}

// ActivateProgram selects a stored program as the running program of a head.
type ActivateProgram struct {
	HeadType  int16 `json:"headType"`
	ProgramNo int16 `json:"programNo"`
}

// PanelIO is the state of one operator panel IO point.
type PanelIO struct {
	UID    int16 `json:"ioUid"`
	Status int16 `json:"status"`
}

// Library is the vendor call surface. Implementations are not required to be
// safe for concurrent use; callers serialize through the call gate.
type Library interface {
	OpenHandle(ip string, port int, timeout time.Duration) (Handle, Code)
	CloseHandle(h Handle) Code
	AddMachine(uid, ip string, port int) Code

	GetMachineStatus(h Handle) (MachineStatus, Code)
	GetMachineAlarmInfo(h Handle, headType int16) (AlarmInfo, Code)
	GetMachineProgramListInfo(h Handle, headType int16) (ProgramListInfo, Code)
	GetMachineActivateProgInfo(h Handle) (ActiveProgramInfo, Code)
	GetMachineProgramData(h Handle, headType, programNo int16) (ProgramData, Code)
	GetMachineAllOPInfo(h Handle, panelType int16) ([]PanelIO, Code)

	SetMachineProgramInfo(h Handle, info UpdateProgramInfo) Code
	DeleteMachineProgramInfo(h Handle, headType, programNo int16) (int16, Code)
	SetActivateProgram(h Handle, dto ActivateProgram) Code
	SetMachinePanelIO(h Handle, panelType, ioUID int16, on bool) Code
	SetMachineReset(h Handle) Code
	SetMachineMode(h Handle, mode Mode) Code
}

// Operation names used for gate labels, metrics and the remote wire protocol.
const (
	OpOpenHandle       = "OpenHandle"
	OpCloseHandle      = "CloseHandle"
	OpAddMachine       = "AddMachine"
	OpGetStatus        = "GetMachineStatus"
	OpGetAlarms        = "GetMachineAlarmInfo"
	OpGetProgramList   = "GetMachineProgramListInfo"
	OpGetActiveProgram = "GetMachineActivateProgInfo"
	OpGetProgramData   = "GetMachineProgramData"
	OpGetPanelIO       = "GetMachineAllOPInfo"
	OpSetProgram       = "SetMachineProgramInfo"
	OpDeleteProgram    = "DeleteMachineProgramInfo"
	OpSetActivate      = "SetActivateProgram"
	OpSetPanelIO       = "SetMachinePanelIO"
	OpSetReset         = "SetMachineReset"
	OpSetMode          = "SetMachineMode"
)
