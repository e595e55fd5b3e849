package hilink

import (
	"errors"
	"fmt"
)

// Kind classifies vendor result codes.
type Kind int

const (
	KindOK Kind = iota
	KindBusy
	KindWrongControllerType
	KindInvalidHandle
	KindUnsupportedCNC
	KindCommunication
	KindActivationServer
	KindSerial
	KindConnectionLimit
	KindLicense
	KindDuplicateUID
	KindUnregisteredUID
	KindUnknown
)

var kindNames = [...]string{
	KindOK:                  "ok",
	KindBusy:                "busy",
	KindWrongControllerType: "wrong_controller_type",
	KindInvalidHandle:       "invalid_handle",
	KindUnsupportedCNC:      "unsupported_cnc",
	KindCommunication:       "communication",
	KindActivationServer:    "activation_server",
	KindSerial:              "serial",
	KindConnectionLimit:     "connection_limit",
	KindLicense:             "license",
	KindDuplicateUID:        "duplicate_uid",
	KindUnregisteredUID:     "unregistered_uid",
	KindUnknown:             "unknown",
}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Transient reports whether a bounded local retry may succeed.
func (k Kind) Transient() bool {
	return k == KindBusy || k == KindInvalidHandle
}

// Well known codes the bridge reacts to.
const (
	CodeBusy            Code = -1
	CodeInvalidHandle   Code = -8
	CodeCommunication   Code = -16
	CodeUnregisteredUID Code = -89
	CodeUnregisteredAlt Code = 89
)

type codeInfo struct {
	kind Kind
	msg  string
}

var codeTable = map[Code]codeInfo{
	-1:  {KindBusy, "controller is busy (EW_BUSY)"},
	-7:  {KindWrongControllerType, "wrong CNC controller type"},
	-8:  {KindInvalidHandle, "invalid communication handle"},
	-15: {KindUnsupportedCNC, "no vendor module available for this CNC type"},
	-16: {KindCommunication, "CNC communication error: check power, cable, IP and port"},
	-21: {KindActivationServer, "cannot connect to the activation server"},
	-22: {KindActivationServer, "cannot log in to the activation server"},
	-23: {KindSerial, "serial number verification failed"},
	-24: {KindSerial, "unknown serial number error"},
	-31: {KindConnectionLimit, "connected equipment limit exceeded (type 1)"},
	-32: {KindConnectionLimit, "connected equipment limit exceeded (type 2)"},
	-99: {KindLicense, "license is not activated"},
	21:  {KindSerial, "invalid serial number"},
	22:  {KindSerial, "serial number is registered on another PC"},
	88:  {KindDuplicateUID, "equipment UID is already registered"},
	89:  {KindUnregisteredUID, "equipment UID is not registered"},
	-89: {KindUnregisteredUID, "equipment UID is not registered"},
}

// Sentinel errors, one per kind, for errors.Is checks at the boundary.
var (
	ErrBusy                = errors.New("hilink: controller busy")
	ErrWrongControllerType = errors.New("hilink: wrong controller type")
	ErrInvalidHandle       = errors.New("hilink: invalid handle")
	ErrUnsupportedCNC      = errors.New("hilink: unsupported cnc")
	ErrCommunication       = errors.New("hilink: communication failure")
	ErrActivationServer    = errors.New("hilink: activation server failure")
	ErrSerial              = errors.New("hilink: serial number rejected")
	ErrConnectionLimit     = errors.New("hilink: connection limit exceeded")
	ErrLicense             = errors.New("hilink: license not activated")
	ErrDuplicateUID        = errors.New("hilink: duplicate uid")
	ErrUnregisteredUID     = errors.New("hilink: unregistered uid")
	ErrUnknown             = errors.New("hilink: vendor call failed")
)

var kindSentinels = map[Kind]error{
	KindBusy:                ErrBusy,
	KindWrongControllerType: ErrWrongControllerType,
	KindInvalidHandle:       ErrInvalidHandle,
	KindUnsupportedCNC:      ErrUnsupportedCNC,
	KindCommunication:       ErrCommunication,
	KindActivationServer:    ErrActivationServer,
	KindSerial:              ErrSerial,
	KindConnectionLimit:     ErrConnectionLimit,
	KindLicense:             ErrLicense,
	KindDuplicateUID:        ErrDuplicateUID,
	KindUnregisteredUID:     ErrUnregisteredUID,
	KindUnknown:             ErrUnknown,
}

// Classify maps a raw code to its kind.
func Classify(code Code) Kind {
	if code == OK {
		return KindOK
	}
	if info, ok := codeTable[code]; ok {
		return info.kind
	}
	return KindUnknown
}

// Message returns the human readable description of code.
func Message(code Code) string {
	if code == OK {
		return okMessage
	}
	if info, ok := codeTable[code]; ok {
		return info.msg
	}
	return fmt.Sprintf(unknownMessage, code)
}

// Error is a failed vendor call. The raw code is always retained.
type Error struct {
	Op      string
	Code    Code
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("hilink: %s: %s (result=%d)", e.Op, e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return kindSentinels[e.Kind]
}

// Interpret converts a result code into nil or an *Error.
func Interpret(op string, code Code) error {
	if code == OK {
		return nil
	}
	return &Error{
		Op:      op,
		Code:    code,
		Kind:    Classify(code),
		Message: Message(code),
	}
}

// CodeOf extracts the vendor code from err, if it carries one.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// KindOf extracts the vendor kind from err, KindUnknown otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
