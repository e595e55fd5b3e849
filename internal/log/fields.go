package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldMachineID = "machine_id"
	FieldUID       = "uid"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldOp        = "op"
	FieldLabel     = "label"
	FieldState     = "state"

	// Vendor fields
	FieldCode     = "code"
	FieldKind     = "kind"
	FieldHeadType = "head_type"
	FieldSlotNo   = "slot_no"
	FieldAttempt  = "attempt"

	// Path / network fields
	FieldPath     = "path"
	FieldIP       = "ip"
	FieldPort     = "port"
	FieldRemoteIP = "remote_ip"
	FieldDuration = "duration_ms"
)
