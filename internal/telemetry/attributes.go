package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across spans.
const (
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	MachineIDKey  = "cnc.machine_id"
	VendorOpKey   = "cnc.vendor.op"
	VendorCodeKey = "cnc.vendor.code"
	VendorKindKey = "cnc.vendor.kind"
	GateWaitMsKey = "cnc.gate.wait_ms"
	JobKindKey    = "job.kind"
	JobIDKey      = "job.id"
	JobStatusKey  = "job.status"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// VendorAttributes creates span attributes for one vendor call.
func VendorAttributes(machineID, op string, code int, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(MachineIDKey, machineID),
		attribute.String(VendorOpKey, op),
		attribute.Int(VendorCodeKey, code),
		attribute.String(VendorKindKey, kind),
	}
}

// JobAttributes creates span attributes for an async job.
func JobAttributes(id, kind, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, id),
		attribute.String(JobKindKey, kind),
		attribute.String(JobStatusKey, status),
	}
}
