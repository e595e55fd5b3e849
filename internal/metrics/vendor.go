package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gateWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cncbridge_gate_wait_seconds",
		Help:    "Time spent waiting to enter the vendor call gate",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	gateRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_gate_rejected_total",
		Help: "Vendor calls abandoned while waiting for the gate",
	}, []string{"op"})

	vendorCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cncbridge_vendor_call_seconds",
		Help:    "Duration of vendor library calls inside the gate",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	vendorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_vendor_calls_total",
		Help: "Vendor library calls by operation and result kind",
	}, []string{"op", "kind"})

	vendorFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_vendor_faults_total",
		Help: "Panics recovered from vendor library calls",
	}, []string{"op"})

	handleOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_handle_opens_total",
		Help: "Vendor handle open attempts by outcome",
	}, []string{"outcome"})

	handleInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_handle_invalidations_total",
		Help: "Handle cache invalidations by reason",
	}, []string{"reason"})

	handlesCached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cncbridge_handles_cached",
		Help: "Number of vendor handles currently cached",
	})

	staleRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_stale_handle_retries_total",
		Help: "Stale handle retries by outcome",
	}, []string{"op", "outcome"})

	reregistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_reregistrations_total",
		Help: "Background UID re-registration attempts by outcome",
	}, []string{"outcome"})

	readTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_read_timeouts_total",
		Help: "Read operations that exceeded the read timeout",
	}, []string{"op"})
)

// ObserveGateWait records how long a caller waited for the gate.
func ObserveGateWait(d time.Duration) { gateWait.Observe(d.Seconds()) }

// IncGateRejected counts a caller that gave up waiting for the gate.
func IncGateRejected(op string) { gateRejected.WithLabelValues(op).Inc() }

// ObserveVendorCall records one vendor call.
func ObserveVendorCall(op, kind string, d time.Duration) {
	vendorCallDuration.WithLabelValues(op).Observe(d.Seconds())
	vendorCalls.WithLabelValues(op, kind).Inc()
}

// IncVendorFault counts a recovered vendor panic.
func IncVendorFault(op string) { vendorFaults.WithLabelValues(op).Inc() }

// IncHandleOpen counts a handle open ("ok", "failed", "discarded").
func IncHandleOpen(outcome string) { handleOpens.WithLabelValues(outcome).Inc() }

// IncHandleInvalidation counts an invalidation.
func IncHandleInvalidation(reason string) { handleInvalidations.WithLabelValues(reason).Inc() }

// SetHandlesCached sets the cached handle gauge.
func SetHandlesCached(n int) { handlesCached.Set(float64(n)) }

// IncStaleRetry counts a stale-handle retry ("recovered", "exhausted").
func IncStaleRetry(op, outcome string) { staleRetries.WithLabelValues(op, outcome).Inc() }

// IncReregistration counts a re-registration attempt ("ok", "failed", "throttled", "skipped").
func IncReregistration(outcome string) { reregistrations.WithLabelValues(outcome).Inc() }

// IncReadTimeout counts a read that hit the read timeout.
func IncReadTimeout(op string) { readTimeouts.WithLabelValues(op).Inc() }
