package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cooldownRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_cooldown_rejections_total",
		Help: "Requests rejected because the operation key is cooling down",
	}, []string{"class"})

	cooldownBackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_cooldown_backend_errors_total",
		Help: "Cooldown backend failures (requests are allowed on failure)",
	}, []string{"backend"})

	jobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_jobs_submitted_total",
		Help: "Async jobs accepted by kind",
	}, []string{"kind"})

	jobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_jobs_rejected_total",
		Help: "Async jobs rejected because the queue was full",
	}, []string{"kind"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_jobs_finished_total",
		Help: "Async jobs finished by kind and terminal status",
	}, []string{"kind", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cncbridge_job_duration_seconds",
		Help:    "Async job run time",
		Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	}, []string{"kind"})

	jobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cncbridge_job_queue_depth",
		Help: "Async jobs waiting for a worker",
	})

	programTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_program_transfer_total",
		Help: "Program transfer state transitions",
	}, []string{"op", "state"})

	programBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cncbridge_program_bytes",
		Help:    "Size of transferred program bodies",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8),
	}, []string{"op"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cncbridge_machine_queue_depth",
		Help: "Queued machining jobs per machine",
	}, []string{"machine"})

	dispatchEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cncbridge_dispatch_events_total",
		Help: "Machining queue consumer steps by flow and outcome",
	}, []string{"flow", "event"})

	registryMachines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cncbridge_registry_machines",
		Help: "Machines in the registry",
	})
)

// IncCooldownRejection counts a cooldown hit.
func IncCooldownRejection(class string) { cooldownRejections.WithLabelValues(class).Inc() }

// IncCooldownBackendError counts a backend failure.
func IncCooldownBackendError(backend string) { cooldownBackendErrors.WithLabelValues(backend).Inc() }

// IncJobSubmitted counts an accepted job.
func IncJobSubmitted(kind string) { jobsSubmitted.WithLabelValues(kind).Inc() }

// IncJobRejected counts a job refused by back-pressure.
func IncJobRejected(kind string) { jobsRejected.WithLabelValues(kind).Inc() }

// ObserveJobFinished records a terminal job.
func ObserveJobFinished(kind, status string, d time.Duration) {
	jobsFinished.WithLabelValues(kind, status).Inc()
	jobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetJobQueueDepth sets the pending job gauge.
func SetJobQueueDepth(n int) { jobQueueDepth.Set(float64(n)) }

// IncProgramTransfer records a transfer state transition.
func IncProgramTransfer(op, state string) { programTransfers.WithLabelValues(op, state).Inc() }

// ObserveProgramBytes records a transferred body size.
func ObserveProgramBytes(op string, n int) { programBytes.WithLabelValues(op).Observe(float64(n)) }

// SetQueueDepth sets the machining queue depth for one machine.
func SetQueueDepth(machine string, n int) { queueDepth.WithLabelValues(machine).Set(float64(n)) }

// IncDispatch counts a queue consumer step such as started, preloaded,
// completed or dropped.
func IncDispatch(flow, event string) { dispatchEvents.WithLabelValues(flow, event).Inc() }

// SetRegistryMachines sets the registry size gauge.
func SetRegistryMachines(n int) { registryMachines.Set(float64(n)) }
