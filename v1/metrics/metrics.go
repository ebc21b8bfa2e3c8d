package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireAttempts counts every TryAcquire issued by the lock template.
	AcquireAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locker_acquire_attempts_total",
		Help: "Total number of lock acquisition attempts",
	})
	// AcquireResults counts finished acquisitions by result: acquired,
	// timeout or interrupted.
	AcquireResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locker_acquire_results_total",
		Help: "Lock acquisitions by result",
	}, []string{"result"})
	// ReleaseFailures counts failed releases by reason: not_held or error.
	ReleaseFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locker_release_failures_total",
		Help: "Failed lock releases by reason",
	}, []string{"reason"})
	// HoldDuration observes how long guarded operations kept their locks.
	HoldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "locker_hold_duration_seconds",
		Help:    "Time between lock acquisition and release",
		Buckets: prometheus.DefBuckets,
	})
	// AttributeResolutions counts attribute cache fills by result: present
	// or absent.
	AttributeResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locker_attribute_resolutions_total",
		Help: "Lock attribute resolutions by result",
	}, []string{"result"})
)

// Label values.
const (
	ResultAcquired    = "acquired"
	ResultTimeout     = "timeout"
	ResultInterrupted = "interrupted"

	ReasonNotHeld = "not_held"
	ReasonError   = "error"

	AttributePresent = "present"
	AttributeAbsent  = "absent"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the locker metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireAttempts, AcquireResults, ReleaseFailures, HoldDuration, AttributeResolutions)
}
