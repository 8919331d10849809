package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// LinkCreatedTotal counts payment link creation outcomes.
	LinkCreatedTotal *prometheus.CounterVec
	// WebhookTotal counts inbound provider webhook outcomes.
	WebhookTotal *prometheus.CounterVec
	// TransitionTotal counts applied payment link status transitions.
	TransitionTotal *prometheus.CounterVec
	// AnomalyTotal counts provider events that conflicted with stored state.
	AnomalyTotal *prometheus.CounterVec
	// OrphanEventTotal counts provider events that matched no payment link.
	OrphanEventTotal *prometheus.CounterVec
	// PollTotal counts client-initiated status polls by outcome.
	PollTotal *prometheus.CounterVec
	// ProviderCallLatency records adapter call latency in milliseconds.
	ProviderCallLatency *prometheus.HistogramVec
	// ProviderBreakerState mirrors each provider breaker: 0 closed, 1 open, 2 half-open.
	ProviderBreakerState *prometheus.GaugeVec
	// ProviderBreakerTransitions counts provider breaker state changes.
	ProviderBreakerTransitions *prometheus.CounterVec
	// TaskProcessedTotal counts worker task outcomes by task type.
	TaskProcessedTotal *prometheus.CounterVec
	// TaskSweptTotal counts links settled by expiry and stale sweeps.
	TaskSweptTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers payment link collectors.
// Calling it more than once is a no-op.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		LinkCreatedTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paylink_created_total",
			Help:      "Count of payment link creation attempts by outcome.",
		}, []string{"provider", "result"}))
		WebhookTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paylink_webhook_total",
			Help:      "Count of processed provider webhooks by outcome.",
		}, []string{"provider", "result"}))
		TransitionTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paylink_transition_total",
			Help:      "Count of payment link status transitions.",
		}, []string{"provider", "to"}))
		AnomalyTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paylink_anomaly_total",
			Help:      "Provider events that conflicted with the recorded link state.",
		}, []string{"provider", "kind"}))
		OrphanEventTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paylink_orphan_event_total",
			Help:      "Provider events that referenced no known payment link.",
		}, []string{"provider"}))
		PollTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paylink_poll_total",
			Help:      "Client status polls by outcome.",
		}, []string{"provider", "result"}))
		ProviderCallLatency = registerOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "paylink_provider_call_duration_ms",
			Help:      "Latency of provider adapter calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "op", "result"}))
		ProviderBreakerState = registerOrReuse(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paylink_provider_breaker_state",
			Help:      "Provider circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"provider"}))
		ProviderBreakerTransitions = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paylink_provider_breaker_transition_total",
			Help:      "Provider circuit breaker state changes.",
		}, []string{"provider", "from", "to"}))
		TaskProcessedTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paylink_task_processed_total",
			Help:      "Background tasks processed by type and status.",
		}, []string{"type", "status"}))
		TaskSweptTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paylink_task_swept_links_total",
			Help:      "Payment links settled by background sweeps.",
		}, []string{"type"}))
	})
}

// Inc increments the counter for labels when the collector has been registered.
// Domain code calls it unconditionally so tests need not register metrics.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

// Set stores v on the gauge for labels when the collector has been registered.
func Set(vec *prometheus.GaugeVec, v float64, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Set(v)
}

// Add adds v to the counter for labels when the collector has been registered.
func Add(vec *prometheus.CounterVec, v float64, labels ...string) {
	if vec == nil || v <= 0 {
		return
	}
	vec.WithLabelValues(labels...).Add(v)
}
