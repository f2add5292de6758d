package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resource view metrics (C1)
	ResourceUnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fnsched_resource_units_total",
			Help: "Total number of resource units tracked, by owner tier",
		},
		[]string{"tier"},
	)

	ResourceViewUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fnsched_resourceview_update_duration_seconds",
			Help:    "Time taken to apply a resource unit delta",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Meta observer metrics (C2)
	ObserverInstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fnsched_observer_instances_total",
			Help: "Instances tracked by the meta observer, by status",
		},
		[]string{"status"},
	)

	ObserverWatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fnsched_observer_watch_events_total",
			Help: "Watch events processed by the meta observer, by prefix",
		},
		[]string{"prefix"},
	)

	// Scheduling pipeline metrics (C3/C4)
	SchedulingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fnsched_scheduling_latency_seconds",
			Help:    "Time taken to schedule an instance, by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	SchedulingOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fnsched_scheduling_outcomes_total",
			Help: "Total scheduling attempts, by outcome code",
		},
		[]string{"outcome"},
	)

	AffinityEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fnsched_affinity_evaluations_total",
			Help: "Affinity/anti-affinity evaluations, by scope and result",
		},
		[]string{"scope", "result"},
	)

	PrefilterCandidatesTotal = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fnsched_prefilter_candidates_total",
			Help:    "Number of candidate resource units surviving prefilter",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// Instance controller metrics (C5)
	InstanceRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fnsched_instance_retries_total",
			Help: "Schedule dispatch retries, by tier",
		},
		[]string{"tier"},
	)

	// Underlayer manager metrics (C6)
	UnderlayersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fnsched_underlayers_total",
			Help: "Underlayers registered with a domain, by status",
		},
		[]string{"status"},
	)

	HeartbeatLossTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fnsched_heartbeat_loss_total",
			Help: "Heartbeat loss events, by tier",
		},
		[]string{"tier"},
	)

	ForwardScheduleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fnsched_forward_schedule_total",
			Help: "ForwardSchedule requests processed, by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	// Local service / lease registry metrics (C7)
	LeaseRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fnsched_lease_renewals_total",
			Help: "KeepAlive attempts on the local presence lease, by result",
		},
		[]string{"result"},
	)

	// Raft metrics (global tier, pkg/globalcoord)
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fnsched_raft_is_leader",
			Help: "Whether this process is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fnsched_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ResourceUnitsTotal,
		ResourceViewUpdateDuration,
		ObserverInstancesTotal,
		ObserverWatchEventsTotal,
		SchedulingLatency,
		SchedulingOutcomesTotal,
		AffinityEvaluationsTotal,
		PrefilterCandidatesTotal,
		InstanceRetriesTotal,
		UnderlayersTotal,
		HeartbeatLossTotal,
		ForwardScheduleTotal,
		LeaseRenewalsTotal,
		RaftLeader,
		RaftApplyDuration,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
