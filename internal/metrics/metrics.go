package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricAffinityInitialAssignments = "affinity_initial_assignments_total"
	MetricAffinityBackendSwitches    = "affinity_backend_switches_total"
	MetricCompileOutcomes            = "compile_outcomes_total"
	MetricCompileRetries             = "compile_retries_total"
	MetricShardProbeFailures         = "cache_shard_probe_failures_total"
	MetricShardBreakerSkips          = "cache_shard_breaker_skips_total"
	MetricShadowComparisons          = "shadow_comparisons_total"
	MetricShadowTimingRatio          = "shadow_timing_ratio"
)

var CounterAffinityInitialAssignments = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "compileapi",
		Name:      MetricAffinityInitialAssignments,
		Help:      "First-time compile node assignments per project/user.",
	},
)

// Backend switches are classified by the instance-state probe: "load-shed"
// when the previous node is still up, "cycled" when it is gone, "unknown"
// when the probe itself failed.
var CounterAffinityBackendSwitches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "compileapi",
		Name:      MetricAffinityBackendSwitches,
		Help:      "Compile node reassignments, by classification.",
	},
	[]string{
		"classification",
	},
)

var CounterCompileOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "compileapi",
		Name:      MetricCompileOutcomes,
		Help:      "Final compile outcomes, by status.",
	},
	[]string{
		"status",
	},
)

var CounterCompileRetries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "compileapi",
		Name:      MetricCompileRetries,
		Help:      "Escalation retries issued by the dispatcher, by trigger.",
	},
	[]string{
		"trigger",
	},
)

var CounterShardProbeFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "compileapi",
		Name:      MetricShardProbeFailures,
		Help:      "Cache shard probes that failed with a transport error.",
	},
	[]string{
		"shard",
	},
)

var CounterShardBreakerSkips = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "compileapi",
		Name:      MetricShardBreakerSkips,
		Help:      "Cache shard probes skipped because the breaker was open.",
	},
	[]string{
		"shard",
	},
)

var CounterShadowComparisons = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "compileapi",
		Name:      MetricShadowComparisons,
		Help:      "Shadow compile comparisons, by result.",
	},
	[]string{
		"result",
	},
)

var HistogramShadowTimingRatio = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "compileapi",
		Name:      MetricShadowTimingRatio,
		Help:      "Shadow compile time divided by primary compile time.",
		Buckets:   []float64{0.25, 0.5, 0.75, 0.9, 1, 1.1, 1.25, 1.5, 2, 3, 5},
	},
)

func init() {
	prometheus.MustRegister(CounterAffinityInitialAssignments)
	prometheus.MustRegister(CounterAffinityBackendSwitches)
	prometheus.MustRegister(CounterCompileOutcomes)
	prometheus.MustRegister(CounterCompileRetries)
	prometheus.MustRegister(CounterShardProbeFailures)
	prometheus.MustRegister(CounterShardBreakerSkips)
	prometheus.MustRegister(CounterShadowComparisons)
	prometheus.MustRegister(HistogramShadowTimingRatio)
}
