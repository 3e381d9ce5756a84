package manager

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the lifecycle and generation collectors.
type Metrics struct {
	loadsTotal       *prometheus.CounterVec
	loadAttempts     *prometheus.CounterVec
	fallbackHops     prometheus.Counter
	loadDuration     prometheus.Histogram
	generationsTotal *prometheus.CounterVec
	generatedTokens  prometheus.Counter
	oomRecoveries    prometheus.Counter
	cacheHits        prometheus.Counter
	inflight         prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests rely on to build many managers.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	mt := &Metrics{
		loadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locallab", Subsystem: "manager", Name: "loads_total",
			Help: "Model loads by result",
		}, []string{"result"}),
		loadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locallab", Subsystem: "manager", Name: "load_attempts_failed_total",
			Help: "Failed load attempts by stage, including ones recovered by a fallback",
		}, []string{"stage"}),
		fallbackHops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locallab", Subsystem: "manager", Name: "fallback_hops_total",
			Help: "Registry fallback hops taken while loading",
		}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "locallab", Subsystem: "manager", Name: "load_duration_seconds",
			Help:    "Duration of successful loads",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		generationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "locallab", Subsystem: "generation", Name: "requests_total",
			Help: "Generations by mode and finish reason",
		}, []string{"mode", "finish"}),
		generatedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locallab", Subsystem: "generation", Name: "tokens_total",
			Help: "Tokens produced by all generations",
		}),
		oomRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locallab", Subsystem: "generation", Name: "oom_recoveries_total",
			Help: "In-place out-of-memory recoveries",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "locallab", Subsystem: "generation", Name: "cache_hits_total",
			Help: "Single-shot responses served from the response cache",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "locallab", Subsystem: "generation", Name: "inflight",
			Help: "Generations holding the resident model",
		}),
	}
	if reg != nil {
		reg.MustRegister(mt.loadsTotal, mt.loadAttempts, mt.fallbackHops, mt.loadDuration,
			mt.generationsTotal, mt.generatedTokens, mt.oomRecoveries, mt.cacheHits, mt.inflight)
	}
	return mt
}

func (mt *Metrics) observeGeneration(mode, finish string, tokens int, oomRecovered bool) {
	if finish == "" {
		finish = "error"
	}
	mt.generationsTotal.WithLabelValues(mode, finish).Inc()
	if tokens > 0 {
		mt.generatedTokens.Add(float64(tokens))
	}
	if oomRecovered {
		mt.oomRecoveries.Inc()
	}
}
