package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	ParsingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modgraph_parsing_seconds",
		Help:    "Time spent parsing a module's source text.",
		Buckets: prometheus.DefBuckets,
	})

	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgraph_fetches_total",
		Help: "Single-module fetches by outcome (network, cached, waited, failed).",
	}, []string{"outcome"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modgraph_fetch_seconds",
		Help:    "Time spent fetching a module's source over the resource loader.",
		Buckets: prometheus.DefBuckets,
	}, []string{"module_type"})

	RegistryEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modgraph_registry_entries",
		Help: "Module map entries by state across all settings objects.",
	}, []string{"state"})

	RegistryWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modgraph_registry_waiters",
		Help: "Callbacks waiting for a fetching module map entry to resolve.",
	})

	GraphLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgraph_graph_loads_total",
		Help: "Module graph loads by outcome.",
	}, []string{"outcome"})

	GraphLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modgraph_graph_load_seconds",
		Help:    "Time from a top-level fetch to the whole graph being fetched.",
		Buckets: prometheus.DefBuckets,
	})

	LinkTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgraph_link_total",
		Help: "Link calls by outcome.",
	}, []string{"outcome"})

	EvaluateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgraph_evaluate_total",
		Help: "Top-level evaluations by outcome.",
	}, []string{"outcome"})

	AsyncModulesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modgraph_async_modules_in_flight",
		Help: "Modules currently in the evaluating-async state.",
	})

	WatcherEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modgraph_watcher_events_total",
		Help: "Total number of file system events received by the watcher.",
	})

	HistoryWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgraph_history_writes_total",
		Help: "Run journal writes by outcome.",
	}, []string{"outcome"})
)
