package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_runs_started_total",
			Help: "Total number of research pipeline runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_completed_total",
			Help: "Total number of research pipeline runs reaching a terminal status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// Executor metrics
	ExecutorActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_executor_active_workers",
			Help: "Number of executor workers currently running a task",
		},
	)

	ExecutorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_executor_queue_depth",
			Help: "Number of admitted tasks waiting for a worker",
		},
	)

	ExecutorRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_executor_rejections_total",
			Help: "Total number of submissions rejected because the queue was full",
		},
	)

	// Timeline metrics
	TimelineEntriesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_timeline_entries_written_total",
			Help: "Total number of timeline entries persisted",
		},
		[]string{"kind"},
	)

	TimelineCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_timeline_cache_hits_total",
			Help: "Timeline reads served from the cache",
		},
	)

	TimelineCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_timeline_cache_misses_total",
			Help: "Timeline reads that fell back to the durable store",
		},
	)

	// Token usage
	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_task_tokens_used",
			Help:    "Tokens consumed per completed run",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
	)

	SearchCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_search_calls_total",
			Help: "Search backend calls by outcome",
		},
		[]string{"outcome"},
	)

	// Live connections
	HubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_hub_connections",
			Help: "Number of live client connections registered on the event hub",
		},
	)
)
