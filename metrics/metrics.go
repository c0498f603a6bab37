package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PipelineMetrics struct {
	QueueDepth     *prometheus.GaugeVec
	JobsInFlight   prometheus.Gauge
	StageDuration  *prometheus.SummaryVec
	StageWaitTime  *prometheus.SummaryVec
	VideosComplete prometheus.Counter
	VideosFailed   prometheus.Counter
	VideosSkipped  prometheus.Counter
	SegmentsStored prometheus.Counter
}

type SearchMetrics struct {
	RequestCount       *prometheus.CounterVec
	RequestDurationSec *prometheus.SummaryVec
	IndexSegments      prometheus.Gauge
	ArchivesLoaded     prometheus.Counter
	ArchivesSkipped    prometheus.Counter
}

type RTTMetrics struct {
	Pipeline PipelineMetrics
	Search   SearchMetrics
}

func NewMetrics() *RTTMetrics {
	m := &RTTMetrics{
		Pipeline: PipelineMetrics{
			QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "rtt_stage_queue_depth",
				Help: "Number of jobs waiting in each pipeline stage queue",
			}, []string{"stage"}),
			JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "rtt_jobs_in_flight",
				Help: "Number of jobs currently inside the pipeline",
			}),
			StageDuration: promauto.NewSummaryVec(prometheus.SummaryOpts{
				Name: "rtt_stage_duration_seconds",
				Help: "Time spent processing one job inside each stage",
			}, []string{"stage"}),
			StageWaitTime: promauto.NewSummaryVec(prometheus.SummaryOpts{
				Name: "rtt_stage_wait_seconds",
				Help: "Time a job spent queued before each stage picked it up",
			}, []string{"stage"}),
			VideosComplete: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rtt_videos_completed_total",
				Help: "Videos that produced an archive",
			}),
			VideosFailed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rtt_videos_failed_total",
				Help: "Videos dropped after a stage failure",
			}),
			VideosSkipped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rtt_videos_skipped_total",
				Help: "Videos skipped because their archive already existed",
			}),
			SegmentsStored: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rtt_segments_stored_total",
				Help: "Segments written into archives",
			}),
		},
		Search: SearchMetrics{
			RequestCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "rtt_search_requests_total",
				Help: "Search service requests by handler and status code",
			}, []string{"handler", "status"}),
			RequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
				Name: "rtt_search_request_duration_seconds",
				Help: "Search service request durations by handler",
			}, []string{"handler"}),
			IndexSegments: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "rtt_index_segments",
				Help: "Segments resident in the vector index",
			}),
			ArchivesLoaded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rtt_archives_loaded_total",
				Help: "Archives loaded into the search service",
			}),
			ArchivesSkipped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "rtt_archives_skipped_total",
				Help: "Archives rejected at load time (wrong shape, unreadable)",
			}),
		},
	}
	return m
}

var Metrics = NewMetrics()
