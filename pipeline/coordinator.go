// Package pipeline drives video jobs through the four ingestion stages —
// transcribe, enrich, embed, frames+package — with one worker pool and one
// queue per stage. Progress is checkpointed between stages so an interrupted
// run resumes where it stopped; a failed job is logged and dropped without
// affecting the others.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/ulyssepence/rtt/checkpoint"
	"github.com/ulyssepence/rtt/clients"
	"github.com/ulyssepence/rtt/config"
	"github.com/ulyssepence/rtt/log"
	"github.com/ulyssepence/rtt/media"
	"github.com/ulyssepence/rtt/metrics"
)

type stage string

const (
	stageTranscribe stage = "transcribe"
	stageEnrich     stage = "enrich"
	stageEmbed      stage = "embed"
	stageFrames     stage = "frames"
)

var stages = []stage{stageTranscribe, stageEnrich, stageEmbed, stageFrames}

// Adapters are the external collaborators a coordinator drives. Tests swap
// in stubs.
type Adapters struct {
	Transcriber clients.Transcriber
	Enricher    clients.Enricher
	Embedder    clients.Embedder
	Frames      clients.FrameExtractor
	Platform    clients.Platform
}

type WorkerCounts struct {
	Transcribe int
	Enrich     int
	Embed      int
	Frames     int
}

func DefaultWorkerCounts() WorkerCounts {
	return WorkerCounts{
		Transcribe: config.TranscribePoolSize,
		Enrich:     config.EnrichPoolSize,
		Embed:      config.EmbedPoolSize,
		Frames:     config.FramesPoolSize,
	}
}

func (w WorkerCounts) forStage(st stage) int {
	switch st {
	case stageTranscribe:
		return w.Transcribe
	case stageEnrich:
		return w.Enrich
	case stageEmbed:
		return w.Embed
	default:
		return w.Frames
	}
}

type Options struct {
	OutputDir      string
	SkipEnrich     bool
	Collection     string
	FailuresPath   string // defaults to OutputDir/failures.jsonl
	Workers        WorkerCounts
	StatusInterval time.Duration
	MetricsDB      *sql.DB
}

// JobState is the unit passed between stage queues: the original job, its
// mutable checkpoint, the current segment list and per-stage enqueue
// timestamps. Queues carry the pointer; each stage mutates only the fields
// it owns.
type JobState struct {
	Job        media.VideoJob
	Checkpoint checkpoint.Checkpoint
	Segments   []media.Segment
	EnqueuedAt map[stage]time.Time
	Err        error

	scratch     *scratch
	archivePath string
}

type Coordinator struct {
	opts     Options
	adapters Adapters
	store    *checkpoint.Store
	failures *failureLog

	queues  map[stage]chan *JobState
	pending sync.WaitGroup
	workers sync.WaitGroup

	mu        sync.Mutex
	archives  []string
	completed int
	failed    int
	skipped   int

	startTime time.Time
}

func NewCoordinator(adapters Adapters, opts Options) (*Coordinator, error) {
	if adapters.Transcriber == nil || adapters.Embedder == nil || adapters.Frames == nil {
		return nil, fmt.Errorf("transcriber, embedder and frame extractor are required")
	}
	if !opts.SkipEnrich && adapters.Enricher == nil {
		return nil, fmt.Errorf("enricher is required unless enrichment is disabled")
	}
	if opts.Workers == (WorkerCounts{}) {
		opts.Workers = DefaultWorkerCounts()
	}
	if opts.StatusInterval == 0 {
		opts.StatusInterval = 10 * time.Second
	}
	if opts.FailuresPath == "" {
		opts.FailuresPath = filepath.Join(opts.OutputDir, "failures.jsonl")
	}
	return &Coordinator{
		opts:     opts,
		adapters: adapters,
		store:    checkpoint.NewStore(opts.OutputDir),
	}, nil
}

// Run drives every job to completion and returns the archive paths produced,
// including archives that already existed and were skipped. It blocks until
// all four queues have drained. On context cancellation in-flight stage calls
// finish, queued work is abandoned, and checkpoints stay behind for the next
// run.
func (c *Coordinator) Run(ctx context.Context, jobs []media.VideoJob) ([]string, error) {
	if err := os.MkdirAll(c.opts.OutputDir, 0755); err != nil {
		return nil, err
	}
	failures, err := openFailureLog(c.opts.FailuresPath)
	if err != nil {
		return nil, err
	}
	c.failures = failures
	defer c.failures.Close()

	c.startTime = time.Now()
	c.queues = make(map[stage]chan *JobState, len(stages))
	for _, st := range stages {
		c.queues[st] = make(chan *JobState, len(jobs)+1)
	}

	resumed, deferred := c.admit(jobs)

	for _, st := range stages {
		for i := 0; i < c.opts.Workers.forStage(st); i++ {
			c.workers.Add(1)
			go c.worker(ctx, st)
		}
	}

	printerDone := make(chan struct{})
	go c.statusPrinter(printerDone)

	// resumed jobs go first so downstream stages fill immediately; brand-new
	// jobs follow in a deferred second pass
	for _, entry := range resumed {
		c.enqueue(entry.stage, entry.job)
	}
	for _, js := range deferred {
		c.enqueue(stageTranscribe, js)
	}

	c.pending.Wait()
	for _, st := range stages {
		close(c.queues[st])
	}
	c.workers.Wait()
	close(printerDone)

	c.mu.Lock()
	defer c.mu.Unlock()
	log.LogNoVideoID("batch complete",
		"completed", c.completed, "failed", c.failed, "skipped", c.skipped,
		"elapsed", time.Since(c.startTime))
	if c.failed > 0 {
		log.LogNoVideoID("failures logged", "path", c.opts.FailuresPath)
	}
	return append([]string(nil), c.archives...), ctx.Err()
}

type admission struct {
	stage stage
	job   *JobState
}

// admit reads each job's checkpoint and decides where it enters the
// pipeline. At most one job per video id is admitted.
func (c *Coordinator) admit(jobs []media.VideoJob) (resumed []admission, deferred []*JobState) {
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if seen[job.VideoID] {
			log.Log(job.VideoID, "duplicate job in batch, ignoring")
			continue
		}
		seen[job.VideoID] = true

		archivePath := filepath.Join(c.opts.OutputDir, job.VideoID+".rtt")
		if _, err := os.Stat(archivePath); err == nil {
			log.Log(job.VideoID, "archive already exists, skipping")
			c.mu.Lock()
			c.archives = append(c.archives, archivePath)
			c.skipped++
			c.mu.Unlock()
			metrics.Metrics.Pipeline.VideosSkipped.Inc()
			continue
		}

		cp, err := c.store.Load(job.VideoID)
		if err != nil {
			c.reject(&JobState{Job: job}, err)
			continue
		}

		js := &JobState{
			Job:         job,
			Checkpoint:  cp,
			EnqueuedAt:  make(map[stage]time.Time, len(stages)),
			scratch:     newScratch(c.opts.OutputDir, job.VideoID),
			archivePath: archivePath,
		}

		switch {
		case cp.Status == media.StatusNew || cp.Status == media.StatusDownloaded:
			deferred = append(deferred, js)
		case cp.Status == media.StatusTranscribed:
			js.Segments = cp.Hydrate(job.VideoID)
			resumed = append(resumed, admission{stageEnrich, js})
		case cp.Status == media.StatusEnriched:
			js.Segments = cp.Hydrate(job.VideoID)
			resumed = append(resumed, admission{stageEmbed, js})
		default: // embedded or later with no archive on disk
			js.Segments = cp.Hydrate(job.VideoID)
			resumed = append(resumed, admission{stageFrames, js})
		}
		if cp.Status != media.StatusNew {
			log.Log(job.VideoID, "resuming from checkpoint", "status", string(cp.Status))
		}
	}
	return resumed, deferred
}

func (c *Coordinator) enqueue(st stage, js *JobState) {
	c.pending.Add(1)
	js.EnqueuedAt[st] = time.Now()
	c.queues[st] <- js
	metrics.Metrics.Pipeline.QueueDepth.WithLabelValues(string(st)).Set(float64(len(c.queues[st])))
	metrics.Metrics.Pipeline.JobsInFlight.Inc()
}

func (c *Coordinator) worker(ctx context.Context, st stage) {
	defer c.workers.Done()
	for js := range c.queues[st] {
		metrics.Metrics.Pipeline.QueueDepth.WithLabelValues(string(st)).Set(float64(len(c.queues[st])))
		if ctx.Err() != nil {
			// cancelled: stop taking on work, leave the checkpoint behind
			c.finishItem()
			continue
		}
		metrics.Metrics.Pipeline.StageWaitTime.WithLabelValues(string(st)).
			Observe(time.Since(js.EnqueuedAt[st]).Seconds())

		start := time.Now()
		next, err := recovered(func() (stage, error) { return c.runStage(ctx, st, js) })
		metrics.Metrics.Pipeline.StageDuration.WithLabelValues(string(st)).
			Observe(time.Since(start).Seconds())

		switch {
		case err != nil && ctx.Err() != nil:
			log.Log(js.Job.VideoID, "stage abandoned on shutdown", "stage", string(st))
		case err != nil:
			c.reject(js, err)
		case next != "":
			c.enqueue(next, js)
		}
		c.finishItem()
	}
}

func (c *Coordinator) finishItem() {
	metrics.Metrics.Pipeline.JobsInFlight.Dec()
	c.pending.Done()
}

// reject logs the failure and drops the job. The checkpoint survives so the
// next run resumes from the last completed stage; scratch files do not.
func (c *Coordinator) reject(js *JobState, err error) {
	js.Err = err
	log.LogError(js.Job.VideoID, "job failed", err)
	if c.failures != nil {
		if logErr := c.failures.Record(js.Job, err); logErr != nil {
			log.LogError(js.Job.VideoID, "failed writing failures log", logErr)
		}
	}
	if js.scratch != nil {
		js.scratch.Cleanup()
	}
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
	metrics.Metrics.Pipeline.VideosFailed.Inc()
}

func (c *Coordinator) complete(js *JobState) {
	c.mu.Lock()
	c.archives = append(c.archives, js.archivePath)
	c.completed++
	c.mu.Unlock()
	metrics.Metrics.Pipeline.VideosComplete.Inc()
	metrics.Metrics.Pipeline.SegmentsStored.Add(float64(len(js.Segments)))
	log.Log(js.Job.VideoID, "archive written",
		"path", js.archivePath, "segments", len(js.Segments))
	c.sendDBMetrics(js)
}

func (c *Coordinator) statusPrinter(done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			completed, failed := c.completed, c.failed
			c.mu.Unlock()
			keyvals := []interface{}{
				"elapsed", time.Since(c.startTime).Round(time.Second),
				"completed", completed,
				"failed", failed,
			}
			for _, st := range stages {
				depth := len(c.queues[st])
				keyvals = append(keyvals, string(st)+"_queue", depth)
				metrics.Metrics.Pipeline.QueueDepth.WithLabelValues(string(st)).Set(float64(depth))
			}
			log.LogNoVideoID("pipeline status", keyvals...)
		}
	}
}

// sendDBMetrics records the completed video in the metrics DB, if one is
// configured.
func (c *Coordinator) sendDBMetrics(js *JobState) {
	if c.opts.MetricsDB == nil {
		return
	}
	insertDynStmt := `insert into "rtt_completed"(
                            "finished_at",
                            "video_id",
                            "title",
                            "source_url",
                            "collection",
                            "segment_count",
                            "transcript_source",
                            "job_duration_ms"
                            ) values($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := c.opts.MetricsDB.Exec(
		insertDynStmt,
		time.Now().Unix(),
		js.Job.VideoID,
		js.Job.Title,
		log.RedactURL(js.Job.SourceURL),
		js.Job.Collection,
		len(js.Segments),
		js.Checkpoint.TranscriptSource,
		time.Since(c.startTime).Milliseconds(),
	)
	if err != nil {
		log.LogError(js.Job.VideoID, "error writing postgres metrics", err)
	}
}

func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoVideoID("panic in stage worker, recovering", "err", rec, "trace", debug.Stack())
			err = fmt.Errorf("panic in stage worker: %v", rec)
		}
	}()
	return f()
}
