package pipeline

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ulyssepence/rtt/archive"
	"github.com/ulyssepence/rtt/checkpoint"
	"github.com/ulyssepence/rtt/clients"
	"github.com/ulyssepence/rtt/config"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/log"
	"github.com/ulyssepence/rtt/media"
)

func (c *Coordinator) runStage(ctx context.Context, st stage, js *JobState) (stage, error) {
	switch st {
	case stageTranscribe:
		return c.transcribe(ctx, js)
	case stageEnrich:
		return c.enrich(ctx, js)
	case stageEmbed:
		return c.embed(ctx, js)
	default:
		return c.framesAndPackage(ctx, js)
	}
}

// platformID reports the platform video id when the job's source URL belongs
// to the platform.
func (c *Coordinator) platformID(js *JobState) (string, bool) {
	if c.adapters.Platform == nil {
		return "", false
	}
	return c.adapters.Platform.VideoID(js.Job.SourceURL)
}

// transcribe resolves segments for the job: the platform subtitle track when
// one exists, otherwise speech recognition over the downloaded audio (or the
// direct URL for non-platform sources). An empty transcript is a failure; a
// missing subtitle track is not.
func (c *Coordinator) transcribe(ctx context.Context, js *JobState) (stage, error) {
	videoID := js.Job.VideoID
	source := "transcript"
	var segments []media.Segment

	if platformID, ok := c.platformID(js); ok {
		subs, err := c.adapters.Platform.Subtitles(ctx, platformID)
		if err != nil {
			return "", err
		}
		if len(subs) > 0 {
			segments = media.Normalize(videoID, "subtitles", subs, media.NormalizeOpts{
				MinSegmentSecs:       config.MinSegmentSecs,
				MaxMergeGapSecs:      config.MaxMergeGapSecs,
				OverlapAllowanceSecs: config.OverlapAllowanceSecs,
				Merge:                true,
			})
			source = "subtitles"
			log.Log(videoID, "using platform subtitles", "segments", len(segments))
		}
		if len(segments) == 0 {
			audioPath, err := c.adapters.Platform.DownloadAudio(ctx, platformID, js.scratch.AudioDir())
			if err != nil {
				return "", err
			}
			js.Checkpoint.Status = media.StatusDownloaded
			if err := c.store.Save(videoID, js.Checkpoint); err != nil {
				return "", err
			}
			segments, err = c.adapters.Transcriber.TranscribeURL(ctx, audioPath, videoID)
			if err != nil {
				return "", err
			}
			source = "transcript"
			js.scratch.RemoveAudio()
		}
	} else {
		var err error
		segments, err = c.adapters.Transcriber.TranscribeURL(ctx, js.Job.SourceURL, videoID)
		if err != nil {
			return "", err
		}
	}

	if len(segments) == 0 {
		return "", errors.NewServiceError("asr_empty", "no segments returned (silent video?)", nil)
	}

	js.Segments = segments
	js.Checkpoint.Status = media.StatusTranscribed
	js.Checkpoint.Segments = checkpoint.Records(segments)
	js.Checkpoint.TranscriptSource = source
	if err := c.store.Save(videoID, js.Checkpoint); err != nil {
		return "", err
	}
	log.Log(videoID, "transcribed", "segments", len(segments), "source", source)
	return stageEnrich, nil
}

// enrich rewrites the raw texts for retrieval, or copies them through when
// enrichment is disabled.
func (c *Coordinator) enrich(ctx context.Context, js *JobState) (stage, error) {
	videoID := js.Job.VideoID
	raw := make([]string, len(js.Segments))
	for i, s := range js.Segments {
		raw[i] = s.TranscriptRaw
	}

	enriched := raw
	if !c.opts.SkipEnrich {
		var err error
		enriched, err = c.adapters.Enricher.Enrich(ctx, js.Job.ContextOrTitle(), raw)
		if err != nil {
			return "", err
		}
		if len(enriched) != len(raw) {
			return "", errors.NewDataShapeError(
				"enricher returned %d texts for %d segments", len(enriched), len(raw))
		}
		log.Log(videoID, "enriched", "segments", len(enriched))
	}

	for i := range js.Segments {
		js.Segments[i].TranscriptEnriched = enriched[i]
	}
	js.Checkpoint.Status = media.StatusEnriched
	js.Checkpoint.Enriched = enriched
	if err := c.store.Save(videoID, js.Checkpoint); err != nil {
		return "", err
	}
	return stageEmbed, nil
}

// embed submits the enriched texts as one batch. The adapter enforces the
// reply's length and dimensionality.
func (c *Coordinator) embed(ctx context.Context, js *JobState) (stage, error) {
	videoID := js.Job.VideoID
	texts := make([]string, len(js.Segments))
	for i, s := range js.Segments {
		texts[i] = s.TranscriptEnriched
		if texts[i] == "" {
			texts[i] = s.TranscriptRaw
		}
	}

	vectors, err := c.adapters.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return "", err
	}
	for i := range js.Segments {
		js.Segments[i].TextEmbedding = vectors[i]
	}
	js.Checkpoint.Status = media.StatusEmbedded
	js.Checkpoint.Embeddings = vectors
	if err := c.store.Save(videoID, js.Checkpoint); err != nil {
		return "", err
	}
	log.Log(videoID, "embedded", "segments", len(vectors))
	return stageFrames, nil
}

// framesAndPackage extracts one still per segment and emits the archive. A
// missing frame is never fatal. On success the checkpoint and all scratch
// files are removed.
func (c *Coordinator) framesAndPackage(ctx context.Context, js *JobState) (stage, error) {
	videoID := js.Job.VideoID
	framesDir := js.scratch.FramesDir()

	timestamps := make([]float64, len(js.Segments))
	for i, s := range js.Segments {
		timestamps[i] = s.StartSeconds
	}

	var framePaths []string
	if platformID, ok := c.platformID(js); ok {
		videoPath, err := c.adapters.Platform.DownloadVideo(ctx, platformID, js.scratch.VideoDir())
		if err != nil {
			return "", err
		}
		if duration, err := clients.ProbeDuration(ctx, videoID, videoPath); err == nil {
			log.Log(videoID, "downloaded video", "duration_seconds", duration)
		}
		framePaths, err = c.adapters.Frames.ExtractLocal(ctx, videoPath, timestamps, framesDir)
		if err != nil {
			return "", err
		}
		js.scratch.RemoveVideo()
	} else {
		var err error
		framePaths, err = c.adapters.Frames.ExtractRemote(ctx, js.Job.SourceURL, timestamps, framesDir)
		if err != nil {
			return "", err
		}
	}

	extracted := 0
	for i := range js.Segments {
		if i < len(framePaths) && framePaths[i] != "" {
			js.Segments[i].FramePath = "frames/" + filepath.Base(framePaths[i])
			extracted++
		} else {
			js.Segments[i].FramePath = ""
		}
	}
	log.Log(videoID, "extracted frames", "extracted", extracted, "segments", len(js.Segments))

	collection := js.Job.Collection
	if collection == "" {
		collection = c.opts.Collection
	}
	var duration float64
	for i := range js.Segments {
		js.Segments[i].Collection = collection
		if js.Segments[i].EndSeconds > duration {
			duration = js.Segments[i].EndSeconds
		}
		if strings.TrimSpace(js.Segments[i].TranscriptEnriched) == "" {
			js.Segments[i].TranscriptEnriched = js.Segments[i].TranscriptRaw
		}
	}

	video := media.Video{
		VideoID:         videoID,
		Title:           js.Job.Title,
		SourceURL:       js.Job.SourceURL,
		PageURL:         js.Job.PageURL,
		Context:         js.Job.ContextOrTitle(),
		Collection:      collection,
		DurationSeconds: duration,
		Status:          media.StatusReady,
	}
	if err := archive.Write(video, js.Segments, framesDir, js.archivePath); err != nil {
		return "", err
	}

	if err := c.store.Clear(videoID); err != nil {
		log.LogError(videoID, "failed clearing checkpoint", err)
	}
	js.scratch.Cleanup()
	c.complete(js)
	return "", nil
}
