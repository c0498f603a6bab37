package clients

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"github.com/ulyssepence/rtt/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/vansante/go-ffprobe.v2"
)

// FFmpegExtractor pulls one JPEG still per timestamp with ffmpeg. Local
// extraction is sequential (the pipeline bounds it with its worker pool);
// remote extraction runs a bounded number of ffmpeg processes against the
// source URL.
type FFmpegExtractor struct {
	RemoteConcurrency int
}

func NewFFmpegExtractor(remoteConcurrency int) *FFmpegExtractor {
	if remoteConcurrency <= 0 {
		remoteConcurrency = 1
	}
	return &FFmpegExtractor{RemoteConcurrency: remoteConcurrency}
}

// FrameName is the archive-relative basename for the still at the given
// timestamp: the zero-padded start-second bucket.
func FrameName(timestamp float64) string {
	return fmt.Sprintf("%06d.jpg", int(timestamp))
}

func (e *FFmpegExtractor) ExtractLocal(ctx context.Context, videoPath string, timestamps []float64, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	paths := make([]string, len(timestamps))
	for i, ts := range timestamps {
		if ctx.Err() != nil {
			return paths, ctx.Err()
		}
		paths[i] = extractOne(videoPath, ts, outputDir)
	}
	return paths, nil
}

func (e *FFmpegExtractor) ExtractRemote(ctx context.Context, sourceURL string, timestamps []float64, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	paths := make([]string, len(timestamps))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(e.RemoteConcurrency)
	for i, ts := range timestamps {
		i, ts := i, ts
		group.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			paths[i] = extractOne(sourceURL, ts, outputDir)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return paths, err
	}
	return paths, nil
}

// extractOne grabs the frame at ts. A failed or empty extraction yields an
// empty path; frame extraction is never fatal.
func extractOne(input string, ts float64, outputDir string) string {
	out := filepath.Join(outputDir, FrameName(ts))
	var ffmpegErr bytes.Buffer
	err := ffmpeg.
		Input(input, ffmpeg.KwArgs{"ss": fmt.Sprintf("%.3f", ts)}).
		Output(out, ffmpeg.KwArgs{
			"frames:v": "1",
			"q:v":      "2",
		}).
		OverWriteOutput().
		WithErrorOutput(&ffmpegErr).
		Run()
	if err != nil {
		os.Remove(out)
		return ""
	}
	if info, statErr := os.Stat(out); statErr != nil || info.Size() == 0 {
		os.Remove(out)
		return ""
	}
	return out
}

// ProbeDuration reports the media duration in seconds of a local file or
// URL.
func ProbeDuration(ctx context.Context, videoID, input string) (float64, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, input, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backOff, 3), ctx)); err != nil {
		log.LogError(videoID, "probe failed", err, "input", input)
		return 0, err
	}
	if data.Format == nil {
		return 0, fmt.Errorf("probe returned no format data for %s", log.RedactURL(input))
	}
	return data.Format.DurationSeconds, nil
}
