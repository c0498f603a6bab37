// Package clients holds the adapters for the four external services the
// pipeline drives: speech recognition, LLM enrichment, text embedding and
// frame extraction, plus the video platform. Each adapter is a small
// interface with one concrete implementation, swappable at construction.
package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ulyssepence/rtt/media"
)

// Transcriber turns a media URL into ordered transcript segments. An empty
// result means the input had no detectable speech.
type Transcriber interface {
	TranscribeURL(ctx context.Context, mediaURL, videoID string) ([]media.Segment, error)
}

// Enricher rewrites raw transcript texts into retrieval-friendly enriched
// texts. The reply is index-aligned with the input.
type Enricher interface {
	Enrich(ctx context.Context, contextText string, texts []string) ([]string, error)
}

// Embedder converts texts to fixed-width dense vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// FrameExtractor produces one JPEG per timestamp. Paths are index-aligned
// with the timestamps; a failed extraction yields an empty path, never an
// error.
type FrameExtractor interface {
	ExtractLocal(ctx context.Context, videoPath string, timestamps []float64, outputDir string) ([]string, error)
	ExtractRemote(ctx context.Context, sourceURL string, timestamps []float64, outputDir string) ([]string, error)
}

// Platform is the video-sharing platform: id/url mapping, subtitle tracks,
// media downloads and channel listings.
type Platform interface {
	VideoID(rawURL string) (string, bool)
	VideoURL(videoID string) string
	// Subtitles returns nil, nil when the video has no usable track; that is
	// not an error.
	Subtitles(ctx context.Context, videoID string) ([]media.Segment, error)
	DownloadAudio(ctx context.Context, videoID, dir string) (string, error)
	DownloadVideo(ctx context.Context, videoID, dir string) (string, error)
	Channel(ctx context.Context, channelURL string) ([]media.VideoJob, error)
}

// newHTTPClient builds the retrying HTTP client every adapter shares.
func newHTTPClient(timeout time.Duration) *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Attempt a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 2 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.Logger = nil
	// Hand the last response back once retries run out, so each adapter can
	// report the service's own error message.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient = &http.Client{
		Timeout: timeout,
	}
	return client.StandardClient()
}
