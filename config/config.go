package config

import (
	"os"
	"path/filepath"

	kitlog "github.com/go-kit/log"
)

var Version string

// Logger is used by middleware and other code without a video ID to hand to
// the contextual logger.
var Logger kitlog.Logger = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))

// Model served by the embedding endpoint. The index and the archive format
// are tied to its output width.
const EmbeddingModel = "nomic-embed-text"

const DefaultOllamaURL = "http://localhost:11434"

// Worker pool sizes per pipeline stage. Transcription and enrichment are
// network-bound on remote services; embedding and frame extraction are
// CPU-heavy locally and get small pools.
var (
	TranscribePoolSize = 20
	EnrichPoolSize     = 10
	EmbedPoolSize      = 3
	FramesPoolSize     = 3
)

// Concurrent ffmpeg invocations when extracting frames straight from a
// remote URL.
var RemoteFrameConcurrency = 20

// Segment normalization tunables. Subtitle tracks tend to produce very short
// cues; two adjacent cues are merged when either is shorter than
// MinSegmentSecs and the gap between them is at most MaxMergeGapSecs.
// Overlapping starts are clamped to within
// OverlapAllowanceSecs of the previous segment's end.
var (
	MinSegmentSecs       = 1.0
	MaxMergeGapSecs      = 0.5
	OverlapAllowanceSecs = 0.05
)

// Word-level fallback segmentation splits at silences longer than this.
var MaxWordGapMillis int64 = 1500

func OllamaURL() string {
	if v := os.Getenv("RTT_OLLAMA_URL"); v != "" {
		return v
	}
	return DefaultOllamaURL
}

func CacheDir() string {
	if v := os.Getenv("RTT_CACHE_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rtt")
	}
	return filepath.Join(home, ".cache", "rtt")
}
