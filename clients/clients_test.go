package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/media"
)

func TestOllamaEmbedBatch(t *testing.T) {
	vec := make([]float32, media.EmbeddingDim)
	for i := range vec {
		vec[i] = float32(i)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "nomic-embed-text", req.Model)
		out := make([][]float32, len(req.Input))
		for i := range out {
			out[i] = vec
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": out}))
	}))
	defer ts.Close()

	embedder := NewOllamaEmbedder(ts.URL)
	vecs, err := embedder.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.Len(t, vecs[0], media.EmbeddingDim)

	single, err := embedder.Embed(context.Background(), "one")
	require.NoError(t, err)
	require.Equal(t, vecs[0], single)
}

func TestOllamaRejectsWrongDim(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": [][]float32{{1, 2, 3}},
		}))
	}))
	defer ts.Close()

	embedder := NewOllamaEmbedder(ts.URL)
	_, err := embedder.EmbedBatch(context.Background(), []string{"one"})
	require.True(t, errors.IsDataShape(err))
}

func TestOllamaServiceError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"error": "model not found"}))
	}))
	defer ts.Close()

	embedder := NewOllamaEmbedder(ts.URL)
	_, err := embedder.EmbedBatch(context.Background(), []string{"one"})
	require.True(t, errors.IsServiceError(err))
	require.Contains(t, err.Error(), "model not found")
}

func TestClaudeEnricher(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Contains(t, req.Messages[0].Content, "Cold War civil defense film")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{{"text": fmt.Sprintf("  enriched %d  ", calls)}},
		}))
	}))
	defer ts.Close()

	enricher := NewClaudeEnricher("test-key")
	enricher.BaseURL = ts.URL
	out, err := enricher.Enrich(context.Background(), "Cold War civil defense film", []string{"duck and cover", "the flash"})
	require.NoError(t, err)
	require.Equal(t, []string{"enriched 1", "enriched 2"}, out)
}

func TestClaudeEnricherAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "rate_limit_error", "message": "quota exceeded"},
		}))
	}))
	defer ts.Close()

	enricher := NewClaudeEnricher("test-key")
	enricher.BaseURL = ts.URL
	_, err := enricher.Enrich(context.Background(), "ctx", []string{"text"})
	require.True(t, errors.IsServiceError(err))
	require.Contains(t, err.Error(), "quota exceeded")
}

func TestAssemblyAITranscribeURL(t *testing.T) {
	var polls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "key", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/transcript":
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id": "tr1", "status": "queued"}))
		case r.Method == http.MethodGet && r.URL.Path == "/v2/transcript/tr1":
			polls++
			if polls < 2 {
				require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id": "tr1", "status": "processing"}))
				return
			}
			require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
				"id": "tr1", "status": "completed",
				"utterances": []map[string]interface{}{
					{"text": "Duck and cover.", "start": 500, "end": 2000},
					{"text": "   ", "start": 2100, "end": 2200},
					{"text": "This is the end of the film.", "start": 10000, "end": 12000},
				},
			}))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	transcriber := NewAssemblyAITranscriber("key")
	transcriber.BaseURL = ts.URL
	transcriber.PollInterval = 10 * time.Millisecond

	segments, err := transcriber.TranscribeURL(context.Background(), "https://example.com/video.mp4", "duck_and_cover")
	require.NoError(t, err)
	require.Len(t, segments, 2)
	require.Equal(t, "duck_and_cover_00000", segments[0].SegmentID)
	require.Equal(t, "Duck and cover.", segments[0].TranscriptRaw)
	require.Equal(t, 0.5, segments[0].StartSeconds)
	require.Equal(t, 12.0, segments[1].EndSeconds)
}

func TestAssemblyAIWordFallback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id": "tr2", "status": "queued"}))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "tr2", "status": "completed",
			"words": []map[string]interface{}{
				{"text": "duck", "start": 0, "end": 400},
				{"text": "and", "start": 450, "end": 700},
				{"text": "cover", "start": 750, "end": 1200},
				// a long silence splits the stream here
				{"text": "goodbye", "start": 5000, "end": 5600},
			},
		}))
	}))
	defer ts.Close()

	transcriber := NewAssemblyAITranscriber("key")
	transcriber.BaseURL = ts.URL
	transcriber.PollInterval = 10 * time.Millisecond

	segments, err := transcriber.TranscribeURL(context.Background(), "https://example.com/silent.mp4", "vid")
	require.NoError(t, err)
	require.Len(t, segments, 2)
	require.Equal(t, "duck and cover", segments[0].TranscriptRaw)
	require.Equal(t, 0.0, segments[0].StartSeconds)
	require.Equal(t, 1.2, segments[0].EndSeconds)
	require.Equal(t, "goodbye", segments[1].TranscriptRaw)
}

func TestAssemblyAIErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id": "tr3", "status": "queued"}))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id": "tr3", "status": "error", "error": "invalid media"}))
	}))
	defer ts.Close()

	transcriber := NewAssemblyAITranscriber("key")
	transcriber.BaseURL = ts.URL
	transcriber.PollInterval = 10 * time.Millisecond

	_, err := transcriber.TranscribeURL(context.Background(), "https://example.com/broken.mp4", "vid")
	require.True(t, errors.IsServiceError(err))
	require.Contains(t, err.Error(), "invalid media")
}

func TestYtDlpVideoID(t *testing.T) {
	ytdlp := NewYtDlp()
	tests := []struct {
		url string
		id  string
		ok  bool
	}{
		{"https://www.youtube.com/watch?v=abc123", "abc123", true},
		{"https://youtube.com/watch?v=abc123&t=42", "abc123", true},
		{"https://youtu.be/xyz789", "xyz789", true},
		{"https://example.com/video.mp4", "", false},
		{"not a url at all\x7f", "", false},
	}
	for _, tt := range tests {
		id, ok := ytdlp.VideoID(tt.url)
		require.Equal(t, tt.ok, ok, tt.url)
		require.Equal(t, tt.id, id, tt.url)
	}
	require.Equal(t, "https://www.youtube.com/watch?v=abc123", ytdlp.VideoURL("abc123"))
}

func TestResolveCaptionPlaylist(t *testing.T) {
	playlist := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXTINF:10.0,\nhttps://www.youtube.com/api/timedtext?caps=1\n#EXT-X-ENDLIST\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, playlist)
	}))
	defer ts.Close()

	ytdlp := NewYtDlp()
	uri, err := ytdlp.resolveCaptionPlaylist(context.Background(), ts.URL)
	require.NoError(t, err)
	require.Equal(t, "https://www.youtube.com/api/timedtext?caps=1", uri)
}

func TestFrameName(t *testing.T) {
	require.Equal(t, "000000.jpg", FrameName(0.5))
	require.Equal(t, "000042.jpg", FrameName(42.9))
}
