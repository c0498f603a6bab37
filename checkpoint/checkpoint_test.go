package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulyssepence/rtt/media"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestLoadAbsentReturnsNew(t *testing.T) {
	store := testStore(t)
	cp, err := store.Load("missing")
	require.NoError(t, err)
	require.Equal(t, media.StatusNew, cp.Status)
	require.Empty(t, cp.Segments)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := testStore(t)
	cp := Checkpoint{
		Status: media.StatusEmbedded,
		Segments: []SegmentRecord{
			{SegmentID: "vid_00000", Start: 0.5, End: 2.0, Text: "Duck and cover."},
			{SegmentID: "vid_00001", Start: 3.0, End: 6.5, Text: "When you see the flash."},
		},
		Enriched:         []string{"duck cover shelter", "flash explosion warning"},
		Embeddings:       [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		TranscriptSource: "subtitles",
	}
	require.NoError(t, store.Save("vid", cp))

	got, err := store.Load("vid")
	require.NoError(t, err)
	require.Equal(t, cp.Status, got.Status)
	require.Equal(t, cp.Segments, got.Segments)
	require.Equal(t, cp.Enriched, got.Enriched)
	require.Equal(t, cp.Embeddings, got.Embeddings)
	require.Equal(t, "subtitles", got.TranscriptSource)
}

func TestVariantFieldsFollowStatus(t *testing.T) {
	store := testStore(t)
	// a transcribed checkpoint must not persist enriched or embeddings
	cp := Checkpoint{
		Status:     media.StatusTranscribed,
		Segments:   []SegmentRecord{{SegmentID: "vid_00000", Start: 0, End: 1, Text: "hi"}},
		Enriched:   []string{"stale"},
		Embeddings: [][]float32{{1}},
	}
	require.NoError(t, store.Save("vid", cp))

	got, err := store.Load("vid")
	require.NoError(t, err)
	require.Equal(t, media.StatusTranscribed, got.Status)
	require.Len(t, got.Segments, 1)
	require.Nil(t, got.Enriched)
	require.Nil(t, got.Embeddings)
}

func TestLoadRejectsUnknownStatus(t *testing.T) {
	store := testStore(t)
	path := store.Path("vid")
	require.NoError(t, os.WriteFile(path, []byte(`{"status": "sideways"}`), 0644))
	_, err := store.Load("vid")
	require.Error(t, err)
}

func TestHydrate(t *testing.T) {
	cp := Checkpoint{
		Status: media.StatusEnriched,
		Segments: []SegmentRecord{
			{SegmentID: "vid_00000", Start: 0.5, End: 2.0, Text: "raw text"},
		},
		Enriched:         []string{"enriched text"},
		TranscriptSource: "subtitles",
	}
	segments := cp.Hydrate("vid")
	require.Len(t, segments, 1)
	require.Equal(t, "vid", segments[0].VideoID)
	require.Equal(t, "raw text", segments[0].TranscriptRaw)
	require.Equal(t, "enriched text", segments[0].TranscriptEnriched)
	require.Equal(t, "subtitles", segments[0].Source)
	require.True(t, segments[0].HasSpeech)
}

func TestClearRemovesCheckpointAndFrames(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.Save("vid", Checkpoint{Status: media.StatusNew}))
	framesDir := store.FramesDir("vid")
	require.NoError(t, os.MkdirAll(framesDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(framesDir, "000001.jpg"), []byte("jpg"), 0644))

	require.NoError(t, store.Clear("vid"))
	_, err := os.Stat(store.Path("vid"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(framesDir)
	require.True(t, os.IsNotExist(err))

	// clearing again is fine
	require.NoError(t, store.Clear("vid"))
}
