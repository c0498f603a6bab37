package archive

import (
	"archive/zip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/media"
)

func testEmbedding(seed float32) []float32 {
	emb := make([]float32, media.EmbeddingDim)
	for i := range emb {
		emb[i] = seed + float32(i)*0.001
	}
	return emb
}

func testSegments(videoID string) []media.Segment {
	return []media.Segment{
		{
			SegmentID: videoID + "_00000", VideoID: videoID,
			StartSeconds: 0.5, EndSeconds: 2.0,
			TranscriptRaw: "Duck and cover.", TranscriptEnriched: "duck cover shelter nuclear drill",
			TextEmbedding: testEmbedding(0.1), FramePath: "frames/000000.jpg",
			HasSpeech: true, Source: "transcript", Collection: "prelinger",
		},
		{
			SegmentID: videoID + "_00001", VideoID: videoID,
			StartSeconds: 3.0, EndSeconds: 6.5,
			TranscriptRaw: "When you see the flash, duck and cover.", TranscriptEnriched: "flash explosion warning",
			TextEmbedding: testEmbedding(0.2), FramePath: "",
			HasSpeech: true, Source: "transcript", Collection: "prelinger",
		},
	}
}

func testVideo(videoID string) media.Video {
	return media.Video{
		VideoID: videoID, Title: "Duck and Cover",
		SourceURL: "https://example.com/DuckandC1951_512kb.mp4",
		PageURL:   "https://example.com/details/DuckandC1951",
		Context:   "Cold War civil defense film", Collection: "prelinger",
		DurationSeconds: 6.5, Status: media.StatusReady,
	}
}

func writeTestArchive(t *testing.T, dir string) string {
	t.Helper()
	framesDir := filepath.Join(dir, "frames")
	require.NoError(t, os.MkdirAll(framesDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(framesDir, "000000.jpg"), []byte("fake jpeg bytes"), 0644))

	out := filepath.Join(dir, "duck_and_cover.rtt")
	require.NoError(t, Write(testVideo("duck_and_cover"), testSegments("duck_and_cover"), framesDir, out))
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := writeTestArchive(t, t.TempDir())

	video, segments, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, testVideo("duck_and_cover"), video)
	require.Equal(t, testSegments("duck_and_cover"), segments)

	frame, err := ReadFrame(path, "000000.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("fake jpeg bytes"), frame)

	_, err = ReadFrame(path, "999999.jpg")
	require.True(t, errors.IsNotFound(err))
}

func TestManifestMatchesParquetOrder(t *testing.T) {
	path := writeTestArchive(t, t.TempDir())

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	var manifestData []byte
	for _, f := range zr.File {
		if f.Name == "manifest.json" {
			rc, err := f.Open()
			require.NoError(t, err)
			buf, err := io.ReadAll(rc)
			require.NoError(t, err)
			rc.Close()
			manifestData = buf
		}
	}
	require.NotNil(t, manifestData)

	var m struct {
		VideoID  string `json:"video_id"`
		Segments []struct {
			SegmentID string `json:"segment_id"`
		} `json:"segments"`
	}
	require.NoError(t, json.Unmarshal(manifestData, &m))

	_, table, err := LoadMetadata(path)
	require.NoError(t, err)
	require.Len(t, m.Segments, len(table.Segments))
	for i := range table.Segments {
		require.Equal(t, m.Segments[i].SegmentID, table.Segments[i].SegmentID)
	}
}

func TestLoadMetadataFlatMatrix(t *testing.T) {
	path := writeTestArchive(t, t.TempDir())

	video, table, err := LoadMetadata(path)
	require.NoError(t, err)
	require.Equal(t, "duck_and_cover", video.VideoID)
	require.Equal(t, media.EmbeddingDim, table.Dim)
	require.Len(t, table.Embeddings, 2*media.EmbeddingDim)
	for i, s := range table.Segments {
		require.Nil(t, s.TextEmbedding)
		require.Equal(t, testSegments("duck_and_cover")[i].TextEmbedding, table.Row(i))
	}
}

func TestWriteRejectsBadSegments(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "bad.rtt")

	segs := testSegments("vid")
	segs[0].VideoID = "vid"
	segs[1].VideoID = "vid"

	short := make([]media.Segment, len(segs))
	copy(short, segs)
	short[1].TextEmbedding = []float32{1, 2, 3}
	err := Write(testVideo("vid"), short, "", out)
	require.True(t, errors.IsDataShape(err))

	empty := make([]media.Segment, len(segs))
	copy(empty, segs)
	empty[0].TranscriptRaw = "   "
	err = Write(testVideo("vid"), empty, "", out)
	require.True(t, errors.IsDataShape(err))

	foreign := make([]media.Segment, len(segs))
	copy(foreign, segs)
	foreign[1].VideoID = "other"
	err = Write(testVideo("vid"), foreign, "", out)
	require.True(t, errors.IsDataShape(err))

	_, statErr := os.Stat(out)
	require.True(t, os.IsNotExist(statErr), "failed writes must not leave an archive behind")
}

func TestMissingFramesDirIsFine(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "noframes.rtt")
	segs := testSegments("noframes")
	for i := range segs {
		segs[i].VideoID = "noframes"
		segs[i].SegmentID = media.SegmentID("noframes", i)
		segs[i].FramePath = ""
	}
	video := testVideo("noframes")
	video.VideoID = "noframes"
	require.NoError(t, Write(video, segs, filepath.Join(dir, "does-not-exist"), out))

	_, segments, err := Load(out)
	require.NoError(t, err)
	require.Len(t, segments, 2)
}
