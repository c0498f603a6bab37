// Package archive reads and writes the self-contained .rtt container: a zip
// holding manifest.json, segments.parquet and zero or more frames/NNNNNN.jpg
// stills. Any zip + parquet reader can open the file without bespoke code.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/media"
)

const (
	manifestEntry = "manifest.json"
	parquetEntry  = "segments.parquet"
	framesPrefix  = "frames/"
)

type segmentRow struct {
	SegmentID          string    `parquet:"segment_id"`
	VideoID            string    `parquet:"video_id"`
	StartSeconds       float64   `parquet:"start_seconds"`
	EndSeconds         float64   `parquet:"end_seconds"`
	TranscriptRaw      string    `parquet:"transcript_raw"`
	TranscriptEnriched string    `parquet:"transcript_enriched"`
	TextEmbedding      []float32 `parquet:"text_embedding"`
	FramePath          string    `parquet:"frame_path"`
	HasSpeech          bool      `parquet:"has_speech"`
	Source             string    `parquet:"source"`
	Collection         string    `parquet:"collection"`
}

type manifestSegment struct {
	SegmentID          string  `json:"segment_id"`
	StartSeconds       float64 `json:"start_seconds"`
	EndSeconds         float64 `json:"end_seconds"`
	Source             string  `json:"source"`
	TranscriptRaw      string  `json:"transcript_raw"`
	TranscriptEnriched string  `json:"transcript_enriched"`
	FramePath          string  `json:"frame_path"`
	HasSpeech          bool    `json:"has_speech"`
}

type manifest struct {
	VideoID         string            `json:"video_id"`
	Status          media.Status      `json:"status"`
	Title           string            `json:"title"`
	SourceURL       string            `json:"source_url,omitempty"`
	PageURL         string            `json:"page_url,omitempty"`
	Context         string            `json:"context"`
	Collection      string            `json:"collection,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	Segments        []manifestSegment `json:"segments"`
}

// SegmentTable is the metadata-only view of one archive: segment rows with
// their embeddings stripped, plus the embedding matrix as a single flat
// row-major allocation. This is the low-memory shape the search service loads.
type SegmentTable struct {
	Segments   []media.Segment
	Embeddings []float32
	Dim        int
}

// Row returns the i-th row's embedding without copying.
func (t *SegmentTable) Row(i int) []float32 {
	return t.Embeddings[i*t.Dim : (i+1)*t.Dim]
}

// Write produces the archive at outputPath. The manifest segment order and
// the parquet row order are both the order of the segments argument. Frames
// found in framesDir are included; segments pointing at frames that do not
// exist keep an empty frame_path. The file appears atomically.
func Write(video media.Video, segments []media.Segment, framesDir, outputPath string) error {
	rows := make([]segmentRow, 0, len(segments))
	manifestSegments := make([]manifestSegment, 0, len(segments))
	for _, s := range segments {
		if strings.TrimSpace(s.TranscriptRaw) == "" {
			return errors.NewDataShapeError("segment %s has an empty transcript", s.SegmentID)
		}
		if len(s.TextEmbedding) != media.EmbeddingDim {
			return errors.NewDataShapeError("segment %s embedding has dim %d, want %d", s.SegmentID, len(s.TextEmbedding), media.EmbeddingDim)
		}
		if s.VideoID != video.VideoID {
			return errors.NewDataShapeError("segment %s belongs to video %s, archive is %s", s.SegmentID, s.VideoID, video.VideoID)
		}
		rows = append(rows, segmentRow{
			SegmentID:          s.SegmentID,
			VideoID:            s.VideoID,
			StartSeconds:       s.StartSeconds,
			EndSeconds:         s.EndSeconds,
			TranscriptRaw:      s.TranscriptRaw,
			TranscriptEnriched: s.TranscriptEnriched,
			TextEmbedding:      s.TextEmbedding,
			FramePath:          s.FramePath,
			HasSpeech:          s.HasSpeech,
			Source:             s.Source,
			Collection:         s.Collection,
		})
		manifestSegments = append(manifestSegments, manifestSegment{
			SegmentID:          s.SegmentID,
			StartSeconds:       s.StartSeconds,
			EndSeconds:         s.EndSeconds,
			Source:             s.Source,
			TranscriptRaw:      s.TranscriptRaw,
			TranscriptEnriched: s.TranscriptEnriched,
			FramePath:          s.FramePath,
			HasSpeech:          s.HasSpeech,
		})
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), filepath.Base(outputPath)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := writeZip(tmp, video, manifestSegments, rows, framesDir); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), outputPath)
}

func writeZip(w io.Writer, video media.Video, manifestSegments []manifestSegment, rows []segmentRow, framesDir string) error {
	zw := zip.NewWriter(w)

	m := manifest{
		VideoID:         video.VideoID,
		Status:          media.StatusReady,
		Title:           video.Title,
		SourceURL:       video.SourceURL,
		PageURL:         video.PageURL,
		Context:         video.Context,
		Collection:      video.Collection,
		DurationSeconds: video.DurationSeconds,
		Segments:        manifestSegments,
	}
	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	entry, err := zw.Create(manifestEntry)
	if err != nil {
		return err
	}
	if _, err := entry.Write(manifestJSON); err != nil {
		return err
	}

	var parquetBuf bytes.Buffer
	pw := parquet.NewGenericWriter[segmentRow](&parquetBuf)
	if len(rows) > 0 {
		if _, err := pw.Write(rows); err != nil {
			return fmt.Errorf("writing parquet rows: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	entry, err = zw.Create(parquetEntry)
	if err != nil {
		return err
	}
	if _, err := entry.Write(parquetBuf.Bytes()); err != nil {
		return err
	}

	if framesDir != "" {
		if err := addFrames(zw, framesDir); err != nil {
			return err
		}
	}
	return zw.Close()
}

func addFrames(zw *zip.Writer, framesDir string) error {
	dirEntries, err := os.ReadDir(framesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	names := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jpg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(framesDir, name))
		if err != nil {
			return err
		}
		entry, err := zw.Create(framesPrefix + name)
		if err != nil {
			return err
		}
		if _, err := entry.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func readEntry(zr *zip.ReadCloser, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, errors.NewNotFoundError("archive entry %s not found", name)
}

func readManifest(zr *zip.ReadCloser) (media.Video, error) {
	data, err := readEntry(zr, manifestEntry)
	if err != nil {
		return media.Video{}, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return media.Video{}, fmt.Errorf("malformed manifest: %w", err)
	}
	return media.Video{
		VideoID:         m.VideoID,
		Title:           m.Title,
		SourceURL:       m.SourceURL,
		PageURL:         m.PageURL,
		Context:         m.Context,
		Collection:      m.Collection,
		DurationSeconds: m.DurationSeconds,
		Status:          m.Status,
	}, nil
}

func readRows(zr *zip.ReadCloser) ([]segmentRow, error) {
	data, err := readEntry(zr, parquetEntry)
	if err != nil {
		return nil, err
	}
	rows, err := parquet.Read[segmentRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("reading parquet table: %w", err)
	}
	return rows, nil
}

func rowSegment(r segmentRow) media.Segment {
	return media.Segment{
		SegmentID:          r.SegmentID,
		VideoID:            r.VideoID,
		StartSeconds:       r.StartSeconds,
		EndSeconds:         r.EndSeconds,
		TranscriptRaw:      r.TranscriptRaw,
		TranscriptEnriched: r.TranscriptEnriched,
		FramePath:          r.FramePath,
		HasSpeech:          r.HasSpeech,
		Source:             r.Source,
		Collection:         r.Collection,
	}
}

// Load opens an archive fully, embeddings included.
func Load(path string) (media.Video, []media.Segment, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return media.Video{}, nil, err
	}
	defer zr.Close()

	video, err := readManifest(zr)
	if err != nil {
		return media.Video{}, nil, err
	}
	rows, err := readRows(zr)
	if err != nil {
		return media.Video{}, nil, err
	}
	segments := make([]media.Segment, 0, len(rows))
	for _, r := range rows {
		s := rowSegment(r)
		s.TextEmbedding = r.TextEmbedding
		segments = append(segments, s)
	}
	return video, segments, nil
}

// LoadMetadata opens an archive without building per-segment embedding
// slices: the embedding column lands in one flat matrix inside the returned
// table. Mixed embedding widths are a DataShapeError.
func LoadMetadata(path string) (media.Video, *SegmentTable, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return media.Video{}, nil, err
	}
	defer zr.Close()

	video, err := readManifest(zr)
	if err != nil {
		return media.Video{}, nil, err
	}
	rows, err := readRows(zr)
	if err != nil {
		return media.Video{}, nil, err
	}

	table := &SegmentTable{Segments: make([]media.Segment, 0, len(rows))}
	if len(rows) > 0 {
		table.Dim = len(rows[0].TextEmbedding)
		table.Embeddings = make([]float32, 0, len(rows)*table.Dim)
	}
	for _, r := range rows {
		if len(r.TextEmbedding) != table.Dim {
			return media.Video{}, nil, errors.NewDataShapeError(
				"segment %s embedding has dim %d, table has %d", r.SegmentID, len(r.TextEmbedding), table.Dim)
		}
		table.Segments = append(table.Segments, rowSegment(r))
		table.Embeddings = append(table.Embeddings, r.TextEmbedding...)
	}
	return video, table, nil
}

// ReadFrame returns one JPEG still by its basename inside frames/.
func ReadFrame(path, name string) ([]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readEntry(zr, framesPrefix+name)
}
