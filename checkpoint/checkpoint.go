package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/ulyssepence/rtt/media"
)

// SegmentRecord is the persisted form of a transcribed segment.
type SegmentRecord struct {
	SegmentID string  `json:"segment_id" mapstructure:"segment_id"`
	Start     float64 `json:"start" mapstructure:"start"`
	End       float64 `json:"end" mapstructure:"end"`
	Text      string  `json:"text" mapstructure:"text"`
}

// Checkpoint is the per-video resume record. Which fields are populated
// depends on Status: segments exist from transcribed onwards, enriched from
// enriched onwards, embeddings from embedded onwards.
type Checkpoint struct {
	Status           media.Status    `mapstructure:"status"`
	Segments         []SegmentRecord `mapstructure:"segments"`
	Enriched         []string        `mapstructure:"enriched"`
	Embeddings       [][]float32     `mapstructure:"embeddings"`
	TranscriptSource string          `mapstructure:"transcript_source"`
}

// MarshalJSON writes only the fields valid at the checkpoint's stage.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"status": c.Status}
	if c.Status.After(media.StatusDownloaded) {
		out["segments"] = c.Segments
		if c.TranscriptSource != "" {
			out["transcript_source"] = c.TranscriptSource
		}
	}
	if c.Status.After(media.StatusTranscribed) && c.Enriched != nil {
		out["enriched"] = c.Enriched
	}
	if c.Status.After(media.StatusEnriched) && c.Embeddings != nil {
		out["embeddings"] = c.Embeddings
	}
	return json.MarshalIndent(out, "", "  ")
}

// decode reads a checkpoint from its generic JSON form, keyed by the status
// discriminator. Fields not valid at the recorded stage are discarded.
func decode(raw map[string]interface{}) (Checkpoint, error) {
	var cp Checkpoint
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cp,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Checkpoint{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Checkpoint{}, fmt.Errorf("malformed checkpoint: %w", err)
	}
	if !cp.Status.IsValid() {
		return Checkpoint{}, fmt.Errorf("malformed checkpoint: unknown status %q", cp.Status)
	}
	if !cp.Status.After(media.StatusDownloaded) {
		cp.Segments = nil
		cp.TranscriptSource = ""
	}
	if !cp.Status.After(media.StatusTranscribed) {
		cp.Enriched = nil
	}
	if !cp.Status.After(media.StatusEnriched) {
		cp.Embeddings = nil
	}
	return cp, nil
}

// Hydrate rebuilds the in-memory segment list from the persisted record,
// applying enriched texts and embeddings as far as the checkpoint carries
// them.
func (c Checkpoint) Hydrate(videoID string) []media.Segment {
	segments := make([]media.Segment, 0, len(c.Segments))
	for _, r := range c.Segments {
		segments = append(segments, media.Segment{
			SegmentID:     r.SegmentID,
			VideoID:       videoID,
			StartSeconds:  r.Start,
			EndSeconds:    r.End,
			TranscriptRaw: r.Text,
			HasSpeech:     true,
			Source:        "transcript",
		})
	}
	if c.TranscriptSource != "" {
		for i := range segments {
			segments[i].Source = c.TranscriptSource
		}
	}
	for i := range c.Enriched {
		if i < len(segments) {
			segments[i].TranscriptEnriched = c.Enriched[i]
		}
	}
	for i := range c.Embeddings {
		if i < len(segments) {
			segments[i].TextEmbedding = c.Embeddings[i]
		}
	}
	return segments
}

// Records converts a segment list into persisted form.
func Records(segments []media.Segment) []SegmentRecord {
	records := make([]SegmentRecord, 0, len(segments))
	for _, s := range segments {
		records = append(records, SegmentRecord{
			SegmentID: s.SegmentID,
			Start:     s.StartSeconds,
			End:       s.EndSeconds,
			Text:      s.TranscriptRaw,
		})
	}
	return records
}

// Store keeps one checkpoint file per video id beside the output directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Path(videoID string) string {
	return filepath.Join(s.dir, videoID+".rtt.json")
}

// FramesDir is the scratch directory for extracted frames, removed together
// with the checkpoint.
func (s *Store) FramesDir(videoID string) string {
	return filepath.Join(s.dir, videoID+".frames")
}

// Load returns the persisted checkpoint, or a fresh one with status "new"
// when no file exists.
func (s *Store) Load(videoID string) (Checkpoint, error) {
	data, err := os.ReadFile(s.Path(videoID))
	if os.IsNotExist(err) {
		return Checkpoint{Status: media.StatusNew}, nil
	}
	if err != nil {
		return Checkpoint{}, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Checkpoint{}, fmt.Errorf("malformed checkpoint %s: %w", s.Path(videoID), err)
	}
	return decode(raw)
}

// Save writes the checkpoint with an atomic replace so a crash mid-write
// never leaves a torn file.
func (s *Store) Save(videoID string, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, videoID+".rtt.json.tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.Path(videoID))
}

// Clear removes the checkpoint and the frames scratch directory after the
// archive has been emitted.
func (s *Store) Clear(videoID string) error {
	if err := os.Remove(s.Path(videoID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(s.FramesDir(videoID))
}
