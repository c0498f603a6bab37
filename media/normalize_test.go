package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// The merge thresholds documented here are the ones the pipeline runs with:
// cues under 1s merge across gaps up to 0.5s.
var testOpts = NormalizeOpts{
	MinSegmentSecs:       1.0,
	MaxMergeGapSecs:      0.5,
	OverlapAllowanceSecs: 0.05,
}

func seg(start, end float64, text string) Segment {
	return Segment{StartSeconds: start, EndSeconds: end, TranscriptRaw: text}
}

func TestNormalizeDropsEmptyAndInverted(t *testing.T) {
	in := []Segment{
		seg(0, 1.5, "  "),
		seg(2, 3.5, "keep me"),
		seg(5, 4, "inverted"),
		seg(6, 8, " trimmed \n"),
	}
	out := Normalize("vid", "transcript", in, testOpts)
	require.Len(t, out, 2)
	require.Equal(t, "keep me", out[0].TranscriptRaw)
	require.Equal(t, "trimmed", out[1].TranscriptRaw)
}

func TestNormalizeRenumbersDensely(t *testing.T) {
	in := []Segment{
		seg(0, 1.5, "one"),
		seg(2, 3, ""),
		seg(4, 5.5, "two"),
	}
	out := Normalize("vid", "transcript", in, testOpts)
	require.Len(t, out, 2)
	require.Equal(t, "vid_00000", out[0].SegmentID)
	require.Equal(t, "vid_00001", out[1].SegmentID)
	for _, s := range out {
		require.Equal(t, "vid", s.VideoID)
		require.Equal(t, "transcript", s.Source)
		require.True(t, s.HasSpeech)
	}
}

func TestNormalizeClampsOverlap(t *testing.T) {
	in := []Segment{
		seg(0, 5, "first"),
		seg(3, 8, "overlaps a lot"),
	}
	out := Normalize("vid", "transcript", in, testOpts)
	require.Len(t, out, 2)
	require.InDelta(t, 4.95, out[1].StartSeconds, 1e-9)
	require.Less(t, out[1].StartSeconds, out[1].EndSeconds)
}

func TestNormalizeMergesShortSubtitleCues(t *testing.T) {
	in := []Segment{
		seg(0, 0.6, "short"),
		seg(0.7, 1.2, "cues"),
		seg(5, 9, "a long standalone cue well clear of the rest"),
	}
	opts := testOpts
	opts.Merge = true
	out := Normalize("vid", "subtitles", in, opts)
	require.Len(t, out, 2)
	require.Equal(t, "short cues", out[0].TranscriptRaw)
	require.Equal(t, 0.0, out[0].StartSeconds)
	require.InDelta(t, 1.2, out[0].EndSeconds, 1e-9)
	require.Equal(t, "vid_00001", out[1].SegmentID)
}

func TestNormalizeNoMergeAcrossLargeGap(t *testing.T) {
	in := []Segment{
		seg(0, 0.5, "short"),
		seg(3, 3.4, "far away"),
	}
	opts := testOpts
	opts.Merge = true
	out := Normalize("vid", "subtitles", in, opts)
	require.Len(t, out, 2)
}

func TestStatusOrdering(t *testing.T) {
	require.True(t, StatusTranscribed.After(StatusNew))
	require.True(t, StatusReady.After(StatusEmbedded))
	require.False(t, StatusNew.After(StatusNew))
	require.False(t, StatusEnriched.After(StatusEmbedded))
	require.True(t, StatusDownloaded.IsValid())
	require.False(t, Status("bogus").IsValid())
}

func TestSegmentID(t *testing.T) {
	require.Equal(t, "duck_and_cover_00007", SegmentID("duck_and_cover", 7))
}
