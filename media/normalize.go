package media

import "strings"

// NormalizeOpts carries the tunables applied after a transcriber or subtitle
// fetch returns raw segments.
type NormalizeOpts struct {
	// A segment is merged into its predecessor when either of the two is
	// shorter than MinSegmentSecs and the gap between them is at most
	// MaxMergeGapSecs. Merging runs only when Merge is set; the pipeline sets
	// it for subtitle-sourced segments.
	MinSegmentSecs  float64
	MaxMergeGapSecs float64
	// A segment may start at most OverlapAllowanceSecs before the previous
	// segment's end; anything earlier is clamped.
	OverlapAllowanceSecs float64
	Merge                bool
}

// Normalize cleans a transcriber's output: empty texts are dropped, inverted
// time bounds are dropped, overlapping starts are clamped, subtitle cues are
// optionally merged, and segment ids are renumbered densely. The input order
// is assumed sorted by start time; textual order is preserved.
func Normalize(videoID, source string, segments []Segment, opts NormalizeOpts) []Segment {
	kept := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.TranscriptRaw)
		if text == "" {
			continue
		}
		if seg.StartSeconds >= seg.EndSeconds {
			continue
		}
		seg.TranscriptRaw = text
		kept = append(kept, seg)
	}

	for i := 1; i < len(kept); i++ {
		floor := kept[i-1].EndSeconds - opts.OverlapAllowanceSecs
		if kept[i].StartSeconds < floor {
			kept[i].StartSeconds = floor
		}
		if kept[i].StartSeconds >= kept[i].EndSeconds {
			// clamping swallowed the segment entirely, fold its text back
			kept[i-1].TranscriptRaw += " " + kept[i].TranscriptRaw
			kept[i-1].EndSeconds = maxf(kept[i-1].EndSeconds, kept[i].EndSeconds)
			kept = append(kept[:i], kept[i+1:]...)
			i--
		}
	}

	if opts.Merge {
		kept = mergeShort(kept, opts.MinSegmentSecs, opts.MaxMergeGapSecs)
	}

	for i := range kept {
		kept[i].SegmentID = SegmentID(videoID, i)
		kept[i].VideoID = videoID
		if kept[i].Source == "" {
			kept[i].Source = source
		}
		kept[i].HasSpeech = true
	}
	return kept
}

// mergeShort folds a segment into its predecessor when either is shorter than
// minDur, provided the gap between them is at most maxGap. Time bounds extend
// to cover both; texts concatenate in order.
func mergeShort(segments []Segment, minDur, maxGap float64) []Segment {
	if len(segments) == 0 {
		return segments
	}
	out := segments[:1]
	for _, seg := range segments[1:] {
		prev := &out[len(out)-1]
		gap := seg.StartSeconds - prev.EndSeconds
		short := prev.EndSeconds-prev.StartSeconds < minDur || seg.EndSeconds-seg.StartSeconds < minDur
		if short && gap <= maxGap {
			prev.TranscriptRaw += " " + seg.TranscriptRaw
			prev.EndSeconds = maxf(prev.EndSeconds, seg.EndSeconds)
			continue
		}
		out = append(out, seg)
	}
	return out
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
