package index

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/media"
)

// unitVector builds an embedding pointing mostly along the given axis, so
// cosine ranking is predictable.
func unitVector(axis int) []float32 {
	vec := make([]float32, media.EmbeddingDim)
	for i := range vec {
		vec[i] = 0.01
	}
	vec[axis] = 1
	return vec
}

func buildTable(videoID, collection string, axes ...int) ([]media.Segment, []float32) {
	segments := make([]media.Segment, 0, len(axes))
	matrix := make([]float32, 0, len(axes)*media.EmbeddingDim)
	for i, axis := range axes {
		segments = append(segments, media.Segment{
			SegmentID:     media.SegmentID(videoID, i),
			VideoID:       videoID,
			StartSeconds:  float64(i * 10),
			EndSeconds:    float64(i*10 + 5),
			TranscriptRaw: fmt.Sprintf("segment %d of %s", i, videoID),
			HasSpeech:     true,
			Source:        "transcript",
			Collection:    collection,
		})
		matrix = append(matrix, unitVector(axis)...)
	}
	return segments, matrix
}

func testIndex(t *testing.T) *Index {
	t.Helper()
	ix := New()
	segsA, matA := buildTable("vid_a", "prelinger", 0, 1, 2)
	segsB, matB := buildTable("vid_b", "youtube", 3, 4)
	require.NoError(t, ix.AddTable(segsA, matA))
	require.NoError(t, ix.AddTable(segsB, matB))
	return ix
}

func TestClosestExactMatchFirst(t *testing.T) {
	ix := testIndex(t)
	results := ix.Closest(unitVector(1), 3, nil)
	require.Len(t, results, 3)
	require.Equal(t, "vid_a_00001", results[0].Segment.SegmentID)
	require.LessOrEqual(t, results[0].Distance, 0.01)
	// sorted by ascending distance
	for i := 1; i < len(results); i++ {
		require.GreaterOrEqual(t, results[i].Distance, results[i-1].Distance)
	}
}

func TestClosestRankingWithDecoys(t *testing.T) {
	ix := New()
	real, realMat := buildTable("etiquette", "", 10, 11, 12)
	decoys, decoyMat := buildTable("decoys", "", 100, 200, 300)
	require.NoError(t, ix.AddTable(real, realMat))
	require.NoError(t, ix.AddTable(decoys, decoyMat))

	// queries land near the real video's axes, not the decoys'
	for _, axis := range []int{10, 11, 12} {
		query := unitVector(axis)
		query[axis+1] = 0.3 // perturb: a near-but-not-exact query
		results := ix.Closest(query, 1, nil)
		require.Len(t, results, 1)
		require.Equal(t, "etiquette", results[0].Segment.VideoID, "axis %d", axis)
	}
}

func TestClosestCollectionFilter(t *testing.T) {
	ix := testIndex(t)
	results := ix.Closest(unitVector(3), 10, []string{"prelinger"})
	require.NotEmpty(t, results)
	for _, r := range results {
		require.Equal(t, "prelinger", r.Segment.Collection)
	}
	// at most n rows even though more match
	require.Len(t, ix.Closest(unitVector(0), 2, []string{"prelinger"}), 2)
	// filter excluding everything yields nothing
	require.Empty(t, ix.Closest(unitVector(0), 5, []string{"nope"}))
}

func TestClosestZeroQuery(t *testing.T) {
	ix := testIndex(t)
	require.Empty(t, ix.Closest(make([]float32, media.EmbeddingDim), 5, nil))
}

func TestClosestWrongDimQuery(t *testing.T) {
	ix := testIndex(t)
	require.Empty(t, ix.Closest([]float32{1, 2, 3}, 5, nil))
}

func TestGetSegment(t *testing.T) {
	ix := testIndex(t)
	seg, vec, ok := ix.GetSegment("vid_b_00001")
	require.True(t, ok)
	require.Equal(t, "vid_b", seg.VideoID)
	require.Len(t, vec, media.EmbeddingDim)

	// stored vectors are normalized
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	require.InDelta(t, 1.0, math.Sqrt(norm), 0.01)

	// and similar-search with it puts the segment itself first
	results := ix.Closest(vec, 1, nil)
	require.Equal(t, "vid_b_00001", results[0].Segment.SegmentID)

	_, _, ok = ix.GetSegment("nonexistent")
	require.False(t, ok)
}

func TestCountMatchesListSegments(t *testing.T) {
	ix := testIndex(t)
	for _, collections := range [][]string{nil, {"prelinger"}, {"youtube"}, {"prelinger", "youtube"}, {"missing"}} {
		total := ix.Count(collections)
		listed := ix.ListSegments(0, total+10, collections)
		require.Len(t, listed, total, "collections %v", collections)
	}
}

func TestListSegmentsPagination(t *testing.T) {
	ix := testIndex(t)
	all := ix.ListSegments(0, 100, nil)
	require.Len(t, all, 5)

	page1 := ix.ListSegments(0, 2, nil)
	page2 := ix.ListSegments(2, 2, nil)
	page3 := ix.ListSegments(4, 2, nil)
	require.Len(t, page1, 2)
	require.Len(t, page2, 2)
	require.Len(t, page3, 1)
	require.Equal(t, all[2].SegmentID, page2[0].SegmentID)
	require.Empty(t, ix.ListSegments(50, 10, nil))
}

func TestVideoSegmentsSorted(t *testing.T) {
	ix := testIndex(t)
	segs := ix.VideoSegments("vid_a")
	require.Len(t, segs, 3)
	for i := 1; i < len(segs); i++ {
		require.Less(t, segs[i-1].StartSeconds, segs[i].StartSeconds)
	}
	require.Empty(t, ix.VideoSegments("missing"))
}

func TestCompactKeepsAnswering(t *testing.T) {
	ix := testIndex(t)
	before := ix.Count(nil)
	ix.Compact()
	require.Equal(t, before, ix.Count(nil))
	require.NotEmpty(t, ix.Closest(unitVector(0), 1, nil))

	segs, mat := buildTable("late", "", 5)
	err := ix.AddTable(segs, mat)
	require.True(t, errors.IsDataShape(err))
}

func TestAddTableValidatesShape(t *testing.T) {
	ix := New()
	segs, _ := buildTable("vid", "", 0, 1)
	err := ix.AddTable(segs, make([]float32, 17))
	require.True(t, errors.IsDataShape(err))
	require.NoError(t, ix.AddTable(nil, nil))
}
