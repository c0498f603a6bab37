// Package index is the in-memory vector index behind the search service.
// Archives contribute whole segment tables; merging is deferred until the
// first query. Embeddings are L2-normalized once at merge time and stored as
// half-precision floats, so scoring a query is a chunked dot product over a
// flat matrix with no per-row allocation.
package index

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/x448/float16"

	"github.com/ulyssepence/rtt/errors"
	"github.com/ulyssepence/rtt/media"
)

// scoreChunkRows bounds the working set of one scoring pass.
const scoreChunkRows = 20000

type table struct {
	segments []media.Segment
	matrix   []float32
}

// Result is one query hit. Distance is cosine distance (1 - score).
type Result struct {
	Segment  media.Segment
	Distance float64
}

type Index struct {
	mu sync.RWMutex

	tables  []table
	dim     int
	compact bool

	merged   bool
	segments []media.Segment
	half     []uint16
	byID     map[string]int

	rng *rand.Rand
}

func New() *Index {
	return &Index{
		dim: media.EmbeddingDim,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddTable hands one archive's segments and its flat row-major embedding
// matrix to the index. Adding invalidates any previous merge.
func (ix *Index) AddTable(segments []media.Segment, matrix []float32) error {
	if len(segments) == 0 {
		return nil
	}
	if len(matrix) != len(segments)*ix.dim {
		return errors.NewDataShapeError(
			"matrix has %d values for %d segments of dim %d", len(matrix), len(segments), ix.dim)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.compact {
		return errors.NewDataShapeError("index is compacted and read-only")
	}
	ix.tables = append(ix.tables, table{segments: segments, matrix: matrix})
	ix.merged = false
	return nil
}

// EnsureMerged concatenates all tables, shuffling their order first so that
// collection-filtered scans touch rows spread across the matrix instead of
// one contiguous run. Every row is L2-normalized and stored as binary16.
// The search service calls this during boot so no user request pays for it.
func (ix *Index) EnsureMerged() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ensureMergedLocked()
}

func (ix *Index) ensureMergedLocked() {
	if ix.merged {
		return
	}
	shuffled := make([]table, len(ix.tables))
	copy(shuffled, ix.tables)
	ix.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	total := 0
	for _, t := range shuffled {
		total += len(t.segments)
	}
	ix.segments = make([]media.Segment, 0, total)
	ix.half = make([]uint16, 0, total*ix.dim)
	ix.byID = make(map[string]int, total)

	for _, t := range shuffled {
		for row := range t.segments {
			vec := t.matrix[row*ix.dim : (row+1)*ix.dim]
			var norm float64
			for _, v := range vec {
				norm += float64(v) * float64(v)
			}
			scale := float32(1)
			if norm > 0 {
				scale = float32(1 / math.Sqrt(norm))
			}
			for _, v := range vec {
				ix.half = append(ix.half, float16.Fromfloat32(v*scale).Bits())
			}
			ix.byID[t.segments[row].SegmentID] = len(ix.segments)
			ix.segments = append(ix.segments, t.segments[row])
		}
	}
	ix.merged = true
}

// Compact drops the per-archive tables once merged, keeping only the merged
// state. The index is read-only afterwards.
func (ix *Index) Compact() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ensureMergedLocked()
	ix.tables = nil
	ix.compact = true
}

// dotHalf accumulates the dot product of one stored row against the query,
// decoding half-precision on the fly. Unrolled four-wide.
func dotHalf(row []uint16, q []float32) float32 {
	n := len(q)
	var sum0, sum1, sum2, sum3 float32
	i := 0
	for ; i <= n-4; i += 4 {
		sum0 += float16.Frombits(row[i]).Float32() * q[i]
		sum1 += float16.Frombits(row[i+1]).Float32() * q[i+1]
		sum2 += float16.Frombits(row[i+2]).Float32() * q[i+2]
		sum3 += float16.Frombits(row[i+3]).Float32() * q[i+3]
	}
	for ; i < n; i++ {
		sum0 += float16.Frombits(row[i]).Float32() * q[i]
	}
	return sum0 + sum1 + sum2 + sum3
}

type scoredRow struct {
	row   int
	score float32
}

// topHeap is a min-heap over scores so the worst candidate is evicted first.
type topHeap []scoredRow

func (h topHeap) Len() int            { return len(h) }
func (h topHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h topHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *topHeap) Push(x interface{}) { *h = append(*h, x.(scoredRow)) }
func (h *topHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

func collectionSet(collections []string) map[string]bool {
	if len(collections) == 0 {
		return nil
	}
	set := make(map[string]bool, len(collections))
	for _, c := range collections {
		set[c] = true
	}
	return set
}

// Closest returns the n segments nearest to query by cosine similarity,
// optionally restricted to the given collections, best first.
func (ix *Index) Closest(query []float32, n int, collections []string) []Result {
	ix.mu.Lock()
	ix.ensureMergedLocked()
	ix.mu.Unlock()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.segments) == 0 || n <= 0 || len(query) != ix.dim {
		return nil
	}

	var norm float64
	for _, v := range query {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return nil
	}
	scale := float32(1 / math.Sqrt(norm))
	q := make([]float32, len(query))
	for i, v := range query {
		q[i] = v * scale
	}

	allowed := collectionSet(collections)

	top := make(topHeap, 0, n+1)
	for chunk := 0; chunk < len(ix.segments); chunk += scoreChunkRows {
		end := chunk + scoreChunkRows
		if end > len(ix.segments) {
			end = len(ix.segments)
		}
		for row := chunk; row < end; row++ {
			if allowed != nil && !allowed[ix.segments[row].Collection] {
				continue
			}
			score := dotHalf(ix.half[row*ix.dim:(row+1)*ix.dim], q)
			if len(top) < n {
				heap.Push(&top, scoredRow{row: row, score: score})
			} else if score > top[0].score {
				top[0] = scoredRow{row: row, score: score}
				heap.Fix(&top, 0)
			}
		}
	}

	sort.Slice(top, func(i, j int) bool { return top[i].score > top[j].score })
	results := make([]Result, 0, len(top))
	for _, sr := range top {
		results = append(results, Result{
			Segment:  ix.segments[sr.row],
			Distance: 1 - float64(sr.score),
		})
	}
	return results
}

// GetSegment looks a segment up by id, returning its stored (normalized)
// embedding alongside the metadata.
func (ix *Index) GetSegment(segmentID string) (media.Segment, []float32, bool) {
	ix.mu.Lock()
	ix.ensureMergedLocked()
	ix.mu.Unlock()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	row, ok := ix.byID[segmentID]
	if !ok {
		return media.Segment{}, nil, false
	}
	vec := make([]float32, ix.dim)
	for i, bits := range ix.half[row*ix.dim : (row+1)*ix.dim] {
		vec[i] = float16.Frombits(bits).Float32()
	}
	return ix.segments[row], vec, true
}

// ListSegments pages through the index in merged row order.
func (ix *Index) ListSegments(offset, limit int, collections []string) []media.Segment {
	ix.mu.Lock()
	ix.ensureMergedLocked()
	ix.mu.Unlock()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	allowed := collectionSet(collections)
	var out []media.Segment
	skipped := 0
	for _, seg := range ix.segments {
		if allowed != nil && !allowed[seg.Collection] {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, seg)
		if len(out) == limit {
			break
		}
	}
	return out
}

// VideoSegments returns all of one video's segments in start order.
func (ix *Index) VideoSegments(videoID string) []media.Segment {
	ix.mu.Lock()
	ix.ensureMergedLocked()
	ix.mu.Unlock()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []media.Segment
	for _, seg := range ix.segments {
		if seg.VideoID == videoID {
			out = append(out, seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartSeconds < out[j].StartSeconds })
	return out
}

// Count reports the number of indexed segments, with the same filter as the
// other reads.
func (ix *Index) Count(collections []string) int {
	ix.mu.Lock()
	ix.ensureMergedLocked()
	ix.mu.Unlock()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(collections) == 0 {
		return len(ix.segments)
	}
	allowed := collectionSet(collections)
	count := 0
	for _, seg := range ix.segments {
		if allowed[seg.Collection] {
			count++
		}
	}
	return count
}
