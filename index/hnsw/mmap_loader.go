package hnsw

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"unsafe"

	"github.com/McMonds/vector-engine/index"
	"github.com/McMonds/vector-engine/internal/mmap"
	"github.com/McMonds/vector-engine/internal/quantization"
	"github.com/McMonds/vector-engine/internal/queue"
	"github.com/McMonds/vector-engine/internal/simd"
	"github.com/McMonds/vector-engine/internal/visited"
	"github.com/McMonds/vector-engine/persistence"
)

// MmapIndex is a read-only index backed by a memory-mapped file.
//
// The mapped bytes are never mutated, so an MmapIndex is safe for any
// number of concurrent Search callers; per-query scratch lives in a
// pool. Close releases the mapping; views must not be used afterwards.
type MmapIndex struct {
	mapping *mmap.Mapping
	data    []byte
	hdr     *persistence.Header
	dim     int

	// nodeOffsets[id] is the file offset of node id's table record.
	// Built in one linear scan at load time: records are variable
	// length, and the scan is cheaper than the mandatory CRC pass.
	nodeOffsets []uint32

	searchPool sync.Pool
}

// searchContext carries per-query scratch: the visited epoch set, both
// beam heaps, the quantized query and the f32 decode buffer. Pooled so
// the hot path performs no allocation.
type searchContext struct {
	visited    *visited.Set
	candidates *queue.PriorityQueue
	results    *queue.PriorityQueue
	query      quantization.Quantized
	vecScratch []float32
	rerank     []index.SearchResult
}

// LoadMmap memory-maps the index file at path and validates it.
//
// Validation order: platform support, header magic/version, header
// consistency against the file length, CRC32 over the body, then a
// single structural pass over the node table and neighbor arena so the
// search path can trust every id without bounds checks.
func LoadMmap(path string) (*MmapIndex, error) {
	if err := persistence.ValidatePlatform(); err != nil {
		return nil, err
	}

	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	idx, err := newMmapIndex(m)
	if err != nil {
		m.Close()
		return nil, err
	}
	return idx, nil
}

func newMmapIndex(m *mmap.Mapping) (*MmapIndex, error) {
	data := m.Bytes()

	hdr, err := persistence.DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if err := hdr.Validate(int64(len(data))); err != nil {
		return nil, err
	}

	// Fault pages in ahead of the checksum pass.
	_ = m.Advise(mmap.AccessWillNeed)
	if hdr.Flags&persistence.FlagHugePages != 0 {
		_ = m.AdviseHugePages()
	}

	if err := persistence.VerifyChecksum(data[persistence.HeaderSize:], hdr.Checksum); err != nil {
		return nil, err
	}

	idx := &MmapIndex{
		mapping: m,
		data:    data,
		hdr:     hdr,
		dim:     int(hdr.Dimension),
	}
	if err := idx.indexNodeTable(); err != nil {
		return nil, err
	}

	n := int(hdr.Count)
	dim := idx.dim
	idx.searchPool.New = func() any {
		return &searchContext{
			visited:    visited.New(n),
			candidates: queue.NewMin(int(hdr.EFConstruction)),
			results:    queue.NewMax(int(hdr.EFConstruction)),
			query:      quantization.Quantized{Codes: make([]int8, dim)},
			vecScratch: make([]float32, dim),
		}
	}

	return idx, nil
}

// indexNodeTable scans the variable-length node table once, recording
// each record's offset and checking that every record, neighbor list
// and neighbor id stays in bounds.
func (x *MmapIndex) indexNodeTable() error {
	n := int(x.hdr.Count)
	x.nodeOffsets = make([]uint32, n)

	tableEnd := x.hdr.NodeTable.End()
	neighStart := uint64(x.hdr.NeighborArena.Offset)
	neighEnd := x.hdr.NeighborArena.End()

	pos := uint64(x.hdr.NodeTable.Offset)
	for id := 0; id < n; id++ {
		if pos+5 > tableEnd {
			return fmt.Errorf("%w: node table truncated at id %d", persistence.ErrFormat, id)
		}
		x.nodeOffsets[id] = uint32(pos)

		level := int(x.data[pos])
		neighborOff := uint64(binary.LittleEndian.Uint32(x.data[pos+1:]))
		recSize := uint64(nodeRecordSize(level))
		if pos+recSize > tableEnd {
			return fmt.Errorf("%w: node record %d exceeds table", persistence.ErrFormat, id)
		}

		var total uint64
		for layer := 0; layer <= level; layer++ {
			total += uint64(binary.LittleEndian.Uint16(x.data[pos+5+uint64(layer)*2:]))
		}
		if neighborOff < neighStart || neighborOff+total*4 > neighEnd {
			return fmt.Errorf("%w: neighbor list of node %d out of bounds", persistence.ErrFormat, id)
		}

		pos += recSize
	}
	if pos != tableEnd {
		return fmt.Errorf("%w: node table has %d trailing bytes", persistence.ErrFormat, tableEnd-pos)
	}

	// One pass over the neighbor arena: every id must refer to a node.
	// After this, the searcher indexes without bounds checks.
	arena := x.data[x.hdr.NeighborArena.Offset:neighEnd]
	for i := 0; i+4 <= len(arena); i += 4 {
		if binary.LittleEndian.Uint32(arena[i:]) >= uint32(n) {
			return fmt.Errorf("%w: neighbor id out of range at arena offset %d", persistence.ErrFormat, i)
		}
	}

	return nil
}

// Close releases the mapping. Not safe to call while searches are in
// flight.
func (x *MmapIndex) Close() error {
	return x.mapping.Close()
}

// Len returns the number of vectors in the index.
func (x *MmapIndex) Len() int { return int(x.hdr.Count) }

// Dim returns the vector dimension.
func (x *MmapIndex) Dim() int { return x.dim }

// Header returns the decoded file header.
func (x *MmapIndex) Header() persistence.Header { return *x.hdr }

// nodeLevel returns the highest layer node id appears on.
func (x *MmapIndex) nodeLevel(id uint32) int {
	return int(x.data[x.nodeOffsets[id]])
}

// neighbors returns the neighbor ids of id on the given layer as a
// zero-copy view into the neighbor arena.
func (x *MmapIndex) neighbors(id uint32, layer int) []uint32 {
	rec := x.nodeOffsets[id]
	level := int(x.data[rec])
	if layer > level {
		return nil
	}

	start := uint64(binary.LittleEndian.Uint32(x.data[rec+1:]))
	counts := rec + 5
	for l := 0; l < layer; l++ {
		start += uint64(binary.LittleEndian.Uint16(x.data[counts+uint32(l)*2:])) * 4
	}
	count := int(binary.LittleEndian.Uint16(x.data[counts+uint32(layer)*2:]))
	if count == 0 {
		return nil
	}

	return unsafe.Slice((*uint32)(unsafe.Pointer(&x.data[start])), count)
}

// quantView returns the quantized codes, norm and scale of a vector as
// views into the quantized arena.
func (x *MmapIndex) quantView(id uint32) (codes []int8, norm, scale float32) {
	stride := quantStride(x.dim)
	off := int(x.hdr.QuantArena.Offset) + int(id)*stride
	codes = unsafe.Slice((*int8)(unsafe.Pointer(&x.data[off])), x.dim)
	norm = math.Float32frombits(binary.LittleEndian.Uint32(x.data[off+x.dim:]))
	scale = math.Float32frombits(binary.LittleEndian.Uint32(x.data[off+x.dim+4:]))
	return codes, norm, scale
}

// quantDist computes the rank-preserving surrogate distance between
// the quantized query and stored vector id.
func (x *MmapIndex) quantDist(q *quantization.Quantized, id uint32) float32 {
	codes, norm, scale := x.quantView(id)
	dot := simd.DotInt8(q.Codes, codes)
	return quantization.ApproxSquaredL2FromDot(dot, q.Scale, scale, q.Norm, norm)
}

// decodeVector XOR-decodes the full-precision vector id into dst.
// dst must have length Dim.
func (x *MmapIndex) decodeVector(id uint32, dst []float32) {
	key := x.hdr.ObfuscationKey
	if x.hdr.Flags&persistence.FlagObfuscated == 0 {
		key = 0
	}

	off := int(x.hdr.Float32Arena.Offset) + int(id)*x.dim*4
	src := x.data[off : off+x.dim*4]

	i := 0
	for ; i+8 <= len(src); i += 8 {
		u := binary.LittleEndian.Uint64(src[i:]) ^ key
		dst[i/4] = math.Float32frombits(uint32(u))
		dst[i/4+1] = math.Float32frombits(uint32(u >> 32))
	}
	if i < len(src) {
		// Odd dimension: the final 4 bytes pair with the key's low half.
		u := binary.LittleEndian.Uint32(src[i:]) ^ uint32(key)
		dst[i/4] = math.Float32frombits(u)
	}
}

// Search returns the k nearest vectors to query, with ef as the beam
// width of the coarse stage (ef >= k).
//
// Stage 1 traverses the graph over the quantized arena; stage 2
// reranks the ef survivors with exact f32 distances. Results are
// sorted by exact distance, ties broken by smaller id.
func (x *MmapIndex) Search(query []float32, k, ef int) ([]index.SearchResult, error) {
	if err := index.ValidateSearchArgs(x.dim, len(query), k, ef); err != nil {
		return nil, err
	}
	if x.hdr.Count == 0 {
		return nil, nil
	}

	ctx := x.searchPool.Get().(*searchContext)
	defer x.searchPool.Put(ctx)

	quantization.QuantizeInto(query, &ctx.query)

	// Stage 1: coarse traversal.
	results := x.coarseSearch(ctx, ef)

	// Stage 2: exact rerank over the f32 arena.
	candidates := results.Items()
	if cap(ctx.rerank) < len(candidates) {
		ctx.rerank = make([]index.SearchResult, 0, max(len(candidates), ef))
	}
	reranked := ctx.rerank[:0]
	for _, cand := range candidates {
		x.decodeVector(cand.Node, ctx.vecScratch)
		reranked = append(reranked, index.SearchResult{
			ID:       cand.Node,
			Distance: simd.SquaredL2(query, ctx.vecScratch),
		})
	}
	ctx.rerank = reranked

	sort.Slice(reranked, func(i, j int) bool {
		if reranked[i].Distance != reranked[j].Distance {
			return reranked[i].Distance < reranked[j].Distance
		}
		return reranked[i].ID < reranked[j].ID
	})

	if len(reranked) > k {
		reranked = reranked[:k]
	}
	out := make([]index.SearchResult, len(reranked))
	copy(out, reranked)
	return out, nil
}

// coarseSearch descends the graph with beam width 1 to layer 1, then
// runs the ef-wide beam on layer 0, all over quantized distances.
// The returned heap belongs to ctx.
func (x *MmapIndex) coarseSearch(ctx *searchContext, ef int) *queue.PriorityQueue {
	currID := x.hdr.EntryPoint
	currDist := x.quantDist(&ctx.query, currID)

	for layer := int(x.hdr.MaxLevel); layer >= 1; layer-- {
		for changed := true; changed; {
			changed = false
			for _, nextID := range x.neighbors(currID, layer) {
				nextDist := x.quantDist(&ctx.query, nextID)
				if nextDist < currDist || (nextDist == currDist && nextID < currID) {
					currID = nextID
					currDist = nextDist
					changed = true
				}
			}
		}
	}

	ctx.visited.EnsureCapacity(int(x.hdr.Count))
	ctx.visited.NextEpoch()

	candidates := ctx.candidates
	candidates.Reset()
	results := ctx.results
	results.Reset()

	ctx.visited.Visit(currID)
	candidates.PushItem(queue.PriorityQueueItem{Node: currID, Distance: currDist})
	results.PushItem(queue.PriorityQueueItem{Node: currID, Distance: currDist})

	for candidates.Len() > 0 {
		curr, _ := candidates.PopItem()

		if worst, ok := results.TopItem(); ok {
			if curr.Distance > worst.Distance && results.Len() >= ef {
				break
			}
		}

		for _, nextID := range x.neighbors(curr.Node, 0) {
			if ctx.visited.Visited(nextID) {
				continue
			}
			ctx.visited.Visit(nextID)

			nextDist := x.quantDist(&ctx.query, nextID)

			if results.Len() >= ef {
				worst, _ := results.TopItem()
				if nextDist > worst.Distance {
					continue
				}
			}

			candidates.PushItem(queue.PriorityQueueItem{Node: nextID, Distance: nextDist})
			results.PushItem(queue.PriorityQueueItem{Node: nextID, Distance: nextDist})
			if results.Len() > ef {
				_, _ = results.PopItem()
			}
		}
	}

	return results
}

// BruteSearch returns the exact k nearest vectors by scanning the f32
// arena. Linear in N; used for ground truth during calibration and in
// tests, not as a serving path.
func (x *MmapIndex) BruteSearch(query []float32, k int) ([]index.SearchResult, error) {
	if err := index.ValidateSearchArgs(x.dim, len(query), k, k); err != nil {
		return nil, err
	}

	top := queue.NewMax(k)
	scratch := make([]float32, x.dim)

	for id := uint32(0); id < x.hdr.Count; id++ {
		x.decodeVector(id, scratch)
		d := simd.SquaredL2(query, scratch)

		if top.Len() < k {
			top.PushItem(queue.PriorityQueueItem{Node: id, Distance: d})
			continue
		}
		worst, _ := top.TopItem()
		if d < worst.Distance || (d == worst.Distance && id < worst.Node) {
			_, _ = top.PopItem()
			top.PushItem(queue.PriorityQueueItem{Node: id, Distance: d})
		}
	}

	out := make([]index.SearchResult, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		item, _ := top.PopItem()
		out[i] = index.SearchResult{ID: item.Node, Distance: item.Distance}
	}
	return out, nil
}
