package hnsw

import "github.com/McMonds/vector-engine/persistence"

// Stats summarizes an index for inspection and logging.
type Stats struct {
	Count          int
	Dimension      int
	M              int
	M0             int
	EFConstruction int
	MaxLevel       int
	EntryPoint     uint32

	// LevelHistogram[l] is the number of nodes whose top layer is l.
	LevelHistogram []int

	// NeighborCount is the total number of directed edges.
	NeighborCount int

	// FileSize is the mapped file length in bytes (loaded indexes
	// only; zero for builders).
	FileSize int64

	Obfuscated bool
}

// Stats returns statistics about the graph under construction.
func (b *Builder) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Count:          len(b.nodes),
		Dimension:      b.opts.Dimension,
		M:              b.maxConnectionsPerLayer,
		M0:             b.maxConnectionsLayer0,
		EFConstruction: b.opts.EFConstruction,
		MaxLevel:       max(b.maxLevel, 0),
		EntryPoint:     b.entryPoint,
	}

	s.LevelHistogram = make([]int, s.MaxLevel+1)
	for i := range b.nodes {
		s.LevelHistogram[b.nodes[i].level]++
		for _, conns := range b.nodes[i].conns {
			s.NeighborCount += len(conns)
		}
	}

	return s
}

// Stats returns statistics about the mapped index.
func (x *MmapIndex) Stats() Stats {
	s := Stats{
		Count:          int(x.hdr.Count),
		Dimension:      x.dim,
		M:              int(x.hdr.M),
		M0:             int(x.hdr.M0),
		EFConstruction: int(x.hdr.EFConstruction),
		MaxLevel:       int(x.hdr.MaxLevel),
		EntryPoint:     x.hdr.EntryPoint,
		NeighborCount:  int(x.hdr.NeighborArena.Size / 4),
		FileSize:       int64(len(x.data)),
		Obfuscated:     x.hdr.Flags&persistence.FlagObfuscated != 0,
	}

	s.LevelHistogram = make([]int, s.MaxLevel+1)
	for id := uint32(0); id < x.hdr.Count; id++ {
		level := x.nodeLevel(id)
		if level < len(s.LevelHistogram) {
			s.LevelHistogram[level]++
		}
	}

	return s
}
