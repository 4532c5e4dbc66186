package hnsw

import (
	"github.com/McMonds/vector-engine/persistence"
)

// The on-disk file mirrors the in-memory graph, in this order:
//
//	[ header ]
//	[ quantized arena: N x (D int8 codes, f32 norm, f32 scale) ]
//	[ f32 arena:       N x D float32, XOR-obfuscated ]
//	[ node table:      N x (level u8, neighbor off u32, counts u16[level+1]) ]
//	[ neighbor arena:  flat u32 ids, layers of a node contiguous ascending ]
//
// Arenas are padded to 32-byte boundaries so vector rows can be loaded
// with aligned 256-bit reads. Node-table records are variable length;
// the loader indexes them with a single linear scan at open time.

// quantStride returns the per-vector byte stride in the quantized
// arena: D code bytes followed by f32 norm and f32 scale.
func quantStride(dim int) int {
	return dim + 8
}

// nodeRecordSize returns the size of one node-table record.
func nodeRecordSize(level int) int {
	return 1 + 4 + 2*(level+1)
}

// fileLayout fixes every section of the output file.
type fileLayout struct {
	quant    persistence.Section
	f32      persistence.Section
	nodes    persistence.Section
	neighbor persistence.Section
}

// computeLayout walks the graph once and places all sections.
// Caller holds the builder lock.
func (b *Builder) computeLayout() fileLayout {
	n := uint64(len(b.nodes))
	d := uint64(b.opts.Dimension)

	var nodeTableSize uint64
	var neighborCount uint64
	for i := range b.nodes {
		nodeTableSize += uint64(nodeRecordSize(b.nodes[i].level))
		for _, conns := range b.nodes[i].conns {
			neighborCount += uint64(len(conns))
		}
	}

	quantOff := persistence.Align(persistence.HeaderSize)
	quantSize := n * uint64(quantStride(int(d)))
	f32Off := persistence.Align(quantOff + quantSize)
	f32Size := n * d * 4
	nodeOff := persistence.Align(f32Off + f32Size)
	neighOff := persistence.Align(nodeOff + nodeTableSize)
	neighSize := neighborCount * 4

	return fileLayout{
		quant:    persistence.Section{Offset: uint32(quantOff), Size: uint32(quantSize)},
		f32:      persistence.Section{Offset: uint32(f32Off), Size: uint32(f32Size)},
		nodes:    persistence.Section{Offset: uint32(nodeOff), Size: uint32(nodeTableSize)},
		neighbor: persistence.Section{Offset: uint32(neighOff), Size: uint32(neighSize)},
	}
}

// header assembles the file header for the current graph state.
// Checksum is left zero; the serializer patches it after the body is
// written.
func (b *Builder) header(l fileLayout, key uint64) *persistence.Header {
	maxLevel := b.maxLevel
	if maxLevel < 0 {
		maxLevel = 0
	}

	flags := uint32(persistence.FlagObfuscated)
	if b.opts.HugePages {
		flags |= persistence.FlagHugePages
	}

	return &persistence.Header{
		VersionMajor:   persistence.VersionMajor,
		VersionMinor:   persistence.VersionMinor,
		Dimension:      uint32(b.opts.Dimension),
		Count:          uint32(len(b.nodes)),
		M:              uint32(b.maxConnectionsPerLayer),
		M0:             uint32(b.maxConnectionsLayer0),
		EFConstruction: uint32(b.opts.EFConstruction),
		EntryPoint:     b.entryPoint,
		MaxLevel:       uint32(maxLevel),
		Flags:          flags,
		ObfuscationKey: key,
		QuantArena:     l.quant,
		Float32Arena:   l.f32,
		NodeTable:      l.nodes,
		NeighborArena:  l.neighbor,
	}
}
