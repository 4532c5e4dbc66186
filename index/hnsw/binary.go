package hnsw

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/McMonds/vector-engine/internal/quantization"
	"github.com/McMonds/vector-engine/persistence"
)

// SaveToFile serializes the graph into the on-disk format at path.
// The write is atomic: a temp file is written, fsynced and renamed
// over the destination.
func (b *Builder) SaveToFile(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	layout := b.computeLayout()
	key, err := b.obfuscationKey()
	if err != nil {
		return err
	}
	hdr := b.header(layout, key)

	return persistence.SaveToFile(path, func(f *os.File) error {
		headerBuf := make([]byte, persistence.HeaderSize)
		hdr.Encode(headerBuf)
		if _, err := f.Write(headerBuf); err != nil {
			return err
		}

		cw := persistence.NewChecksumWriter(f)
		if err := b.writeBody(cw, layout, key); err != nil {
			return err
		}

		// Patch the checksum now that the body bytes are final.
		persistence.PatchChecksum(headerBuf, cw.Sum())
		_, err := f.WriteAt(headerBuf, 0)
		return err
	})
}

// WriteTo streams the serialized index to w.
//
// Streams have no way back to the header, so the body is generated
// twice: once discarded to compute the checksum, once for real.
// Serialization is deterministic, so both passes emit identical bytes.
// SaveToFile avoids the double pass by patching the file in place.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	layout := b.computeLayout()
	key, err := b.obfuscationKey()
	if err != nil {
		return 0, err
	}
	hdr := b.header(layout, key)

	sum := persistence.NewChecksumWriter(io.Discard)
	if err := b.writeBody(sum, layout, key); err != nil {
		return 0, err
	}
	hdr.Checksum = sum.Sum()

	headerBuf := make([]byte, persistence.HeaderSize)
	hdr.Encode(headerBuf)
	n, err := w.Write(headerBuf)
	written := int64(n)
	if err != nil {
		return written, err
	}

	cw := persistence.NewChecksumWriter(w)
	err = b.writeBody(cw, layout, key)
	return written + cw.Count(), err
}

// obfuscationKey draws the 64-bit XOR key. Unseeded builds use the
// cryptographic RNG; seeded builds derive the key from the seed so the
// whole file is reproducible.
func (b *Builder) obfuscationKey() (uint64, error) {
	if b.opts.RandomSeed != nil {
		return splitmix64(uint64(*b.opts.RandomSeed)), nil
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// splitmix64 is the finalizer of the SplitMix64 generator.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// writeBody emits every byte after the header, in section order with
// zero padding up to each section's 32-byte aligned offset.
// Caller holds the builder lock.
func (b *Builder) writeBody(w io.Writer, l fileLayout, key uint64) error {
	pos := uint64(persistence.HeaderSize)
	dim := b.opts.Dimension

	pad := func(target uint64) error {
		if target < pos {
			panic("hnsw: section overlap during serialization")
		}
		if target == pos {
			return nil
		}
		zeros := make([]byte, target-pos)
		if _, err := w.Write(zeros); err != nil {
			return err
		}
		pos = target
		return nil
	}

	// Quantized arena.
	if err := pad(uint64(l.quant.Offset)); err != nil {
		return err
	}
	qrec := make([]byte, quantStride(dim))
	var q quantization.Quantized
	for id := range b.nodes {
		quantization.QuantizeInto(b.vector(uint32(id)), &q)
		for i, c := range q.Codes {
			qrec[i] = byte(c)
		}
		binary.LittleEndian.PutUint32(qrec[dim:], math.Float32bits(q.Norm))
		binary.LittleEndian.PutUint32(qrec[dim+4:], math.Float32bits(q.Scale))
		if _, err := w.Write(qrec); err != nil {
			return err
		}
		pos += uint64(len(qrec))
	}

	// Full-precision arena, XOR-obfuscated per 8-byte chunk.
	if err := pad(uint64(l.f32.Offset)); err != nil {
		return err
	}
	vrec := make([]byte, dim*4)
	for id := range b.nodes {
		v := b.vector(uint32(id))
		for i, x := range v {
			binary.LittleEndian.PutUint32(vrec[i*4:], math.Float32bits(x))
		}
		obfuscate(vrec, key)
		if _, err := w.Write(vrec); err != nil {
			return err
		}
		pos += uint64(len(vrec))
	}

	// Node table. Neighbor offsets are file-relative byte offsets into
	// the neighbor arena, assigned in node order.
	if err := pad(uint64(l.nodes.Offset)); err != nil {
		return err
	}
	neighborOff := uint64(l.neighbor.Offset)
	rec := make([]byte, 0, nodeRecordSize(maxNodeLevel))
	for id := range b.nodes {
		n := &b.nodes[id]
		rec = rec[:0]
		rec = append(rec, byte(n.level))
		rec = binary.LittleEndian.AppendUint32(rec, uint32(neighborOff))
		for layer := 0; layer <= n.level; layer++ {
			count := len(n.conns[layer])
			rec = binary.LittleEndian.AppendUint16(rec, uint16(count))
			neighborOff += uint64(count) * 4
		}
		if _, err := w.Write(rec); err != nil {
			return err
		}
		pos += uint64(len(rec))
	}

	// Neighbor arena: flat u32 ids, same traversal order as the table.
	if err := pad(uint64(l.neighbor.Offset)); err != nil {
		return err
	}
	var idBuf [4]byte
	for id := range b.nodes {
		n := &b.nodes[id]
		for layer := 0; layer <= n.level; layer++ {
			for _, neighborID := range n.conns[layer] {
				binary.LittleEndian.PutUint32(idBuf[:], neighborID)
				if _, err := w.Write(idBuf[:]); err != nil {
					return err
				}
				pos += 4
			}
		}
	}

	return nil
}

// obfuscate XORs buf in place with the key, 8 bytes at a time. A
// trailing partial chunk is XORed with the key's leading bytes. The
// transform is its own inverse.
func obfuscate(buf []byte, key uint64) {
	var kb [8]byte
	binary.LittleEndian.PutUint64(kb[:], key)

	i := 0
	for ; i+8 <= len(buf); i += 8 {
		u := binary.LittleEndian.Uint64(buf[i:])
		binary.LittleEndian.PutUint64(buf[i:], u^key)
	}
	for j := 0; i < len(buf); i, j = i+1, j+1 {
		buf[i] ^= kb[j]
	}
}
