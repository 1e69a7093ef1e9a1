package octree

// Octant order is a Morton order: the rank of a voxel interleaves the bits of its
// coordinates from the most significant level down, with x as the high bit of each
// 3-bit group (matching Corners).

func expand3(v uint64) uint64 {
	v &= 0x1fffff
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249
	return v
}

func compact3(v uint64) uint64 {
	v &= 0x1249249249249249
	v = (v ^ v>>2) & 0x10c30c30c30c30c3
	v = (v ^ v>>4) & 0x100f00f00f00f00f
	v = (v ^ v>>8) & 0x1f0000ff0000ff
	v = (v ^ v>>16) & 0x1f00000000ffff
	v = (v ^ v>>32) & 0x1fffff
	return v
}

// MortonIndex returns the position of p in the sequence produced by Iter.
func MortonIndex(p Pos) int {
	return int(expand3(uint64(p.X))<<2 | expand3(uint64(p.Y))<<1 | expand3(uint64(p.Z)))
}

// MortonPos is the inverse of MortonIndex.
func MortonPos(rank int) Pos {
	r := uint64(rank)
	return Pos{
		X: int(compact3(r >> 2)),
		Y: int(compact3(r >> 1)),
		Z: int(compact3(r)),
	}
}

// Dense reconstructs the row-major array accepted by FromDense, re-indexing the
// octant-order sequence of Iter.
func (t *Octree) Dense() []uint32 {
	side := t.side
	out := make([]uint32, t.Volume())
	it := t.Iter()
	for rank := 0; ; rank++ {
		v, ok := it.Next()
		if !ok {
			break
		}
		p := MortonPos(rank)
		out[(p.X*side+p.Y)*side+p.Z] = v
	}
	return out
}
