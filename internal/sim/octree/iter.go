package octree

// Iterator yields every voxel value of a tree in octant order: the first octant
// of the root is exhausted (recursively, in the same order) before the second
// begins. This is not row-major order; see Dense and MortonPos.
//
// An Iterator is single-pass. Call Iter again to start over.
type Iterator struct {
	t     *Octree
	stack []iterFrame
	cur   uint32
	run   int
}

type iterFrame struct {
	index int
	base  int
	level uint32
}

func (t *Octree) Iter() *Iterator {
	return &Iterator{
		t:     t,
		stack: []iterFrame{{index: 0, base: 1, level: t.levels}},
	}
}

// Next returns the next voxel value, or false once all side^3 values were produced.
func (it *Iterator) Next() (uint32, bool) {
	for it.run == 0 {
		if len(it.stack) == 0 {
			return 0, false
		}
		f := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]
		n := it.t.nodes[f.index]
		if n.IsLeaf() {
			it.cur = n.Value()
			it.run = 1 << (3 * f.level)
			continue
		}
		start := f.base + int(n.Offset())
		for j := BlockSize - 1; j >= 0; j-- {
			it.stack = append(it.stack, iterFrame{
				index: start + j,
				base:  start + BlockSize,
				level: f.level - 1,
			})
		}
	}
	it.run--
	return it.cur, true
}

// Values drains a fresh iterator into a slice of side^3 values in octant order.
func (t *Octree) Values() []uint32 {
	out := make([]uint32, 0, t.Volume())
	it := t.Iter()
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		out = append(out, v)
	}
	return out
}

// Count walks a fresh iterator and returns how many values it produced.
func (t *Octree) Count() int {
	n := 0
	it := t.Iter()
	for _, ok := it.Next(); ok; _, ok = it.Next() {
		n++
	}
	return n
}
