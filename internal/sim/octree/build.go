package octree

// LeafFunc returns the exact value of the voxel at p.
type LeafFunc func(p Pos) uint32

// NodeFunc may certify that the cube of side 2^level at origin holds a single
// value. Returning false forces the builder to descend.
type NodeFunc func(origin Pos, level uint32) (uint32, bool)

// NoPrune never certifies a cube; a build with it evaluates every voxel.
func NoPrune(Pos, uint32) (uint32, bool) { return 0, false }

// Stats counts what a build did.
type Stats struct {
	LeafEvals int `json:"leaf_evals"`
	Pruned    int `json:"pruned"`
	Collapsed int `json:"collapsed"`
	Shared    int `json:"shared"`
	Blocks    int `json:"blocks"`
}

// Build constructs the tree of side 2^levels described by leaf, using node to
// skip subtrees it can certify as uniform. A nil node never prunes.
func Build(levels uint32, leaf LeafFunc, node NodeFunc) (*Octree, error) {
	t, _, err := BuildWithStats(levels, leaf, node)
	return t, err
}

// BuildWithStats is Build that also reports build counters.
func BuildWithStats(levels uint32, leaf LeafFunc, node NodeFunc) (*Octree, Stats, error) {
	if err := checkLevels(levels); err != nil {
		return nil, Stats{}, err
	}
	if node == nil {
		node = NoPrune
	}
	b := &builder{
		leaf:   leaf,
		node:   node,
		dedup:  true,
		shared: make(map[[BlockSize]Node]uint32),
	}
	root := b.build(Pos{}, levels)
	t := &Octree{
		nodes:  b.layout(root),
		levels: levels,
		side:   1 << levels,
	}
	b.stats.Blocks = len(b.blocks) / BlockSize
	return t, b.stats, nil
}

// FromDense builds a tree from a row-major array where the value of (x,y,z) sits
// at index (x*side+y)*side+z.
func FromDense(values []uint32, levels uint32) (*Octree, error) {
	if err := checkLevels(levels); err != nil {
		return nil, err
	}
	side := 1 << levels
	if len(values) != side*side*side {
		return nil, ErrBadBufferLength
	}
	return Build(levels, func(p Pos) uint32 {
		return values[(p.X*side+p.Y)*side+p.Z]
	}, nil)
}

// builder interns every emitted block. While building, an internal node's payload
// is the id of its child block in blocks, not an offset; equal ids therefore mean
// equal subtrees and a block key fully identifies its contents.
type builder struct {
	leaf  LeafFunc
	node  NodeFunc
	dedup bool

	blocks []Node
	shared map[[BlockSize]Node]uint32
	stats  Stats
}

func (b *builder) build(origin Pos, level uint32) Node {
	var children [BlockSize]Node
	if level == 1 {
		for i, c := range Corners {
			children[i] = NewLeaf(b.leaf(origin.Add(c)))
		}
		b.stats.LeafEvals += BlockSize
	} else {
		half := 1 << (level - 1)
		for i, c := range Corners {
			sub := origin.Add(c.Scale(half))
			if v, ok := b.node(sub, level-1); ok {
				children[i] = NewLeaf(v)
				b.stats.Pruned++
				continue
			}
			children[i] = b.build(sub, level-1)
		}
	}

	if uniformLeaves(&children) {
		b.stats.Collapsed++
		return children[0]
	}
	if b.dedup {
		if id, ok := b.shared[children]; ok {
			b.stats.Shared++
			return NewInternal(id)
		}
	}
	id := uint32(len(b.blocks) / BlockSize)
	b.blocks = append(b.blocks, children[:]...)
	if b.dedup {
		b.shared[children] = id
	}
	return NewInternal(id)
}

func uniformLeaves(c *[BlockSize]Node) bool {
	if !c[0].IsLeaf() {
		return false
	}
	for _, n := range c[1:] {
		if n != c[0] {
			return false
		}
	}
	return true
}

// layout flattens the interned blocks. Blocks are placed in reverse post-order
// from the root, so every block precedes the blocks it references and each offset
// (child start minus the end of the referencing block) is non-negative.
func (b *builder) layout(root Node) []Node {
	if root.IsLeaf() {
		return []Node{root}
	}

	order := b.postOrder(root.Offset())
	pos := make(map[uint32]int, len(order))
	for rank := range order {
		pos[order[len(order)-1-rank]] = 1 + rank*BlockSize
	}

	out := make([]Node, 1+len(order)*BlockSize)
	out[0] = NewInternal(uint32(pos[root.Offset()] - 1))
	for id, start := range pos {
		end := start + BlockSize
		for j, n := range b.blocks[int(id)*BlockSize : int(id+1)*BlockSize] {
			if n.IsInternal() {
				n = NewInternal(uint32(pos[n.Offset()] - end))
			}
			out[start+j] = n
		}
	}
	return out
}

func (b *builder) postOrder(root uint32) []uint32 {
	type frame struct {
		id   uint32
		next int
	}
	visited := map[uint32]bool{root: true}
	stack := []frame{{id: root}}
	var order []uint32
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.next == BlockSize {
			order = append(order, f.id)
			stack = stack[:len(stack)-1]
			continue
		}
		n := b.blocks[int(f.id)*BlockSize+f.next]
		f.next++
		if n.IsInternal() && !visited[n.Offset()] {
			visited[n.Offset()] = true
			stack = append(stack, frame{id: n.Offset()})
		}
	}
	return order
}
