package octree

import (
	"errors"
	"math/rand"
	"testing"
)

func TestNodeEncoding(t *testing.T) {
	leaf := NewLeaf(42)
	if !leaf.IsLeaf() || leaf.IsInternal() {
		t.Fatalf("leaf tag not set: %v", leaf)
	}
	if leaf.Value() != 42 {
		t.Fatalf("leaf value: got %d want 42", leaf.Value())
	}
	if NewLeaf(MaxValue).Value() != MaxValue {
		t.Fatalf("max leaf value did not round trip")
	}

	n := NewInternal(17)
	if n.IsLeaf() || !n.IsInternal() {
		t.Fatalf("internal node tagged as leaf: %v", n)
	}
	if n.Offset() != 17 {
		t.Fatalf("offset: got %d want 17", n.Offset())
	}
}

func TestNewLeafPanicsOnWideValue(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for 32-bit leaf value")
		}
	}()
	NewLeaf(MaxValue + 1)
}

func TestCornersMatchOctant(t *testing.T) {
	for i, c := range Corners {
		if got := Octant(c.X, c.Y, c.Z); got != i {
			t.Fatalf("corner %d %v maps to octant %d", i, c, got)
		}
	}
}

func TestBuildRejectsBadLevels(t *testing.T) {
	leaf := func(Pos) uint32 { return 0 }
	if _, err := Build(0, leaf, nil); !errors.Is(err, ErrZeroLevels) {
		t.Fatalf("levels=0: got %v want ErrZeroLevels", err)
	}
	if _, err := Build(MaxLevels+1, leaf, nil); !errors.Is(err, ErrTooManyLevels) {
		t.Fatalf("levels too deep: got %v want ErrTooManyLevels", err)
	}
	if _, err := Uniform(1, 0); !errors.Is(err, ErrZeroLevels) {
		t.Fatalf("uniform levels=0: got %v want ErrZeroLevels", err)
	}
}

func TestUniformCollapse(t *testing.T) {
	for levels := uint32(1); levels <= 5; levels++ {
		tree, err := Build(levels, func(Pos) uint32 { return 7 }, nil)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if tree.Len() != 1 || !tree.Raw()[0].IsLeaf() {
			t.Fatalf("levels=%d: expected single leaf, got %d nodes", levels, tree.Len())
		}
		v, err := tree.Get(Pos{X: 1, Y: 0, Z: 1})
		if err != nil || v != 7 {
			t.Fatalf("levels=%d: Get = %d, %v", levels, v, err)
		}
	}
}

func TestCheckerboardDoesNotCollapse(t *testing.T) {
	tree, err := Build(1, func(p Pos) uint32 { return uint32((p.X + p.Y + p.Z) % 2) }, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Root word plus one block holding all eight voxels: 9 nodes in total,
	// since the root always sits at index 0 and children start at index 1.
	if tree.Len() != 1+BlockSize {
		t.Fatalf("len=%d want %d", tree.Len(), 1+BlockSize)
	}
	for i, n := range tree.Raw()[1:] {
		if !n.IsLeaf() {
			t.Fatalf("child %d is not a leaf: %v", i, n)
		}
		c := Corners[i]
		if want := uint32((c.X + c.Y + c.Z) % 2); n.Value() != want {
			t.Fatalf("child %d: got %d want %d", i, n.Value(), want)
		}
	}
}

func TestSingleVoxelScenario(t *testing.T) {
	tree, err := Build(3, func(p Pos) uint32 {
		if p == (Pos{X: 7, Y: 7, Z: 7}) {
			return 9
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if v, _ := tree.Get(Pos{X: 7, Y: 7, Z: 7}); v != 9 {
		t.Fatalf("Get(7,7,7) = %d, want 9", v)
	}
	if v, _ := tree.Get(Pos{}); v != 0 {
		t.Fatalf("Get(0,0,0) = %d, want 0", v)
	}
	// One path of three blocks down to the voxel.
	if tree.Len() != 1+3*BlockSize {
		t.Fatalf("node count = %d, want %d", tree.Len(), 1+3*BlockSize)
	}
	if tree.Len() >= 512 {
		t.Fatalf("node count %d not below naive size", tree.Len())
	}
}

func randomDense(r *rand.Rand, levels uint32, palette int) []uint32 {
	side := 1 << levels
	values := make([]uint32, side*side*side)
	for i := range values {
		values[i] = uint32(r.Intn(palette))
	}
	return values
}

func TestDenseValueRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for levels := uint32(1); levels <= 4; levels++ {
		side := 1 << levels
		values := randomDense(r, levels, 3)
		tree, err := FromDense(values, levels)
		if err != nil {
			t.Fatalf("FromDense: %v", err)
		}
		for x := 0; x < side; x++ {
			for y := 0; y < side; y++ {
				for z := 0; z < side; z++ {
					got, err := tree.Get(Pos{X: x, Y: y, Z: z})
					if err != nil {
						t.Fatalf("Get: %v", err)
					}
					if want := values[(x*side+y)*side+z]; got != want {
						t.Fatalf("levels=%d (%d,%d,%d): got %d want %d", levels, x, y, z, got, want)
					}
				}
			}
		}
		dense := tree.Dense()
		for i := range values {
			if dense[i] != values[i] {
				t.Fatalf("levels=%d Dense mismatch at %d", levels, i)
			}
		}
	}
}

func TestFromDenseRejectsWrongLength(t *testing.T) {
	if _, err := FromDense(make([]uint32, 7), 1); !errors.Is(err, ErrBadBufferLength) {
		t.Fatalf("got %v want ErrBadBufferLength", err)
	}
}

func TestIteratorCountAndOrder(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for levels := uint32(1); levels <= 4; levels++ {
		values := randomDense(r, levels, 2)
		tree, err := FromDense(values, levels)
		if err != nil {
			t.Fatalf("FromDense: %v", err)
		}
		if got, want := tree.Count(), 1<<(3*levels); got != want {
			t.Fatalf("levels=%d: count %d want %d", levels, got, want)
		}

		seq := tree.Values()
		side := tree.SideLength()
		for rank, v := range seq {
			p := MortonPos(rank)
			if MortonIndex(p) != rank {
				t.Fatalf("MortonIndex(MortonPos(%d)) = %d", rank, MortonIndex(p))
			}
			if want := values[(p.X*side+p.Y)*side+p.Z]; v != want {
				t.Fatalf("levels=%d rank %d at %v: got %d want %d", levels, rank, p, v, want)
			}
		}
	}
}

func TestIteratorOnUniformTree(t *testing.T) {
	tree, err := Uniform(5, 3)
	if err != nil {
		t.Fatalf("Uniform: %v", err)
	}
	it := tree.Iter()
	n := 0
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		if v != 5 {
			t.Fatalf("value %d at %d, want 5", v, n)
		}
		n++
	}
	if n != 512 {
		t.Fatalf("count %d want 512", n)
	}
	if _, ok := it.Next(); ok {
		t.Fatalf("exhausted iterator produced a value")
	}
}

func TestGetOutOfBounds(t *testing.T) {
	tree, _ := Uniform(1, 2)
	for _, p := range []Pos{{X: -1}, {X: 4}, {Y: 4}, {Z: -3}} {
		if _, err := tree.Get(p); !errors.Is(err, ErrOutOfBounds) {
			t.Fatalf("Get(%v): got %v want ErrOutOfBounds", p, err)
		}
	}
}

// repeated places the same non-uniform 8x8x8 motif in two opposite octants of a
// 16^3 chunk, leaving the rest empty.
func repeated(p Pos) uint32 {
	inMotif := (p.X < 8 && p.Y < 8 && p.Z < 8) || (p.X >= 8 && p.Y >= 8 && p.Z >= 8)
	if !inMotif {
		return 0
	}
	if p.X%8 == p.Y%8 && p.Z%8 < 4 {
		return 1
	}
	return 0
}

func TestSharingShrinksBuffer(t *testing.T) {
	shared, stats, err := BuildWithStats(4, repeated, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	naive := &builder{leaf: repeated, node: NoPrune, shared: map[[BlockSize]Node]uint32{}}
	naiveNodes := naive.layout(naive.build(Pos{}, 4))

	if stats.Shared == 0 {
		t.Fatalf("expected shared blocks, stats=%+v", stats)
	}
	if len(shared.Raw()) >= len(naiveNodes) {
		t.Fatalf("shared buffer %d not smaller than naive %d", len(shared.Raw()), len(naiveNodes))
	}
	// Without sharing the second motif repeats every block of the first.
	motifBlocks := (len(naiveNodes) - 1 - BlockSize) / 2
	if bound := 1 + BlockSize + motifBlocks; len(shared.Raw()) > bound {
		t.Fatalf("shared buffer %d above single-motif bound %d", len(shared.Raw()), bound)
	}

	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			for z := 0; z < 16; z++ {
				p := Pos{X: x, Y: y, Z: z}
				got, _ := shared.Get(p)
				if want := repeated(p); got != want {
					t.Fatalf("%v: got %d want %d", p, got, want)
				}
			}
		}
	}
}

func TestSharedOffsetsAreForward(t *testing.T) {
	tree, err := Build(5, func(p Pos) uint32 {
		return uint32((p.X/2 + p.Y/4 + p.Z) % 3)
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := tree.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPruningMatchesFullEvaluation(t *testing.T) {
	// Solid below y=12, empty above; node function certifies whole cubes.
	leaf := func(p Pos) uint32 {
		if p.Y < 12 {
			return 1
		}
		return 0
	}
	node := func(o Pos, level uint32) (uint32, bool) {
		side := 1 << level
		switch {
		case o.Y+side-1 < 12:
			return 1, true
		case o.Y >= 12:
			return 0, true
		}
		return 0, false
	}
	pruned, ps, err := BuildWithStats(5, leaf, node)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	full, fs, err := BuildWithStats(5, leaf, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ps.Pruned == 0 || ps.LeafEvals >= fs.LeafEvals {
		t.Fatalf("pruning did not reduce work: pruned=%+v full=%+v", ps, fs)
	}
	if pruned.Digest() != full.Digest() {
		t.Fatalf("pruned and full builds differ")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	tree, err := FromDense(randomDense(r, 3, 4), 3)
	if err != nil {
		t.Fatalf("FromDense: %v", err)
	}
	back, err := FromBytes(tree.Bytes(), 3)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if back.Digest() != tree.Digest() {
		t.Fatalf("digest changed across byte round trip")
	}
	if _, err := FromBytes([]byte{1, 2, 3}, 3); !errors.Is(err, ErrBadBufferLength) {
		t.Fatalf("got %v want ErrBadBufferLength", err)
	}
}

func TestValidateRejectsCorruptBuffers(t *testing.T) {
	tests := []struct {
		name   string
		nodes  []Node
		levels uint32
		want   error
	}{
		{name: "empty", nodes: nil, levels: 1, want: ErrEmptyTree},
		{name: "root past end", nodes: []Node{NewInternal(0)}, levels: 1, want: ErrBlockOutOfRange},
		{
			name:   "child past end",
			nodes:  append([]Node{NewInternal(0), NewInternal(3)}, leaves(7)...),
			levels: 2,
			want:   ErrBlockOutOfRange,
		},
		{
			name:   "internal at voxel level",
			nodes:  append([]Node{NewInternal(0), NewInternal(0)}, leaves(15)...),
			levels: 1,
			want:   ErrBlockOutOfRange,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromRaw(tt.nodes, tt.levels); !errors.Is(err, tt.want) {
				t.Fatalf("got %v want %v", err, tt.want)
			}
		})
	}
}

func leaves(n int) []Node {
	out := make([]Node, n)
	for i := range out {
		out[i] = NewLeaf(uint32(i))
	}
	return out
}
