package octree

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxLevels bounds the depth of a chunk tree; 2^16 voxels per side is far beyond
// any chunk size in use and keeps side^3 inside an int on every platform we build for.
const MaxLevels = 16

var (
	ErrZeroLevels      = errors.New("octree: levels must be at least 1")
	ErrTooManyLevels   = fmt.Errorf("octree: levels must be at most %d", MaxLevels)
	ErrOutOfBounds     = errors.New("octree: position out of bounds")
	ErrEmptyTree       = errors.New("octree: empty node buffer")
	ErrBlockOutOfRange = errors.New("octree: child block outside node buffer")
	ErrBadBufferLength = errors.New("octree: byte buffer is not a whole number of nodes")
)

// Octree is a sparse voxel octree stored as one flat node buffer. nodes[0] is the
// root; the children of an internal node live at base+offset, where base is the
// index just past the block that holds the node (1 for the root).
type Octree struct {
	nodes  []Node
	levels uint32
	side   int
}

func checkLevels(levels uint32) error {
	if levels == 0 {
		return ErrZeroLevels
	}
	if levels > MaxLevels {
		return ErrTooManyLevels
	}
	return nil
}

// Uniform returns a tree whose every voxel holds value.
func Uniform(value uint32, levels uint32) (*Octree, error) {
	if err := checkLevels(levels); err != nil {
		return nil, err
	}
	return &Octree{
		nodes:  []Node{NewLeaf(value)},
		levels: levels,
		side:   1 << levels,
	}, nil
}

// FromRaw wraps an existing node buffer, e.g. one received over the network.
// The buffer is validated and then owned by the returned tree.
func FromRaw(nodes []Node, levels uint32) (*Octree, error) {
	if err := checkLevels(levels); err != nil {
		return nil, err
	}
	t := &Octree{nodes: nodes, levels: levels, side: 1 << levels}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// FromBytes decodes a little-endian buffer produced by Bytes.
func FromBytes(b []byte, levels uint32) (*Octree, error) {
	if len(b)%4 != 0 {
		return nil, ErrBadBufferLength
	}
	nodes := make([]Node, len(b)/4)
	for i := range nodes {
		nodes[i] = Node(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return FromRaw(nodes, levels)
}

func (t *Octree) Levels() uint32  { return t.levels }
func (t *Octree) SideLength() int { return t.side }
func (t *Octree) Len() int        { return len(t.nodes) }

// Volume is the number of voxels the tree covers (side^3).
func (t *Octree) Volume() int { return t.side * t.side * t.side }

// Raw exposes the node buffer without copying. Callers must treat it as read-only.
func (t *Octree) Raw() []Node { return t.nodes }

// Bytes encodes the node buffer as little-endian 32-bit words.
func (t *Octree) Bytes() []byte {
	out := make([]byte, len(t.nodes)*4)
	for i, n := range t.nodes {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(n))
	}
	return out
}

func (t *Octree) InBounds(p Pos) bool {
	return p.X >= 0 && p.Y >= 0 && p.Z >= 0 && p.X < t.side && p.Y < t.side && p.Z < t.side
}

// Get returns the voxel value at p.
func (t *Octree) Get(p Pos) (uint32, error) {
	if !t.InBounds(p) {
		return 0, fmt.Errorf("%w: %v not in [0,%d)", ErrOutOfBounds, p, t.side)
	}
	base := 1
	i := 0
	half := t.side / 2
	for t.nodes[i].IsInternal() {
		start := base + int(t.nodes[i].Offset())
		cx, cy, cz := p.X/half, p.Y/half, p.Z/half
		p.X -= cx * half
		p.Y -= cy * half
		p.Z -= cz * half
		half /= 2
		i = start + Octant(cx, cy, cz)
		base = start + BlockSize
	}
	return t.nodes[i].Value(), nil
}

// Validate checks that every reachable internal node addresses a block that lies
// fully inside the buffer and that no internal node sits below the finest level.
func (t *Octree) Validate() error {
	if len(t.nodes) == 0 {
		return ErrEmptyTree
	}
	if t.nodes[0].IsLeaf() {
		return nil
	}
	type frame struct {
		start, width, base int
		level              uint32
	}
	type visit struct {
		start int
		level uint32
	}
	seen := make(map[visit]bool)
	stack := []frame{{start: 0, width: 1, base: 1, level: t.levels}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for j := 0; j < f.width; j++ {
			n := t.nodes[f.start+j]
			if n.IsLeaf() {
				continue
			}
			if f.level == 0 {
				return fmt.Errorf("%w: internal node at index %d below finest level", ErrBlockOutOfRange, f.start+j)
			}
			child := f.base + int(n.Offset())
			if child+BlockSize > len(t.nodes) {
				return fmt.Errorf("%w: index %d addresses [%d,%d) of %d", ErrBlockOutOfRange, f.start+j, child, child+BlockSize, len(t.nodes))
			}
			v := visit{start: child, level: f.level - 1}
			if !seen[v] {
				seen[v] = true
				stack = append(stack, frame{start: child, width: BlockSize, base: child + BlockSize, level: f.level - 1})
			}
		}
	}
	return nil
}

// Digest identifies the tree contents; equal digests mean equal buffers and depth.
func (t *Octree) Digest() [32]byte {
	h := sha256.New()
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], t.levels)
	h.Write(tmp[:])
	h.Write(t.Bytes())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
