package octree

import "fmt"

// Node is one packed 32-bit octree word. The top bit marks a leaf; the low 31 bits
// hold either the leaf value or the child block offset of an internal node.
type Node uint32

const (
	leafBit     Node   = 1 << 31
	payloadMask Node   = leafBit - 1
	MaxValue    uint32 = uint32(payloadMask)
)

// BlockSize is the number of children stored per internal node.
const BlockSize = 8

func NewLeaf(v uint32) Node {
	if v > MaxValue {
		panic(fmt.Sprintf("octree: leaf value %d does not fit in 31 bits", v))
	}
	return Node(v) | leafBit
}

func NewInternal(offset uint32) Node {
	if offset > MaxValue {
		panic(fmt.Sprintf("octree: child offset %d does not fit in 31 bits", offset))
	}
	return Node(offset)
}

func (n Node) IsLeaf() bool     { return n&leafBit != 0 }
func (n Node) IsInternal() bool { return n&leafBit == 0 }

// Value returns the leaf payload. It is meaningless for internal nodes.
func (n Node) Value() uint32 { return uint32(n & payloadMask) }

// Offset returns the child block offset relative to the end of the block holding n.
func (n Node) Offset() uint32 { return uint32(n & payloadMask) }

func (n Node) String() string {
	if n.IsLeaf() {
		return fmt.Sprintf("leaf(%d)", n.Value())
	}
	return fmt.Sprintf("node(+%d)", n.Offset())
}

// Pos is a voxel position local to a chunk.
type Pos struct {
	X, Y, Z int
}

func (p Pos) Add(o Pos) Pos { return Pos{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z} }

func (p Pos) Scale(k int) Pos { return Pos{X: p.X * k, Y: p.Y * k, Z: p.Z * k} }

// Corners lists the octants of a 2x2x2 subdivision in storage order:
// index = x*4 + y*2 + z.
var Corners = [BlockSize]Pos{
	{0, 0, 0},
	{0, 0, 1},
	{0, 1, 0},
	{0, 1, 1},
	{1, 0, 0},
	{1, 0, 1},
	{1, 1, 0},
	{1, 1, 1},
}

// Octant returns the storage index of a corner whose axis bits are x, y and z.
func Octant(x, y, z int) int { return x<<2 | y<<1 | z }
