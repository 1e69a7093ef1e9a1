package pyramid

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrBadSide  = errors.New("pyramid: base field is not side x side for side = 2^levels")
	ErrBadLevel = errors.New("pyramid: level out of range")
)

// NumRange is a closed interval [Min, Max].
type NumRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r NumRange) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// Encloses reports whether o lies within r.
func (r NumRange) Encloses(o NumRange) bool { return r.Min <= o.Min && r.Max >= o.Max }

func (r NumRange) Union(o NumRange) NumRange {
	return NumRange{Min: math.Min(r.Min, o.Min), Max: math.Max(r.Max, o.Max)}
}

// Pyramid summarizes a square column field at every power-of-two tile size.
// Level l holds one range per tile of 2^(l+1) x 2^(l+1) base cells, laid out
// row by row (x fastest), so the last level is a single tile covering everything.
type Pyramid struct {
	side   int
	base   []float64
	levels [][]NumRange
}

// New builds the pyramid of a side x side field stored at x + z*side, where
// side = 2^levels.
func New(base []float64, levels uint32) (*Pyramid, error) {
	if levels == 0 || levels > 30 {
		return nil, fmt.Errorf("%w: levels=%d", ErrBadLevel, levels)
	}
	side := 1 << levels
	if len(base) != side*side {
		return nil, fmt.Errorf("%w: len=%d side=%d", ErrBadSide, len(base), side)
	}

	p := &Pyramid{side: side, base: base, levels: make([][]NumRange, 0, levels)}

	size := side / 2
	first := make([]NumRange, 0, size*size)
	for z := 0; z < side; z += 2 {
		for x := 0; x < side; x += 2 {
			a, b := base[x+z*side], base[x+1+z*side]
			c, d := base[x+(z+1)*side], base[x+1+(z+1)*side]
			first = append(first, NumRange{
				Min: math.Min(math.Min(a, b), math.Min(c, d)),
				Max: math.Max(math.Max(a, b), math.Max(c, d)),
			})
		}
	}
	p.levels = append(p.levels, first)

	for l := uint32(1); l < levels; l++ {
		prev := p.levels[l-1]
		next := make([]NumRange, 0, len(prev)/4)
		for z := 0; z < size; z += 2 {
			for x := 0; x < size; x += 2 {
				next = append(next, prev[x+z*size].
					Union(prev[x+1+z*size]).
					Union(prev[x+(z+1)*size]).
					Union(prev[x+1+(z+1)*size]))
			}
		}
		p.levels = append(p.levels, next)
		size /= 2
	}
	return p, nil
}

func (p *Pyramid) Side() int { return p.side }

// Depth is the number of summary levels.
func (p *Pyramid) Depth() int { return len(p.levels) }

func (p *Pyramid) Base() []float64 { return p.base }

// At returns the base sample of column (x, z).
func (p *Pyramid) At(x, z int) float64 { return p.base[x+z*p.side] }

// Level returns the tiles of summary level l.
func (p *Pyramid) Level(l int) []NumRange { return p.levels[l] }

// Range returns the column range under the cube footprint of side 2^cubeLevel
// whose corner is (x, z). cubeLevel must be at least 1; x and z are assumed to
// be aligned to the cube size, as the octree builder guarantees.
func (p *Pyramid) Range(x, z int, cubeLevel uint32) NumRange {
	tiles := p.levels[cubeLevel-1]
	return tiles[(x>>cubeLevel)+(z>>cubeLevel)*(p.side>>cubeLevel)]
}
