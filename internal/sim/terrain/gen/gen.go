package gen

import (
	"fmt"
	"math"

	"svocraft.ai/internal/sim/octree"
	"svocraft.ai/internal/sim/terrain/noise"
	"svocraft.ai/internal/sim/terrain/pyramid"
	"svocraft.ai/internal/sim/tuning"
)

// Materials.
const (
	Air   uint32 = 0
	Stone uint32 = 1
	Grass uint32 = 2
	Water uint32 = 3
)

const (
	layerHeight = 1
	layerGrass  = 2
)

func MaterialName(v uint32) string {
	switch v {
	case Air:
		return "AIR"
	case Stone:
		return "STONE"
	case Grass:
		return "GRASS"
	case Water:
		return "WATER"
	default:
		return fmt.Sprintf("MATERIAL_%d", v)
	}
}

// Generator turns chunk coordinates into octrees. It holds no per-chunk state
// and is safe for concurrent use.
type Generator struct {
	cfg    tuning.WorldGen
	levels uint32
	side   int

	water float64
	grass float64
	top   float64
}

func New(cfg tuning.WorldGen, levels uint32) (*Generator, error) {
	if levels == 0 || levels > octree.MaxLevels {
		return nil, fmt.Errorf("gen: chunk levels %d out of range", levels)
	}
	side := 1 << levels
	return &Generator{
		cfg:    cfg,
		levels: levels,
		side:   side,
		water:  cfg.WaterRatio * float64(side),
		grass:  cfg.GrassRatio * float64(side),
		top:    cfg.TopRatio * float64(side),
	}, nil
}

func (g *Generator) Levels() uint32      { return g.levels }
func (g *Generator) SideLength() int     { return g.side }
func (g *Generator) WaterLevel() float64 { return g.water }

// Uniform reports the single material of chunk rows that are never generated.
func (g *Generator) Uniform(cy int) (uint32, bool) {
	switch {
	case cy > g.cfg.MaxChunkY:
		return Air, true
	case cy < g.cfg.MinChunkY:
		return Stone, true
	}
	return 0, false
}

// Chunk holds the column fields of one chunk and evaluates the voxel rules
// against them. Coordinates passed to its methods are chunk-local.
type Chunk struct {
	g      *Generator
	CX     int
	CY     int
	CZ     int
	height *pyramid.Pyramid
	grass  *pyramid.Pyramid
	baseY  int
}

// Prepare samples the height and grass fields under chunk (cx, cy, cz).
func (g *Generator) Prepare(cx, cy, cz int) (*Chunk, error) {
	ox, oz := cx*g.side, cz*g.side
	hp := noise.FieldParams{
		Seed:        SubSeed(g.cfg.Seed, layerHeight),
		Frequency:   g.cfg.HeightFrequency / float64(g.side),
		Octaves:     g.cfg.Octaves,
		Persistence: g.cfg.Persistence,
		Lacunarity:  g.cfg.Lacunarity,
	}
	gp := hp
	gp.Seed = SubSeed(g.cfg.Seed, layerGrass)
	gp.Frequency = g.cfg.GrassFrequency / float64(g.side)

	heights := noise.Field(hp, ox, oz, g.side, func(v float64) float64 {
		return math.Pow(2, 2*v) * g.top / 4
	})
	grass := noise.Field(gp, ox, oz, g.side, func(v float64) float64 {
		return g.cfg.GrassJitter*v + g.grass
	})

	h, err := pyramid.New(heights, g.levels)
	if err != nil {
		return nil, fmt.Errorf("gen: height pyramid: %w", err)
	}
	gr, err := pyramid.New(grass, g.levels)
	if err != nil {
		return nil, fmt.Errorf("gen: grass pyramid: %w", err)
	}
	return &Chunk{g: g, CX: cx, CY: cy, CZ: cz, height: h, grass: gr, baseY: cy * g.side}, nil
}

func (c *Chunk) Height() *pyramid.Pyramid    { return c.height }
func (c *Chunk) GrassLine() *pyramid.Pyramid { return c.grass }

// LeafAt is the exact material of the voxel at p.
func (c *Chunk) LeafAt(p octree.Pos) uint32 {
	y := float64(c.baseY + p.Y)
	h := c.height.At(p.X, p.Z)
	water := c.g.water
	if y < h {
		switch {
		case y < water:
			return Stone
		case y < c.grass.At(p.X, p.Z):
			return Grass
		default:
			return Stone
		}
	}
	if y <= water {
		return Water
	}
	return Air
}

// NodeAt certifies a cube only when LeafAt would return the same material for
// every voxel in it, judged from the column ranges of both fields.
func (c *Chunk) NodeAt(origin octree.Pos, level uint32) (uint32, bool) {
	size := 1 << level
	yMin := float64(c.baseY + origin.Y)
	yMax := float64(c.baseY + origin.Y + size - 1)
	water := c.g.water
	n := c.height.Range(origin.X, origin.Z, level)

	if yMax < n.Min {
		if yMax < water {
			return Stone, true
		}
		if yMin < water {
			return 0, false
		}
		n2 := c.grass.Range(origin.X, origin.Z, level)
		if yMax < n2.Min {
			return Grass, true
		}
		if yMin >= n2.Max {
			return Stone, true
		}
		return 0, false
	}
	if yMin >= n.Max {
		if yMax <= water {
			return Water, true
		}
		if yMin > water {
			return Air, true
		}
	}
	return 0, false
}

// Build runs the octree builder over this chunk.
func (c *Chunk) Build(prune bool) (*octree.Octree, octree.Stats, error) {
	var node octree.NodeFunc
	if prune {
		node = c.NodeAt
	}
	return octree.BuildWithStats(c.g.levels, c.LeafAt, node)
}

// Generate produces the octree of chunk (cx, cy, cz).
func (g *Generator) Generate(cx, cy, cz int) (*octree.Octree, octree.Stats, error) {
	if v, ok := g.Uniform(cy); ok {
		t, err := octree.Uniform(v, g.levels)
		return t, octree.Stats{}, err
	}
	c, err := g.Prepare(cx, cy, cz)
	if err != nil {
		return nil, octree.Stats{}, err
	}
	return c.Build(true)
}
