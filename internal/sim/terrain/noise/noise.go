package noise

import "math"

var grad2 = [8][2]float64{
	{1, 1}, {-1, 1}, {1, -1}, {-1, -1},
	{1, 0}, {-1, 0}, {0, 1}, {0, -1},
}

// Simplex produces deterministic 2D simplex noise in [-1, 1] from a seed.
type Simplex struct {
	perm [512]uint8
}

func NewSimplex(seed int64) *Simplex {
	s := &Simplex{}
	var p [256]uint8
	for i := range p {
		p[i] = uint8(i)
	}
	// Fisher-Yates with an LCG so the table only depends on the seed.
	st := uint64(seed)
	for i := 255; i > 0; i-- {
		st = st*6364136223846793005 + 1442695040888963407
		j := int((st >> 33) % uint64(i+1))
		p[i], p[j] = p[j], p[i]
	}
	for i := range s.perm {
		s.perm[i] = p[i&255]
	}
	return s
}

const (
	f2 = 0.36602540378443864676 // (sqrt(3) - 1) / 2
	g2 = 0.21132486540518711775 // (3 - sqrt(3)) / 6
)

func (s *Simplex) Noise2D(x, y float64) float64 {
	sk := (x + y) * f2
	i := math.Floor(x + sk)
	j := math.Floor(y + sk)

	t := (i + j) * g2
	x0 := x - (i - t)
	y0 := y - (j - t)

	var i1, j1 int
	if x0 > y0 {
		i1 = 1
	} else {
		j1 = 1
	}

	x1 := x0 - float64(i1) + g2
	y1 := y0 - float64(j1) + g2
	x2 := x0 - 1 + 2*g2
	y2 := y0 - 1 + 2*g2

	ii := int(int64(i) & 255)
	jj := int(int64(j) & 255)
	gi0 := s.perm[ii+int(s.perm[jj])] & 7
	gi1 := s.perm[ii+i1+int(s.perm[jj+j1])] & 7
	gi2 := s.perm[ii+1+int(s.perm[jj+1])] & 7

	return 70 * (corner(gi0, x0, y0) + corner(gi1, x1, y1) + corner(gi2, x2, y2))
}

func corner(g uint8, x, y float64) float64 {
	t := 0.5 - x*x - y*y
	if t < 0 {
		return 0
	}
	t *= t
	return t * t * (grad2[g][0]*x + grad2[g][1]*y)
}

// Fractal sums octaves of Noise2D, each at lacunarity times the previous
// frequency and persistence times the previous amplitude. The result stays in [-1, 1].
func (s *Simplex) Fractal(x, y float64, octaves int, persistence, lacunarity float64) float64 {
	if octaves <= 1 {
		return s.Noise2D(x, y)
	}
	var sum, norm float64
	amp, freq := 1.0, 1.0
	for o := 0; o < octaves; o++ {
		sum += s.Noise2D(x*freq, y*freq) * amp
		norm += amp
		amp *= persistence
		freq *= lacunarity
	}
	if norm == 0 {
		return 0
	}
	return sum / norm
}

// Normalize maps a sample in [-1, 1] onto [0, 1], clamping stray values.
func Normalize(v float64) float64 {
	v = (v + 1) / 2
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FieldParams describes one column field sampled over a square chunk footprint.
type FieldParams struct {
	Seed        int64
	Frequency   float64
	Octaves     int
	Persistence float64
	Lacunarity  float64
}

// Field samples a side x side grid of normalized noise at world columns
// (originX+x, originZ+z), passes every sample through adjust and stores it at
// index x + z*side.
func Field(p FieldParams, originX, originZ, side int, adjust func(float64) float64) []float64 {
	s := NewSimplex(p.Seed)
	out := make([]float64, side*side)
	for z := 0; z < side; z++ {
		for x := 0; x < side; x++ {
			wx := float64(originX+x) * p.Frequency
			wz := float64(originZ+z) * p.Frequency
			v := Normalize(s.Fractal(wx, wz, p.Octaves, p.Persistence, p.Lacunarity))
			if adjust != nil {
				v = adjust(v)
			}
			out[x+z*side] = v
		}
	}
	return out
}
