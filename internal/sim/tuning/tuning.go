package tuning

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	ChunkLevels     uint32 `yaml:"chunk_levels"`
	Workers         int    `yaml:"workers"`
	MaxCachedChunks int    `yaml:"max_cached_chunks"`
	// Buffers of chunks evicted by max_cached_chunks are kept here (0 = off).
	SpillCacheMB int `yaml:"spill_cache_mb"`

	WorldGen WorldGen `yaml:"worldgen"`
	Server   Server   `yaml:"server"`
}

type WorldGen struct {
	Seed int64 `yaml:"seed"`

	// Frequencies are in noise cycles per chunk side.
	HeightFrequency float64 `yaml:"height_frequency"`
	GrassFrequency  float64 `yaml:"grass_frequency"`
	Octaves         int     `yaml:"octaves"`
	Persistence     float64 `yaml:"persistence"`
	Lacunarity      float64 `yaml:"lacunarity"`

	// Heights as fractions of the chunk side.
	WaterRatio  float64 `yaml:"water_ratio"`
	GrassRatio  float64 `yaml:"grass_ratio"`
	TopRatio    float64 `yaml:"top_ratio"`
	GrassJitter float64 `yaml:"grass_jitter"`

	// Chunk rows outside [MinChunkY, MaxChunkY] are not generated: above is air,
	// below is stone.
	MinChunkY int `yaml:"min_chunk_y"`
	MaxChunkY int `yaml:"max_chunk_y"`
}

type Server struct {
	MaxQueue       int `yaml:"max_queue"`
	ReadTimeoutMs  int `yaml:"read_timeout_ms"`
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		ChunkLevels:     6,
		Workers:         4,
		MaxCachedChunks: 4096,
		SpillCacheMB:    64,
		WorldGen: WorldGen{
			Seed:            1337,
			HeightFrequency: 1.0,
			GrassFrequency:  8.0,
			Octaves:         1,
			Persistence:     0.5,
			Lacunarity:      2.0,
			WaterRatio:      0.18,
			GrassRatio:      0.35,
			TopRatio:        0.5,
			GrassJitter:     20,
			MinChunkY:       0,
			MaxChunkY:       0,
		},
		Server: Server{
			MaxQueue:       8,
			ReadTimeoutMs:  60_000,
			WriteTimeoutMs: 5_000,
		},
	}
}

// SideLength is the chunk edge in voxels.
func (t Tuning) SideLength() int { return 1 << t.ChunkLevels }

// Digest identifies the applied configuration: sha256 of its JSON encoding,
// hex encoded.
func (t Tuning) Digest() string {
	b, _ := json.Marshal(t)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (t Tuning) Validate() error {
	if t.ChunkLevels == 0 || t.ChunkLevels > 12 {
		return fmt.Errorf("chunk_levels must be in [1,12], got %d", t.ChunkLevels)
	}
	if t.Workers < 0 {
		return errors.New("workers cannot be negative")
	}
	if t.SpillCacheMB < 0 {
		return errors.New("spill_cache_mb cannot be negative")
	}
	g := t.WorldGen
	if g.HeightFrequency <= 0 || g.GrassFrequency <= 0 {
		return errors.New("worldgen frequencies must be positive")
	}
	if g.Octaves < 1 {
		return errors.New("worldgen.octaves must be at least 1")
	}
	if g.WaterRatio > g.TopRatio {
		return errors.New("worldgen.water_ratio must not exceed top_ratio")
	}
	if g.MinChunkY > g.MaxChunkY {
		return errors.New("worldgen.min_chunk_y must be <= max_chunk_y")
	}
	if t.Server.MaxQueue <= 0 {
		return errors.New("server.max_queue must be positive")
	}
	return nil
}

//go:embed tuning.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("tuning.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// checkSchema validates raw YAML against the embedded schema. The document is
// re-encoded as JSON first so the validator sees JSON number types.
func checkSchema(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return s.Validate(v)
}

// Parse decodes YAML on top of Defaults, so omitted keys keep their default.
func Parse(raw []byte) (Tuning, error) { return parse(raw, "tuning.yaml") }

// ParseTOML accepts the same document written as TOML.
func ParseTOML(raw []byte) (Tuning, error) {
	var doc map[string]any
	if _, err := toml.Decode(string(raw), &doc); err != nil {
		return Defaults(), fmt.Errorf("tuning.toml: %w", err)
	}
	y, err := yaml.Marshal(doc)
	if err != nil {
		return Defaults(), fmt.Errorf("tuning.toml: %w", err)
	}
	return parse(y, "tuning.toml")
}

func parse(raw []byte, name string) (Tuning, error) {
	t := Defaults()
	if err := checkSchema(raw); err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

// Load reads a tuning file; ".toml" files are parsed as TOML, anything else as
// YAML. An empty path yields Defaults.
func Load(path string) (Tuning, error) {
	if strings.TrimSpace(path) == "" {
		return Defaults(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(raw)
	}
	return Parse(raw)
}
