package store

import (
	"encoding/hex"
	"fmt"
	"time"

	"svocraft.ai/internal/sim/octree"
)

type ChunkKey struct {
	CX int `json:"cx"`
	CY int `json:"cy"`
	CZ int `json:"cz"`
}

func (k ChunkKey) String() string { return fmt.Sprintf("%d,%d,%d", k.CX, k.CY, k.CZ) }

// Chunk is a built chunk. The tree is immutable once published.
type Chunk struct {
	Key      ChunkKey
	Tree     *octree.Octree
	Stats    octree.Stats
	BuiltAt  time.Time
	Duration time.Duration

	seq  uint64
	hash [32]byte
}

func (c *Chunk) Digest() [32]byte { return c.hash }

func (c *Chunk) DigestHex() string { return hex.EncodeToString(c.hash[:]) }

// BuildRecord describes one finished chunk build.
type BuildRecord struct {
	TS         string       `json:"ts"`
	CX         int          `json:"cx"`
	CY         int          `json:"cy"`
	CZ         int          `json:"cz"`
	Levels     uint32       `json:"levels"`
	NodeCount  int          `json:"node_count"`
	Bytes      int          `json:"bytes"`
	Uniform    bool         `json:"uniform"`
	Digest     string       `json:"digest"`
	DurationUS int64        `json:"duration_us"`
	Stats      octree.Stats `json:"stats"`
}

func (k ChunkKey) record(ch *Chunk) BuildRecord {
	return BuildRecord{
		TS:         ch.BuiltAt.UTC().Format(time.RFC3339Nano),
		CX:         k.CX,
		CY:         k.CY,
		CZ:         k.CZ,
		Levels:     ch.Tree.Levels(),
		NodeCount:  ch.Tree.Len(),
		Bytes:      ch.Tree.Len() * 4,
		Uniform:    ch.Tree.Len() == 1,
		Digest:     ch.DigestHex(),
		DurationUS: ch.Duration.Microseconds(),
		Stats:      ch.Stats,
	}
}

// BuildObserver is notified after every chunk build. Implementations must not block.
type BuildObserver interface {
	ObserveBuild(BuildRecord)
}

type Config struct {
	Workers   int
	MaxChunks int // 0 = unbounded
	// SpillBytes sizes an in-memory cache of the encoded buffers of chunks
	// evicted by MaxChunks. 0 disables it.
	SpillBytes int
}
