package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coocood/freecache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"svocraft.ai/internal/sim/octree"
	"svocraft.ai/internal/sim/terrain/gen"
)

type orderEntry struct {
	key ChunkKey
	seq uint64
}

type ChunkStore struct {
	gen    *gen.Generator
	cfg    Config
	logger *log.Logger

	flight   singleflight.Group
	building sync.WaitGroup

	// spill keeps the buffers of chunks pushed out by MaxChunks; nil when
	// SpillBytes is 0.
	spill *freecache.Cache

	spillHits   atomic.Uint64
	builds      atomic.Uint64
	buildErrors atomic.Uint64
	buildNanos  atomic.Int64
	leafEvals   atomic.Uint64

	mu        sync.RWMutex
	chunks    map[ChunkKey]*Chunk
	order     []orderEntry
	seq       uint64
	observers []BuildObserver
}

func NewChunkStore(g *gen.Generator, cfg Config, logger *log.Logger) *ChunkStore {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	s := &ChunkStore{
		gen:    g,
		cfg:    cfg,
		logger: logger,
		chunks: map[ChunkKey]*Chunk{},
	}
	if cfg.SpillBytes > 0 {
		s.spill = freecache.NewCache(cfg.SpillBytes)
	}
	return s
}

func (s *ChunkStore) Generator() *gen.Generator { return s.gen }

func (s *ChunkStore) AddObserver(o BuildObserver) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *ChunkStore) Lookup(k ChunkKey) (*Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.chunks[k]
	return ch, ok
}

// GetOrGenChunk returns the cached chunk or builds it. Concurrent callers for the
// same key wait on a single build.
func (s *ChunkStore) GetOrGenChunk(ctx context.Context, k ChunkKey) (*Chunk, error) {
	if ch, ok := s.Lookup(k); ok {
		return ch, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// building counts callers until their flight has delivered, so Drain also
	// covers builds whose callers gave up.
	s.building.Add(1)
	res := s.flight.DoChan(k.String(), func() (any, error) {
		if ch, ok := s.Lookup(k); ok {
			return ch, nil
		}
		if ch, ok := s.restore(k); ok {
			return ch, nil
		}
		return s.build(k)
	})
	select {
	case <-ctx.Done():
		go func() {
			<-res
			s.building.Done()
		}()
		return nil, ctx.Err()
	case r := <-res:
		s.building.Done()
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Chunk), nil
	}
}

func (s *ChunkStore) build(k ChunkKey) (*Chunk, error) {
	start := time.Now()
	tree, stats, err := s.gen.Generate(k.CX, k.CY, k.CZ)
	if err != nil {
		s.buildErrors.Add(1)
		s.printf("chunk %s build failed: %v", k, err)
		return nil, fmt.Errorf("build chunk %s: %w", k, err)
	}
	ch := &Chunk{
		Key:      k,
		Tree:     tree,
		Stats:    stats,
		BuiltAt:  start,
		Duration: time.Since(start),
		hash:     tree.Digest(),
	}
	s.builds.Add(1)
	s.buildNanos.Add(int64(ch.Duration))
	s.leafEvals.Add(uint64(stats.LeafEvals))

	s.mu.Lock()
	s.publishLocked(ch)
	observers := append([]BuildObserver(nil), s.observers...)
	s.mu.Unlock()

	if len(observers) > 0 {
		rec := k.record(ch)
		for _, o := range observers {
			o.ObserveBuild(rec)
		}
	}
	return ch, nil
}

func (s *ChunkStore) publishLocked(ch *Chunk) {
	s.seq++
	ch.seq = s.seq
	s.chunks[ch.Key] = ch
	s.order = append(s.order, orderEntry{key: ch.Key, seq: ch.seq})
	s.evictOverflowLocked()
	if len(s.order) > 2*len(s.chunks)+64 {
		s.compactOrderLocked()
	}
}

// compactOrderLocked drops order entries of chunks that were evicted or
// replaced since they were queued.
func (s *ChunkStore) compactOrderLocked() {
	live := s.order[:0]
	for _, e := range s.order {
		if ch, ok := s.chunks[e.key]; ok && ch.seq == e.seq {
			live = append(live, e)
		}
	}
	clear(s.order[len(live):])
	s.order = live
}

// restore republishes a spilled chunk without rebuilding it. Restored chunks
// carry no build stats and are not reported to observers.
func (s *ChunkStore) restore(k ChunkKey) (*Chunk, bool) {
	if s.spill == nil {
		return nil, false
	}
	key := []byte(k.String())
	b, err := s.spill.Get(key)
	if err != nil {
		return nil, false
	}
	s.spill.Del(key)
	tree, err := octree.FromBytes(b, s.gen.Levels())
	if err != nil {
		s.printf("chunk %s: dropping bad spill entry: %v", k, err)
		return nil, false
	}
	ch := &Chunk{Key: k, Tree: tree, BuiltAt: time.Now(), hash: tree.Digest()}
	s.spillHits.Add(1)

	s.mu.Lock()
	s.publishLocked(ch)
	s.mu.Unlock()
	return ch, true
}

// evictOverflowLocked drops the oldest chunks until the cache fits MaxChunks,
// spilling their buffers when a spill cache is configured.
func (s *ChunkStore) evictOverflowLocked() {
	if s.cfg.MaxChunks <= 0 {
		return
	}
	for len(s.chunks) > s.cfg.MaxChunks && len(s.order) > 0 {
		e := s.order[0]
		s.order = s.order[1:]
		// Entries of explicitly evicted or rebuilt chunks are stale.
		ch, ok := s.chunks[e.key]
		if !ok || ch.seq != e.seq {
			continue
		}
		delete(s.chunks, e.key)
		if s.spill != nil {
			// Entries larger than the cache's per-entry limit are simply not kept.
			_ = s.spill.Set([]byte(e.key.String()), ch.Tree.Bytes(), 0)
		}
	}
}

// Prefetch builds every key with at most Workers builds in flight. It returns
// the first error; remaining keys are abandoned once ctx is cancelled.
func (s *ChunkStore) Prefetch(ctx context.Context, keys []ChunkKey) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, k := range keys {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := s.GetOrGenChunk(gctx, k)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Evict drops k from memory and from the spill cache, so the next request
// rebuilds it.
func (s *ChunkStore) Evict(k ChunkKey) bool {
	if s.spill != nil {
		s.spill.Del([]byte(k.String()))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[k]; !ok {
		return false
	}
	delete(s.chunks, k)
	return true
}

// Drain waits for builds that are still running, including those whose
// callers gave up, so observers see no records after it returns. Callers must
// stop issuing requests first.
func (s *ChunkStore) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.building.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Metrics struct {
	LoadedChunks  int     `json:"loaded_chunks"`
	LoadedNodes   int     `json:"loaded_nodes"`
	Builds        uint64  `json:"builds"`
	BuildErrors   uint64  `json:"build_errors"`
	BuildSeconds  float64 `json:"build_seconds"`
	LeafEvals     uint64  `json:"leaf_evals"`
	UniformChunks int     `json:"uniform_chunks"`
	SpillEntries  int64   `json:"spill_entries"`
	SpillHits     uint64  `json:"spill_hits"`
}

func (s *ChunkStore) Metrics() Metrics {
	m := Metrics{
		Builds:       s.builds.Load(),
		BuildErrors:  s.buildErrors.Load(),
		BuildSeconds: time.Duration(s.buildNanos.Load()).Seconds(),
		LeafEvals:    s.leafEvals.Load(),
		SpillHits:    s.spillHits.Load(),
	}
	if s.spill != nil {
		m.SpillEntries = s.spill.EntryCount()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m.LoadedChunks = len(s.chunks)
	for _, ch := range s.chunks {
		m.LoadedNodes += ch.Tree.Len()
		if ch.Tree.Len() == 1 {
			m.UniformChunks++
		}
	}
	return m
}

func (s *ChunkStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *ChunkStore) LoadedChunkKeys() []ChunkKey {
	s.mu.RLock()
	keys := make([]ChunkKey, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		if keys[i].CY != keys[j].CY {
			return keys[i].CY < keys[j].CY
		}
		return keys[i].CZ < keys[j].CZ
	})
	return keys
}

// ChunkOf splits a world voxel coordinate into its chunk key and local position.
func (s *ChunkStore) ChunkOf(x, y, z int) (ChunkKey, octree.Pos) {
	side := s.gen.SideLength()
	k := ChunkKey{CX: gen.FloorDiv(x, side), CY: gen.FloorDiv(y, side), CZ: gen.FloorDiv(z, side)}
	return k, octree.Pos{X: gen.Mod(x, side), Y: gen.Mod(y, side), Z: gen.Mod(z, side)}
}

// GetBlock returns the material at a world voxel coordinate, building its chunk
// on demand.
func (s *ChunkStore) GetBlock(ctx context.Context, x, y, z int) (uint32, error) {
	k, p := s.ChunkOf(x, y, z)
	ch, err := s.GetOrGenChunk(ctx, k)
	if err != nil {
		return 0, err
	}
	return ch.Tree.Get(p)
}

func (s *ChunkStore) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Region lists the keys of the box [lo, hi] (inclusive), x-major.
func Region(lo, hi ChunkKey) []ChunkKey {
	var keys []ChunkKey
	for cx := lo.CX; cx <= hi.CX; cx++ {
		for cy := lo.CY; cy <= hi.CY; cy++ {
			for cz := lo.CZ; cz <= hi.CZ; cz++ {
				keys = append(keys, ChunkKey{CX: cx, CY: cy, CZ: cz})
			}
		}
	}
	return keys
}
