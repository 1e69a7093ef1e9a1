package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"

	"svocraft.ai/internal/sim/octree"
	"svocraft.ai/internal/sim/terrain/gen"
	"svocraft.ai/internal/sim/terrain/store"
	"svocraft.ai/internal/sim/tuning"
)

func main() {
	var (
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: built-in defaults)")
		levels     = flag.Uint("levels", 0, "override chunk_levels")
		radius     = flag.Int("radius", 4, "build chunks within this many chunks of the origin")
		workers    = flag.Int("workers", 0, "override workers")
		noPrune    = flag.Bool("compare_no_prune", false, "rebuild every non-uniform chunk without pruning and compare")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bench] ", log.LstdFlags)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if *levels != 0 {
		tune.ChunkLevels = uint32(*levels)
	}
	if *workers != 0 {
		tune.Workers = *workers
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	g, err := gen.New(tune.WorldGen, tune.ChunkLevels)
	if err != nil {
		logger.Fatalf("worldgen: %v", err)
	}
	st := store.NewChunkStore(g, store.Config{Workers: tune.Workers}, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	r := *radius
	keys := store.Region(
		store.ChunkKey{CX: -r, CY: tune.WorldGen.MinChunkY, CZ: -r},
		store.ChunkKey{CX: r, CY: tune.WorldGen.MaxChunkY, CZ: r},
	)
	start := time.Now()
	if err := st.Prefetch(ctx, keys); err != nil {
		logger.Fatalf("prefetch: %v", err)
	}
	wall := time.Since(start)

	var agg octree.Stats
	var bytes, resident uint64
	for _, k := range st.LoadedChunkKeys() {
		ch, _ := st.Lookup(k)
		agg.LeafEvals += ch.Stats.LeafEvals
		agg.Pruned += ch.Stats.Pruned
		agg.Collapsed += ch.Stats.Collapsed
		agg.Shared += ch.Stats.Shared
		bytes += uint64(len(ch.Tree.Bytes()))
		resident += uint64(size.Of(ch.Tree))
	}
	m := st.Metrics()
	side := uint64(g.SideLength())
	dense := uint64(m.LoadedChunks) * side * side * side * 4

	logger.Printf("levels=%d side=%d workers=%d chunks=%d (%d uniform)", tune.ChunkLevels, side, tune.Workers, m.LoadedChunks, m.UniformChunks)
	logger.Printf("built in %s wall, %.3fs cpu", wall.Round(time.Millisecond), m.BuildSeconds)
	logger.Printf("nodes=%s svo=%s dense=%s (%.1fx) resident=%s",
		humanize.Comma(int64(m.LoadedNodes)), humanize.Bytes(bytes), humanize.Bytes(dense),
		float64(dense)/float64(max(bytes, 1)), humanize.Bytes(resident))
	logger.Printf("leaf_evals=%s pruned=%s collapsed=%s shared=%s",
		humanize.Comma(int64(agg.LeafEvals)), humanize.Comma(int64(agg.Pruned)),
		humanize.Comma(int64(agg.Collapsed)), humanize.Comma(int64(agg.Shared)))

	if !*noPrune {
		return
	}
	var full, mismatched int
	var fullTime time.Duration
	for _, k := range st.LoadedChunkKeys() {
		ch, _ := st.Lookup(k)
		if ch.Tree.Len() == 1 {
			continue
		}
		c, err := g.Prepare(k.CX, k.CY, k.CZ)
		if err != nil {
			logger.Fatalf("prepare %s: %v", k, err)
		}
		t0 := time.Now()
		tree, stats, err := c.Build(false)
		if err != nil {
			logger.Fatalf("build %s: %v", k, err)
		}
		fullTime += time.Since(t0)
		full += stats.LeafEvals
		if tree.Digest() != ch.Digest() {
			mismatched++
		}
	}
	logger.Printf("without pruning: leaf_evals=%s in %s", humanize.Comma(int64(full)), fullTime.Round(time.Millisecond))
	if mismatched > 0 {
		logger.Fatalf("%d chunks differ between pruned and full builds", mismatched)
	}
}
