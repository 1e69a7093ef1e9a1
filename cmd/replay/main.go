package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	persistlog "svocraft.ai/internal/persistence/log"
	"svocraft.ai/internal/sim/terrain/gen"
	"svocraft.ai/internal/sim/terrain/store"
	"svocraft.ai/internal/sim/tuning"
)

// replay regenerates every chunk recorded in the build logs and checks that
// the digest and node count match what the server produced.
func main() {
	var (
		buildsDir  = flag.String("builds", "./data/builds", "dir containing builds-*.jsonl.zst")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "tuning the server ran with")
		seed       = flag.Int64("seed", 0, "override worldgen.seed (0 keeps the tuning value)")
		limit      = flag.Int("limit", 0, "stop after this many records (0 = all)")
	)
	flag.Parse()

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	if *seed != 0 {
		tune.WorldGen.Seed = *seed
	}
	g, err := gen.New(tune.WorldGen, tune.ChunkLevels)
	if err != nil {
		fmt.Fprintln(os.Stderr, "worldgen:", err)
		os.Exit(1)
	}

	files, err := listBuildFiles(*buildsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list builds:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no build log files found in", *buildsDir)
		os.Exit(1)
	}

	var checked, skipped int
	for _, path := range files {
		recs, err := persistlog.ReadBuilds(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(path), err)
			os.Exit(1)
		}
		for _, r := range recs {
			if *limit > 0 && checked >= *limit {
				break
			}
			if r.Levels != g.Levels() {
				skipped++
				continue
			}
			if err := verify(g, r); err != nil {
				fmt.Fprintf(os.Stderr, "replay failed (%s): %v\n", filepath.Base(path), err)
				os.Exit(1)
			}
			checked++
		}
	}
	fmt.Printf("replay ok: checked=%d skipped=%d (levels mismatch) files=%d\n", checked, skipped, len(files))
}

func verify(g *gen.Generator, r store.BuildRecord) error {
	tree, _, err := g.Generate(r.CX, r.CY, r.CZ)
	if err != nil {
		return fmt.Errorf("chunk %d,%d,%d: %w", r.CX, r.CY, r.CZ, err)
	}
	if tree.Len() != r.NodeCount {
		return fmt.Errorf("chunk %d,%d,%d: node_count got=%d want=%d", r.CX, r.CY, r.CZ, tree.Len(), r.NodeCount)
	}
	d := tree.Digest()
	if got := hex.EncodeToString(d[:]); got != r.Digest {
		return fmt.Errorf("chunk %d,%d,%d: digest got=%s want=%s", r.CX, r.CY, r.CZ, got, r.Digest)
	}
	return nil
}

func listBuildFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "builds-") && strings.HasSuffix(name, ".jsonl.zst") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}
