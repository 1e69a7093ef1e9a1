package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"svocraft.ai/internal/sim/octree"
	"svocraft.ai/internal/sim/terrain/store"
	"svocraft.ai/internal/sim/tuning"
)

func openTemp(t *testing.T) (*SQLiteIndex, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index", "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx, path
}

func TestSQLiteIndex_RecordsBuilds(t *testing.T) {
	idx, _ := openTemp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	k := store.ChunkKey{CX: 4, CY: 0, CZ: -3}
	idx.ObserveBuild(store.BuildRecord{TS: "t1", CX: 4, CY: 0, CZ: -3, Levels: 6, NodeCount: 900, Digest: "old"})
	idx.ObserveBuild(store.BuildRecord{TS: "t2", CX: 4, CY: 0, CZ: -3, Levels: 6, NodeCount: 901, Digest: "new", Stats: octree.Stats{LeafEvals: 10}})
	idx.ObserveBuild(store.BuildRecord{TS: "t3", CX: 4, CY: 1, CZ: -3, Levels: 6, NodeCount: 1, Uniform: true, Digest: "air"})
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	row, err := idx.LatestBuild(ctx, k)
	if err != nil {
		t.Fatalf("LatestBuild: %v", err)
	}
	if row.Digest != "new" || row.NodeCount != 901 || row.Levels != 6 || row.Uniform || row.BuiltAt != "t2" {
		t.Fatalf("row mismatch: %+v", row)
	}

	total, uniform, err := idx.CountBuilds(ctx)
	if err != nil {
		t.Fatalf("CountBuilds: %v", err)
	}
	if total != 3 || uniform != 1 {
		t.Fatalf("total=%d uniform=%d want 3,1", total, uniform)
	}

	if _, err := idx.LatestBuild(ctx, store.ChunkKey{CX: 99}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing key: got %v want sql.ErrNoRows", err)
	}
	if st := idx.Stats(); st.WrittenTotal != 3 || st.DropBuildTotal != 0 {
		t.Fatalf("stats mismatch: %+v", st)
	}
}

func TestSQLiteIndex_RowsSurviveClose(t *testing.T) {
	idx, path := openTemp(t)
	idx.ObserveBuild(store.BuildRecord{TS: "t", CX: 1, CY: 2, CZ: 3, Levels: 5, NodeCount: 17, Digest: "d"})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Builds after Close are ignored.
	idx.ObserveBuild(store.BuildRecord{CX: 9})

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var (
		cx, cy, cz, nodes int
		digest            string
	)
	row := db.QueryRow(`SELECT cx,cy,cz,node_count,digest FROM builds`)
	if err := row.Scan(&cx, &cy, &cz, &nodes, &digest); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if cx != 1 || cy != 2 || cz != 3 || nodes != 17 || digest != "d" {
		t.Fatalf("row mismatch: %d,%d,%d nodes=%d digest=%q", cx, cy, cz, nodes, digest)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan store.BuildRecord, 1)}
	s.ObserveBuild(store.BuildRecord{CX: 1})
	s.ObserveBuild(store.BuildRecord{CX: 2})

	st := s.Stats()
	if st.DropBuildTotal != 1 {
		t.Fatalf("DropBuildTotal=%d want=1", st.DropBuildTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_UpsertTuning(t *testing.T) {
	idx, _ := openTemp(t)
	ctx := context.Background()

	a, err := idx.UpsertTuning(ctx, tuning.Defaults())
	if err != nil {
		t.Fatalf("UpsertTuning: %v", err)
	}
	b, err := idx.UpsertTuning(ctx, tuning.Defaults())
	if err != nil {
		t.Fatalf("UpsertTuning: %v", err)
	}
	if a != b || len(a) != 64 {
		t.Fatalf("digest not stable: %q vs %q", a, b)
	}
	if a != tuning.Defaults().Digest() {
		t.Fatalf("index digest %q differs from Tuning.Digest", a)
	}
	changed := tuning.Defaults()
	changed.WorldGen.Seed++
	c, err := idx.UpsertTuning(ctx, changed)
	if err != nil {
		t.Fatalf("UpsertTuning: %v", err)
	}
	if c == a {
		t.Fatalf("different tuning produced the same digest")
	}

	var current string
	if err := idx.db.QueryRow(`SELECT value FROM meta WHERE key='tuning_digest'`).Scan(&current); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if current != c {
		t.Fatalf("meta tuning_digest=%q want %q", current, c)
	}
}
