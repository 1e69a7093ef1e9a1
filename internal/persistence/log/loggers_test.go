package log

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"svocraft.ai/internal/sim/octree"
	"svocraft.ai/internal/sim/terrain/store"
)

func TestBuildLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewBuildLogger(dir, func(err error) { t.Errorf("write: %v", err) })

	recs := []store.BuildRecord{
		{CX: 1, CY: 0, CZ: -2, Levels: 6, NodeCount: 1201, Digest: "aa", Stats: octree.Stats{LeafEvals: 512}},
		{CX: 2, CY: 1, CZ: 0, Levels: 6, NodeCount: 1, Uniform: true, Digest: "bb"},
	}
	for _, r := range recs {
		l.ObserveBuild(r)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := l.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files want 1: %v", len(files), files)
	}
	if !strings.HasPrefix(filepath.Base(files[0]), "builds-") {
		t.Fatalf("unexpected file name %s", files[0])
	}
	got, err := ReadBuilds(files[0])
	if err != nil {
		t.Fatalf("ReadBuilds: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("read %d records want %d", len(got), len(recs))
	}
	for i := range recs {
		if got[i] != recs[i] {
			t.Fatalf("record %d: %+v want %+v", i, got[i], recs[i])
		}
	}
}

func TestWriterRotatesPerHour(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "x")
	clock := time.Date(2024, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	var closed []string
	w.onClosed = func(p string) { closed = append(closed, p) }

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(map[string]int{"n": 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if w.Lines() != 3 {
		t.Fatalf("lines=%d want 3", w.Lines())
	}

	files, err := w.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	want := []string{
		filepath.Join(dir, "x-2024-03-01-10.jsonl.zst"),
		filepath.Join(dir, "x-2024-03-01-11.jsonl.zst"),
	}
	if len(files) != 2 || files[0] != want[0] || files[1] != want[1] {
		t.Fatalf("files %v want %v", files, want)
	}
	if len(closed) != 2 || closed[0] != want[0] || closed[1] != want[1] {
		t.Fatalf("closed %v want %v", closed, want)
	}
	n := 0
	if err := ReadJSONL(files[1], func([]byte) error { n++; return nil }); err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if n != 2 {
		t.Fatalf("second hour has %d lines want 2", n)
	}
}

func TestWriterAppendsAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "s")
		w.now = func() time.Time { return clock }
		if err := w.Write(map[string]int{"i": i}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	n := 0
	path := filepath.Join(dir, "s-2024-03-01-10.jsonl.zst")
	if err := ReadJSONL(path, func([]byte) error { n++; return nil }); err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if n != 2 {
		t.Fatalf("read %d lines want 2", n)
	}
}
