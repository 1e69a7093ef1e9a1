package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"svocraft.ai/internal/sim/terrain/store"
	"svocraft.ai/internal/sim/tuning"
)

const defaultQueue = 65536

// SQLiteIndex is a queryable read model of chunk builds. Writes are queued and
// applied by one goroutine in batched transactions; the build log stays the
// source of truth, so a full queue drops rows instead of blocking builds.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan store.BuildRecord
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	pending atomic.Int64
	dropped atomic.Uint64
	written atomic.Uint64
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropBuildTotal uint64 `json:"drop_build_total"`
	WrittenTotal   uint64 `json:"written_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan store.BuildRecord, defaultQueue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tuning (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS builds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			levels INTEGER NOT NULL,
			node_count INTEGER NOT NULL,
			uniform INTEGER NOT NULL,
			digest TEXT NOT NULL,
			duration_us INTEGER NOT NULL,
			leaf_evals INTEGER NOT NULL,
			pruned INTEGER NOT NULL,
			shared INTEGER NOT NULL,
			built_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_pos ON builds(cx, cz, cy, id);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_digest ON builds(digest);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// ObserveBuild queues one build row. It never blocks.
func (s *SQLiteIndex) ObserveBuild(r store.BuildRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	s.pending.Add(1)
	select {
	case s.ch <- r:
	default:
		s.pending.Add(-1)
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropBuildTotal: s.dropped.Load(),
		WrittenTotal:   s.written.Load(),
	}
}

// UpsertTuning stores the configuration actually applied, as canonical JSON.
func (s *SQLiteIndex) UpsertTuning(ctx context.Context, t tuning.Tuning) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	digest := t.Digest()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('tuning_digest',?)`, digest); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO tuning(digest,json,updated_at) VALUES(?,?,?)`, digest, string(b), now); err != nil {
		return "", err
	}
	return digest, tx.Commit()
}

// BuildRow is one indexed build.
type BuildRow struct {
	Key        store.ChunkKey
	Levels     uint32
	NodeCount  int
	Uniform    bool
	Digest     string
	DurationUS int64
	BuiltAt    string
}

// LatestBuild returns the most recent build of k, or sql.ErrNoRows.
func (s *SQLiteIndex) LatestBuild(ctx context.Context, k store.ChunkKey) (BuildRow, error) {
	var (
		r       BuildRow
		uniform int
	)
	row := s.db.QueryRowContext(ctx, `SELECT levels,node_count,uniform,digest,duration_us,built_at
		FROM builds WHERE cx=? AND cy=? AND cz=? ORDER BY id DESC LIMIT 1`, k.CX, k.CY, k.CZ)
	if err := row.Scan(&r.Levels, &r.NodeCount, &uniform, &r.Digest, &r.DurationUS, &r.BuiltAt); err != nil {
		return BuildRow{}, err
	}
	r.Key = k
	r.Uniform = uniform != 0
	return r, nil
}

// CountBuilds returns the total number of indexed builds and how many were uniform.
func (s *SQLiteIndex) CountBuilds(ctx context.Context) (total, uniform int, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(uniform),0) FROM builds`)
	err = row.Scan(&total, &uniform)
	return total, uniform, err
}

// Flush waits until every queued row has been committed (or dropped) or ctx ends.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

var errTxUnavailable = errors.New("indexdb: cannot begin transaction")

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertBuild, _ := s.db.Prepare(`INSERT INTO builds(cx,cy,cz,levels,node_count,uniform,digest,duration_us,leaf_evals,pruned,shared,built_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertBuild != nil {
			_ = insertBuild.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() error {
		if tx != nil {
			return nil
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return errTxUnavailable
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
		return nil
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err == nil {
			s.written.Add(uint64(opCount))
		} else {
			s.dropped.Add(uint64(opCount))
		}
		s.pending.Add(-int64(opCount))
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.dropped.Add(uint64(opCount))
		s.pending.Add(-int64(opCount))
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if insertBuild == nil || begin() != nil {
			s.dropped.Add(1)
			s.pending.Add(-1)
			continue
		}
		uniform := 0
		if r.Uniform {
			uniform = 1
		}
		if _, err := tx.Stmt(insertBuild).Exec(
			r.CX, r.CY, r.CZ,
			r.Levels,
			r.NodeCount,
			uniform,
			r.Digest,
			r.DurationUS,
			r.Stats.LeafEvals,
			r.Stats.Pruned,
			r.Stats.Shared,
			r.TS,
		); err != nil {
			opCount++
			rollback()
			continue
		}
		opCount++
		// Commit eagerly when the queue drains so readers see fresh rows.
		if len(s.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}
