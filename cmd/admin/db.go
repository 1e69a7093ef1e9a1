package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	cx := fs.Int("cx", 0, "chunk x (chunk query)")
	cy := fs.Int("cy", 0, "chunk y (chunk query)")
	cz := fs.Int("cz", 0, "chunk z (chunk query)")
	_ = fs.Parse(args)

	q := "builds"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "builds.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "builds":
		queryBuilds(db, `SELECT `+buildCols+` FROM builds ORDER BY id DESC LIMIT ?`, *limit)

	case "chunk":
		queryBuilds(db, `SELECT `+buildCols+` FROM builds WHERE cx=? AND cy=? AND cz=? ORDER BY id DESC LIMIT ?`, *cx, *cy, *cz, *limit)

	case "summary":
		var r struct {
			Builds      int64   `json:"builds"`
			Chunks      int64   `json:"distinct_chunks"`
			Uniform     int64   `json:"uniform"`
			Nodes       int64   `json:"nodes"`
			LeafEvals   int64   `json:"leaf_evals"`
			AvgBuildUS  float64 `json:"avg_build_us"`
			DigestDrift int64   `json:"chunks_with_digest_drift"`
		}
		row := db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT cx||','||cy||','||cz), COALESCE(SUM(uniform),0),
			COALESCE(SUM(node_count),0), COALESCE(SUM(leaf_evals),0), COALESCE(AVG(duration_us),0) FROM builds`)
		if err := row.Scan(&r.Builds, &r.Chunks, &r.Uniform, &r.Nodes, &r.LeafEvals, &r.AvgBuildUS); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		// Rebuilds of one chunk under one levels setting must share a digest.
		row = db.QueryRow(`SELECT COUNT(*) FROM (SELECT 1 FROM builds GROUP BY cx, cy, cz, levels HAVING COUNT(DISTINCT digest) > 1)`)
		if err := row.Scan(&r.DigestDrift); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		printJSON(r)

	case "tuning":
		rows, err := db.Query(`SELECT digest, json, updated_at FROM tuning ORDER BY updated_at DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Digest    string `json:"digest"`
				JSON      string `json:"json"`
				UpdatedAt string `json:"updated_at"`
			}
			if err := rows.Scan(&r.Digest, &r.JSON, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-limit N] builds|chunk -cx X -cy Y -cz Z|summary|tuning")
		os.Exit(2)
	}
}

const buildCols = `id,cx,cy,cz,levels,node_count,uniform,digest,duration_us,leaf_evals,pruned,shared,built_at`

type buildRow struct {
	ID         int64  `json:"id"`
	CX         int    `json:"cx"`
	CY         int    `json:"cy"`
	CZ         int    `json:"cz"`
	Levels     int    `json:"levels"`
	NodeCount  int    `json:"node_count"`
	Uniform    bool   `json:"uniform"`
	Digest     string `json:"digest"`
	DurationUS int64  `json:"duration_us"`
	LeafEvals  int    `json:"leaf_evals"`
	Pruned     int    `json:"pruned"`
	Shared     int    `json:"shared"`
	BuiltAt    string `json:"built_at"`
}

func queryBuilds(db *sql.DB, q string, args ...any) {
	rows, err := db.Query(q, args...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	for rows.Next() {
		var r buildRow
		if err := rows.Scan(&r.ID, &r.CX, &r.CY, &r.CZ, &r.Levels, &r.NodeCount, &r.Uniform, &r.Digest,
			&r.DurationUS, &r.LeafEvals, &r.Pruned, &r.Shared, &r.BuiltAt); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		printJSON(r)
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(1)
	}
}
