package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"svocraft.ai/internal/persistence/indexdb"
	"svocraft.ai/internal/sim/terrain/store"
	"svocraft.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	store.BuildObserver
	Close() error
	UpsertTuning(ctx context.Context, t tuning.Tuning) (string, error)
	Stats() indexdb.Stats
}

func openRuntimeIndex(dataDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("SVO_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(dataDir, "index", "builds.sqlite")
		idx, err := indexdb.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported SVO_INDEX_BACKEND: %s", backend)
	}
}
