package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"strconv"

	"svocraft.ai/internal/persistence/r2s3"
	"svocraft.ai/internal/sim/terrain/store"
	"svocraft.ai/internal/transport/ws"
)

type muxDeps struct {
	store        *store.ChunkStore
	index        runtimeIndex
	mirror       *r2s3.Mirror
	ws           *ws.Server
	tuningDigest string
	enableAdmin  bool
	enablePprof  bool
	logger       *log.Logger
}

func newMux(d muxDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, d.store.Metrics(), d.index, d.mirror)
	})

	if d.enableAdmin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				TuningDigest string           `json:"tuning_digest,omitempty"`
				Levels       uint32           `json:"levels"`
				Metrics      store.Metrics    `json:"metrics"`
				Loaded       []store.ChunkKey `json:"loaded"`
			}{
				TuningDigest: d.tuningDigest,
				Levels:       d.store.Generator().Levels(),
				Metrics:      d.store.Metrics(),
				Loaded:       d.store.LoadedChunkKeys(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/evict", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			k, err := parseChunkKey(r)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": d.store.Evict(k), "key": k})
		})
	} else if d.logger != nil {
		d.logger.Printf("admin endpoints disabled (SVO_ENABLE_ADMIN_HTTP=false)")
	}

	if d.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if d.ws != nil {
		mux.HandleFunc("/v1/ws", d.ws.Handler())
	}
	return mux
}

func parseChunkKey(r *http.Request) (store.ChunkKey, error) {
	var k store.ChunkKey
	for _, f := range []struct {
		name string
		dst  *int
	}{{"cx", &k.CX}, {"cy", &k.CY}, {"cz", &k.CZ}} {
		v, err := strconv.Atoi(r.URL.Query().Get(f.name))
		if err != nil {
			return k, fmt.Errorf("bad %s", f.name)
		}
		*f.dst = v
	}
	return k, nil
}

// writeMetrics emits a minimal Prometheus exposition.
func writeMetrics(rw http.ResponseWriter, m store.Metrics, idx runtimeIndex, mirror *r2s3.Mirror) {
	fmt.Fprintf(rw, "# HELP svo_loaded_chunks Chunks held in the store.\n")
	fmt.Fprintf(rw, "# TYPE svo_loaded_chunks gauge\n")
	fmt.Fprintf(rw, "svo_loaded_chunks %d\n", m.LoadedChunks)

	fmt.Fprintf(rw, "# HELP svo_loaded_nodes Octree nodes held in the store.\n")
	fmt.Fprintf(rw, "# TYPE svo_loaded_nodes gauge\n")
	fmt.Fprintf(rw, "svo_loaded_nodes %d\n", m.LoadedNodes)

	fmt.Fprintf(rw, "# HELP svo_uniform_chunks Loaded chunks stored as a single leaf.\n")
	fmt.Fprintf(rw, "# TYPE svo_uniform_chunks gauge\n")
	fmt.Fprintf(rw, "svo_uniform_chunks %d\n", m.UniformChunks)

	fmt.Fprintf(rw, "# HELP svo_chunk_builds_total Chunk builds.\n")
	fmt.Fprintf(rw, "# TYPE svo_chunk_builds_total counter\n")
	fmt.Fprintf(rw, "svo_chunk_builds_total{result=%q} %d\n", "ok", m.Builds)
	fmt.Fprintf(rw, "svo_chunk_builds_total{result=%q} %d\n", "error", m.BuildErrors)

	fmt.Fprintf(rw, "# HELP svo_chunk_build_seconds_total Time spent building chunks.\n")
	fmt.Fprintf(rw, "# TYPE svo_chunk_build_seconds_total counter\n")
	fmt.Fprintf(rw, "svo_chunk_build_seconds_total %.6f\n", m.BuildSeconds)

	fmt.Fprintf(rw, "# HELP svo_leaf_evals_total Voxels evaluated by the leaf rule.\n")
	fmt.Fprintf(rw, "# TYPE svo_leaf_evals_total counter\n")
	fmt.Fprintf(rw, "svo_leaf_evals_total %d\n", m.LeafEvals)

	fmt.Fprintf(rw, "# HELP svo_spill_entries Evicted chunk buffers held in the spill cache.\n")
	fmt.Fprintf(rw, "# TYPE svo_spill_entries gauge\n")
	fmt.Fprintf(rw, "svo_spill_entries %d\n", m.SpillEntries)
	fmt.Fprintf(rw, "# HELP svo_spill_hits_total Chunks restored from the spill cache instead of rebuilt.\n")
	fmt.Fprintf(rw, "# TYPE svo_spill_hits_total counter\n")
	fmt.Fprintf(rw, "svo_spill_hits_total %d\n", m.SpillHits)

	if idx != nil {
		st := idx.Stats()
		fmt.Fprintf(rw, "# HELP svo_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE svo_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "svo_index_queue_depth %d\n", st.QueueDepth)
		fmt.Fprintf(rw, "# HELP svo_index_rows_total Index rows by outcome.\n")
		fmt.Fprintf(rw, "# TYPE svo_index_rows_total counter\n")
		fmt.Fprintf(rw, "svo_index_rows_total{result=%q} %d\n", "written", st.WrittenTotal)
		fmt.Fprintf(rw, "svo_index_rows_total{result=%q} %d\n", "dropped", st.DropBuildTotal)
	}
	if mirror != nil {
		st := mirror.Stats()
		fmt.Fprintf(rw, "# HELP svo_mirror_queue_depth Build log files waiting for upload.\n")
		fmt.Fprintf(rw, "# TYPE svo_mirror_queue_depth gauge\n")
		fmt.Fprintf(rw, "svo_mirror_queue_depth %d\n", st.QueueDepth)
		fmt.Fprintf(rw, "# HELP svo_mirror_uploads_total Build log uploads by outcome.\n")
		fmt.Fprintf(rw, "# TYPE svo_mirror_uploads_total counter\n")
		fmt.Fprintf(rw, "svo_mirror_uploads_total{result=%q} %d\n", "ok", st.UploadedTotal)
		fmt.Fprintf(rw, "svo_mirror_uploads_total{result=%q} %d\n", "failed", st.FailedTotal)
		fmt.Fprintf(rw, "svo_mirror_uploads_total{result=%q} %d\n", "dropped", st.DroppedTotal)
	}
}
