package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	persistlog "svocraft.ai/internal/persistence/log"
	"svocraft.ai/internal/protocol"
	"svocraft.ai/internal/sim/terrain/gen"
	"svocraft.ai/internal/sim/terrain/store"
	"svocraft.ai/internal/sim/tuning"
	"svocraft.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		seed       = flag.Int64("seed", 0, "override worldgen.seed (0 keeps the tuning value)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite build index")
		warm       = flag.Int("warm_radius", 0, "prefetch chunks within this many chunks of the origin before listening")
		logFile    = flag.String("log_file", "", "also write logs to this rotating file")
		logMaxMB   = flag.Int("log_max_mb", 100, "rotate the log file at this size")
		logMaxAge  = flag.Int("log_max_age", 14, "days to keep rotated log files")
	)
	flag.Parse()

	out, closeLog := logOutput(*logFile, *logMaxMB, *logMaxAge)
	defer closeLog()
	newLogger := func(component string) *log.Logger {
		return log.New(out, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)
	}
	logger := newLogger("server")

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if *seed != 0 {
		tune.WorldGen.Seed = *seed
	}

	g, err := gen.New(tune.WorldGen, tune.ChunkLevels)
	if err != nil {
		logger.Fatalf("worldgen: %v", err)
	}
	st := store.NewChunkStore(g, store.Config{
		Workers:    tune.Workers,
		MaxChunks:  tune.MaxCachedChunks,
		SpillBytes: tune.SpillCacheMB << 20,
	}, newLogger("store"))

	_ = os.MkdirAll(*dataDir, 0o755)

	// The mirror is closed after the build log so the last file is shipped.
	mirror, err := openBuildLogMirror(*dataDir, newLogger("mirror"))
	if err != nil {
		logger.Fatalf("build log mirror: %v", err)
	}
	if mirror != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			mirror.Close(ctx)
		}()
	}

	buildLog := persistlog.NewBuildLogger(*dataDir, func(err error) {
		logger.Printf("build log: %v", err)
	})
	if mirror != nil {
		buildLog.OnFileClosed(mirror.Enqueue)
	}
	defer buildLog.Close()
	st.AddObserver(buildLog)

	// Optional read-model index; chunk content never depends on it.
	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	tuningDigest := tune.Digest()
	if idx != nil {
		defer idx.Close()
		st.AddObserver(idx)
		if _, err := idx.UpsertTuning(context.Background(), tune); err != nil {
			logger.Printf("index backend: upsert tuning: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *warm > 0 {
		r := *warm
		keys := store.Region(
			store.ChunkKey{CX: -r, CY: tune.WorldGen.MinChunkY, CZ: -r},
			store.ChunkKey{CX: r, CY: tune.WorldGen.MaxChunkY, CZ: r},
		)
		start := time.Now()
		if err := st.Prefetch(ctx, keys); err != nil {
			logger.Printf("warm-up stopped: %v", err)
		}
		logger.Printf("warmed %d chunks in %s", st.Len(), time.Since(start).Round(time.Millisecond))
	}

	wsSrv := ws.NewServer(st, ws.Config{
		MaxQueue:     tune.Server.MaxQueue,
		ReadTimeout:  time.Duration(tune.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(tune.Server.WriteTimeoutMs) * time.Millisecond,
		World: protocol.WorldParams{
			Levels:     tune.ChunkLevels,
			SideLength: tune.SideLength(),
			Seed:       tune.WorldGen.Seed,
			MinChunkY:  tune.WorldGen.MinChunkY,
			MaxChunkY:  tune.WorldGen.MaxChunkY,
			Materials:  []string{gen.MaterialName(gen.Air), gen.MaterialName(gen.Stone), gen.MaterialName(gen.Grass), gen.MaterialName(gen.Water)},
		},
		TuningDigest: tuningDigest,
	}, newLogger("ws"))

	mux := newMux(muxDeps{
		store:        st,
		index:        idx,
		mirror:       mirror,
		ws:           wsSrv,
		tuningDigest: tuningDigest,
		enableAdmin:  envBool("SVO_ENABLE_ADMIN_HTTP", true),
		enablePprof:  envBool("SVO_ENABLE_PPROF_HTTP", false),
		logger:       logger,
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Sessions and their builds finish before the deferred build log, index and
	// mirror closes run.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
		if err := wsSrv.Close(ctx2); err != nil {
			logger.Printf("websocket sessions still open: %v", err)
		}
		if err := st.Drain(ctx2); err != nil {
			logger.Printf("chunk builds still running: %v", err)
		}
	}()

	logger.Printf("listening on %s (levels=%d side=%d seed=%d)", *addr, tune.ChunkLevels, tune.SideLength(), tune.WorldGen.Seed)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-stopped
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
