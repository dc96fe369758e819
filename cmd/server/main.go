package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"voxelguard.ai/internal/blockprops"
	"voxelguard.ai/internal/config"
	"voxelguard.ai/internal/deferred"
	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/host"
	"voxelguard.ai/internal/metrics"
	"voxelguard.ai/internal/persistence/archive"
	persistlog "voxelguard.ai/internal/persistence/log"
	"voxelguard.ai/internal/persistence/r2s3"
	"voxelguard.ai/internal/sched"
	"voxelguard.ai/internal/transport/ws"
)

type serverOpts struct {
	Addr       string
	ConfigPath string
	BlocksPath string
	DataDir    string
}

// httpToggles are environment-only switches for the optional endpoints.
type httpToggles struct {
	Admin *bool `env:"VG_ENABLE_ADMIN_HTTP"`
	Pprof bool  `env:"VG_ENABLE_PPROF_HTTP"`
}

func main() {
	var opts serverOpts
	flag.StringVar(&opts.Addr, "addr", ":8080", "http listen address")
	flag.StringVar(&opts.ConfigPath, "config", "./configs/guard.yaml", "guard config path (empty for built-in defaults)")
	flag.StringVar(&opts.BlocksPath, "blocks", "./configs/blocks.json", "block properties catalog")
	flag.StringVar(&opts.DataDir, "data", "./data", "runtime data directory (audit trail, index)")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)
	ctx, cancel := signalContext()
	defer cancel()
	if err := run(ctx, opts, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(ctx context.Context, opts serverOpts, logger *log.Logger) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cat, err := blockprops.Load(opts.BlocksPath)
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	vacant, ok := cat.State(cfg.VacantBlock)
	if !ok {
		return fmt.Errorf("vacant_block %q not in catalog", cfg.VacantBlock)
	}
	ix, err := config.LoadIndex()
	if err != nil {
		return err
	}
	arc, err := config.LoadArchive(ix.Node)
	if err != nil {
		return err
	}
	var toggles httpToggles
	if err := config.ParseEnv(&toggles); err != nil {
		return err
	}

	tracker := history.NewTracker(cfg.History(vacant))
	mirror := host.NewMirror(vacant)
	for _, w := range cfg.Worlds {
		mirror.LoadWorld(w)
	}
	rt := host.New(cfg.Host(), childLogger("host"))

	backends, err := openIndexBackends(opts.DataDir, ix, cat, childLogger("index"))
	if err != nil {
		return fmt.Errorf("open index backend: %w", err)
	}
	audit := persistlog.NewAuditLogger(opts.DataDir, backends.writers()...)
	archiver, err := openArchiver(opts.DataDir, arc, childLogger("archive"))
	if err != nil {
		return fmt.Errorf("open archiver: %w", err)
	}

	var (
		sch    *sched.Scheduler
		bridge *ws.Server
	)
	src := metrics.Sources{
		Tracker:   tracker.Stats,
		Scheduler: func() sched.Stats { return sch.Stats() },
		Loops:     rt.Loops,
		Bridge:    func() ws.Stats { return bridge.Stats() },
	}
	if backends.sqlite != nil {
		src.Index = backends.sqlite.Stats
	}
	if backends.d1 != nil {
		src.D1 = backends.d1.Stats
	}
	if archiver != nil {
		src.Archive = archiver.Stats
	}
	m := metrics.New(src)
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sch, err = sched.New(sched.Config{Strategy: cfg.Strategy()}, audit.Wrap(tracker),
		deferred.Env{Live: mirror, Flags: cat, Attach: cat}, rt, childLogger("sched"), audit, m)
	if err != nil {
		return err
	}
	rt.OnTick(newSweeper(tracker, rt.RegionParallel(), cfg.ExternalClock, cfg.SweepEveryTicks).hook)
	bridge = ws.NewServer(ws.Deps{Tracker: tracker, Mirror: mirror, Runtime: rt, Scheduler: sch, Catalog: cat}, childLogger("ws"))

	logger.Printf("config horizon=%d scheduling=%s mode=%s region_shift=%d worlds=%s index=%s",
		cfg.HorizonTicks, cfg.Scheduling, sch.Mode(), cfg.RegionShift, strings.Join(cfg.Worlds, ","), ix.Backend)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/ws", bridge.Handler())

	enableAdmin := defaultEnableAdminHTTP()
	if toggles.Admin != nil {
		enableAdmin = *toggles.Admin
	}
	if enableAdmin {
		mux.HandleFunc("/admin/v1/state", adminStateHandler(func() any {
			return adminState{
				Tracker:   tracker.Stats(),
				Scheduler: sch.Stats(),
				Loops:     rt.Loops(),
				Bridge:    bridge.Stats(),
				Audit:     auditState{Lines: audit.Lines(), Errors: audit.Errors()},
				Archive:   archiveStats(archiver),
			}
		}))
	} else {
		logger.Printf("admin endpoints disabled (VG_ENABLE_ADMIN_HTTP=false)")
	}
	if toggles.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("runtime: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Printf("listening on %s", opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		t := time.NewTicker(2 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if err := audit.Sync(); err != nil {
					logger.Printf("audit sync: %v", err)
				}
			}
		}
	})
	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx, arc.Every) })
	}
	runErr := g.Wait()

	// Everything captured before shutdown is replayed and audited before exit.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	if err := sch.Drain(drainCtx); err != nil {
		logger.Printf("drain: %v (pending=%d)", err, sch.Pending())
	}
	rt.Close()
	if err := audit.Close(); err != nil {
		logger.Printf("close audit: %v", err)
	}
	backends.Close()
	if archiver != nil {
		// Files sealed while running go out now; the current hour waits for the next start.
		sweepCtx, cancelSweep := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := archiver.Sweep(sweepCtx); err != nil {
			logger.Printf("archive sweep: %v", err)
		}
		cancelSweep()
	}

	st := tracker.Stats()
	logger.Printf("stopped records=%d appended=%d stale=%d evicted=%d scheduled=%d fallbacks=%d",
		st.Records, st.Appended, st.Stale, st.Evicted, sch.Stats().Scheduled, sch.Stats().Fallbacks)
	return runErr
}

func openArchiver(dataDir string, arc config.Archive, logger *log.Logger) (*archive.Archiver, error) {
	if !arc.Enabled() {
		return nil, nil
	}
	client, err := r2s3.New(arc.Endpoint, arc.Bucket, arc.AccessKey, arc.SecretKey)
	if err != nil {
		return nil, err
	}
	return archive.New(filepath.Join(dataDir, "audit"), arc.Prefix, client, logger)
}

func archiveStats(a *archive.Archiver) *archive.Stats {
	if a == nil {
		return nil
	}
	st := a.Stats()
	return &st
}

func childLogger(name string) *log.Logger {
	return log.New(os.Stdout, "["+name+"] ", log.LstdFlags|log.Lmicroseconds)
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

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
