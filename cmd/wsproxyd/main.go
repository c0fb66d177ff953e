package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wsproxy/internal/config"
	"wsproxy/internal/httpserver"
	"wsproxy/internal/metrics"
	"wsproxy/internal/relay"
	"wsproxy/internal/session"
	"wsproxy/internal/store"
	"wsproxy/internal/telemetry"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting wsproxyd",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"endpoints_file", cfg.EndpointsFile,
		"watch_endpoints", cfg.WatchEndpoints,
		"backpressure_warn_bytes", cfg.BackpressureWarnBytes,
		"backpressure_drop_bytes", cfg.BackpressureDropBytes,
	)

	endpoints, err := store.NewFileEndpointStore(cfg.EndpointsFile, logger)
	if err != nil {
		logger.Error("failed to load endpoints file", "file", cfg.EndpointsFile, "err", err)
		os.Exit(2)
	}
	defer endpoints.Close()
	if cfg.WatchEndpoints {
		if err := endpoints.Watch(); err != nil {
			logger.Error("failed to watch endpoints file", "file", cfg.EndpointsFile, "err", err)
			os.Exit(2)
		}
	}

	// Session, sample, and audit persistence is in-memory here; the store
	// interfaces are the seam for an external database.
	sessionStore := store.NewMemorySessionStore()
	sampleStore := store.NewMemorySampleStore()
	auditSink := store.NewMemoryAuditSink()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	manager := session.NewManager(session.Options{
		Config: session.Config{
			FlushEveryMessages: cfg.FlushMessages,
			FlushInterval:      cfg.FlushInterval,
			ReaperInterval:     cfg.ReaperInterval,
			StaleThreshold:     cfg.StaleThreshold,
			SampleQueueDepth:   cfg.SampleQueueDepth,
		},
		Sessions: sessionStore,
		Samples:  sampleStore,
		Metrics:  m,
		Logger:   logger,
	})

	checkOrigin := httpserver.CheckOrigin(cfg.AllowedOrigins)

	bus := telemetry.NewBus(telemetry.Options{
		Logger:       logger,
		Stats:        manager,
		Killer:       manager,
		Audit:        auditSink,
		Metrics:      m,
		CheckOrigin:  checkOrigin,
		QueueDepth:   cfg.OpsQueueDepth,
		PingInterval: cfg.OpsPingInterval,
		IdleTimeout:  cfg.OpsIdleTimeout,
	})
	manager.SetBus(bus)
	manager.Start()

	proxy := relay.NewHandler(relay.Config{
		WriteWait:             cfg.WriteWait,
		PingInterval:          cfg.PingInterval,
		BackpressureWarnBytes: cfg.BackpressureWarnBytes,
		BackpressureDropBytes: cfg.BackpressureDropBytes,
		CheckOrigin:           checkOrigin,
	}, endpoints, manager, m, logger)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.Mux().Handle("GET /ws/{endpoint}", proxy)
	srv.Mux().HandleFunc("GET /ws/", proxy.BadPath)
	srv.Mux().Handle("GET /ops", bus)
	srv.Mux().Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.ListenAddr, "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		bus.Close()
		manager.Shutdown(context.Background())
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	bus.Close()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	manager.Drain(drainCtx)
	cancelDrain()
	manager.Shutdown(shutdownCtx)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
