package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pagedb/pagedb/config"
	"github.com/pagedb/pagedb/core/indexing/btree"
	"github.com/pagedb/pagedb/internal/server"
	"github.com/pagedb/pagedb/pkg/logger"
	"github.com/pagedb/pagedb/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "path to a YAML config file")
	dataPath   = flag.String("data", "", "tree file path (overrides store.path)")
	addr       = flag.String("addr", "", "listen address (overrides server.addr)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pagedb_server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *dataPath != "" {
		cfg.Store.Path = *dataPath
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer closeLog()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Error("telemetry shutdown failed", zap.Error(err))
		}
	}()

	opts, err := cfg.Store.TreeOptions(log, tel.Meter)
	if err != nil {
		return err
	}
	kv := btree.StringSerializer(cfg.Store.KeyWidth, cfg.Store.ValueWidth)
	db, created, err := btree.OpenOrCreateBTreeFile(cfg.Store.Path, kv, opts)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Store.Path, err)
	}
	defer func() {
		log.Info("shutting down database")
		if err := db.Close(); err != nil {
			log.Error("failed to close database", zap.Error(err))
		}
	}()
	st, err := db.Stats()
	if err != nil {
		return err
	}
	log.Info("database ready",
		zap.String("path", cfg.Store.Path),
		zap.Bool("created", created),
		zap.Int64("records", st.RecordCount),
		zap.Int("height", st.Height))

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(db, server.Options{
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		MaxScan:           cfg.Server.MaxScan,
		IdleTimeout:       cfg.Server.IdleTimeout,
		Logger:            log,
		Tracer:            tel.Tracer,
	})

	stopFlusher := startFlusher(ctx, db, 30*time.Second, log)
	err = srv.Serve(ctx, ln)
	// The flusher must be gone before the deferred Close runs.
	stopFlusher()
	return err
}

type flusher interface {
	Flush() error
}

// startFlusher flushes db every interval so a crash loses at most one
// interval of writes. The returned func stops it and waits for it to exit.
func startFlusher(ctx context.Context, db flusher, interval time.Duration, log *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.Flush(); err != nil {
					log.Error("periodic flush failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
