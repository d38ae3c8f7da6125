// Command coordinator runs the file synchronization coordinator: the
// REST/WebSocket API, the replication orchestrator, and the node
// monitor, backed by Postgres or an in-memory metadata store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/a6ar55/file-sync/pkg/api"
	"github.com/a6ar55/file-sync/pkg/config"
	"github.com/a6ar55/file-sync/pkg/coordinator"
	"github.com/a6ar55/file-sync/pkg/log"
	"github.com/a6ar55/file-sync/pkg/store"
)

var version = "v0.1.0-dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coordinator",
		Short:         "Distributed file synchronization coordinator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		httpHost   string
		httpPort   int
		dsn        string
		chunkSize  int
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := serveOptions{
				configPath: configPath,
				httpHost:   httpHost,
				httpPort:   httpPort,
				dsn:        dsn,
				chunkSize:  chunkSize,
				logLevel:   logLevel,
				logFormat:  logFormat,
			}
			cfg, err := opts.resolve(cmd.Flags().Changed)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&httpHost, "http-host", "0.0.0.0", "API listen host")
	cmd.Flags().IntVar(&httpPort, "http-port", 8000, "API listen port")
	cmd.Flags().StringVar(&dsn, "db", "", "Postgres DSN (empty runs the in-memory store)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 4096, "delta chunk size in bytes")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	return cmd
}

// serveOptions carries the serve flag values; resolve layers them over
// the config file and defaults.
type serveOptions struct {
	configPath string
	httpHost   string
	httpPort   int
	dsn        string
	chunkSize  int
	logLevel   string
	logFormat  string
}

func (o serveOptions) resolve(changed func(string) bool) (config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	// Flags override the file.
	if changed("http-host") {
		cfg.HTTPHost = o.httpHost
	}
	if changed("http-port") {
		cfg.HTTPPort = o.httpPort
	}
	if changed("db") {
		cfg.DatabaseDSN = o.dsn
	}
	if changed("chunk-size") {
		cfg.ChunkSize = o.chunkSize
	}
	if changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	return cfg, cfg.Validate()
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := log.Configure(cfg.LogLevel, cfg.LogFormat)
	log.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db store.Store
	if cfg.DatabaseDSN != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseDSN, logger.Module("store"))
		if err != nil {
			return fmt.Errorf("open metadata store: %w", err)
		}
		db = pg
	} else {
		logger.Warn("no database configured, metadata is not durable")
		db = store.NewMemory()
	}
	defer db.Close()

	coord := coordinator.New(cfg, nil, db, logger)
	coord.Start(ctx)
	defer coord.Close()

	srv := api.New(cfg, coord, logger.Module("api"))
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("coordinator listening",
			"addr", cfg.HTTPAddr(), "chunk_size", cfg.ChunkSize, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
