package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nconklindev/sheetsplit/internal/api"
	"github.com/nconklindev/sheetsplit/internal/config"
	"github.com/nconklindev/sheetsplit/internal/logging"
	"github.com/nconklindev/sheetsplit/internal/pipeline"
	"github.com/nconklindev/sheetsplit/internal/storage"
	"github.com/nconklindev/sheetsplit/internal/store"
)

const shutdownTimeout = 15 * time.Second

// services is everything a long running command needs.
type services struct {
	cfg     *config.Config
	log     *slog.Logger
	manager *pipeline.Manager
	close   func()
}

func openServices(quiet bool) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logging.Setup(cfg.Log.File, level, quiet)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		closeLog()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	records, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		closeLog()
		return nil, err
	}
	closeAll := func() {
		records.Close()
		closeLog()
	}

	archives, err := newArchiveStore(cfg)
	if err != nil {
		closeAll()
		return nil, err
	}
	manager, err := pipeline.NewManager(pipeline.Options{
		WorkDir:         cfg.Paths.WorkDir,
		MaxUploadBytes:  cfg.Split.MaxUploadBytes,
		ChunkRows:       cfg.Split.ChunkRows,
		ArchivePrefix:   cfg.Archive.Prefix,
		Retention:       pipeline.RetentionPolicy(cfg.Retention.Policy),
		RetentionWindow: cfg.Retention.Window,
	}, archives, records, log)
	if err != nil {
		closeAll()
		return nil, err
	}

	return &services{cfg: cfg, log: log, manager: manager, close: closeAll}, nil
}

func newArchiveStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Archive.Backend {
	case "s3":
		s3cfg := cfg.Archive.S3
		return storage.NewS3(storage.S3Config{
			Bucket:    s3cfg.Bucket,
			Region:    s3cfg.Region,
			Endpoint:  s3cfg.Endpoint,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
		})
	default:
		return storage.NewLocal(filepath.Join(cfg.Paths.DataDir, "archives"))
	}
}

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the retention janitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.close()
			if addr != "" {
				svc.cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), svc)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides SHEETSPLIT_ADDR)")
	return cmd
}

func serve(parent context.Context, svc *services) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              svc.cfg.Server.Addr,
		Handler:           api.NewServer(svc.manager, svc.log, svc.cfg.Split.MaxUploadBytes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Tasks recorded by an earlier process may already be past retention.
	if n, err := svc.manager.Sweep(ctx); err != nil {
		svc.log.Warn("Startup sweep failed", "error", err)
	} else if n > 0 {
		svc.log.Info("Startup sweep", "purged", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.log.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.manager.RunJanitor(gctx, svc.cfg.Retention.CleanupInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		svc.log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		svc.manager.Shutdown()
		return err
	})
	return g.Wait()
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every task artifact past its retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(false)
			if err != nil {
				return err
			}
			defer svc.close()

			n, err := svc.manager.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d tasks\n", n)
			return err
		},
	}
}
