package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"locallab/internal/backend"
	"locallab/internal/bookkeeping"
	"locallab/internal/config"
	"locallab/internal/httpapi"
	"locallab/internal/manager"
	"locallab/internal/registry"
	"locallab/internal/resource"
)

func newServeCmd(opts *options) *cobra.Command {
	var (
		addr         string
		defaultModel string
		corsOrigins  string
		noPreload    bool
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP server",
		Example: "  locallab serve --addr :8000 --default-model qwen-0.5b",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if addr != "" {
				cfg.Addr = addr
			}
			if defaultModel != "" {
				cfg.DefaultModel = defaultModel
			}
			if corsOrigins != "" {
				cfg.CORSOrigins = splitCSV(corsOrigins)
			}
			if noPreload {
				cfg.DefaultModel = ""
			}
			log := newLogger(cfg.LogLevel, opts.pretty, cmd.ErrOrStderr())
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default :8000)")
	cmd.Flags().StringVar(&defaultModel, "default-model", "", "model loaded at startup")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "comma-separated origins allowed by CORS")
	cmd.Flags().BoolVar(&noPreload, "no-preload", false, "start without loading a model")
	return cmd
}

// buildRegistry layers the overlay file and the models directory on top of
// the built-in table.
func buildRegistry(cfg config.Config, log zerolog.Logger) (*registry.Registry, error) {
	reg := registry.Default()
	if cfg.RegistryFile != "" {
		ds, err := registry.LoadFile(cfg.RegistryFile)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(ds...); err != nil {
			return nil, fmt.Errorf("registry file: %w", err)
		}
	}
	if cfg.ModelsDir != "" {
		ds, err := registry.LoadDir(cfg.ModelsDir)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Warn().Str("dir", cfg.ModelsDir).Msg("models directory not found")
		case err != nil:
			return nil, err
		default:
			if err := reg.Add(ds...); err != nil {
				return nil, fmt.Errorf("models dir: %w", err)
			}
			log.Info().Int("count", len(ds)).Str("dir", cfg.ModelsDir).Msg("local models discovered")
		}
	}
	return reg, nil
}

func newManager(cfg config.Config, reg *registry.Registry, rec manager.Recorder, log zerolog.Logger) *manager.Manager {
	mon := resource.NewMonitor(resource.MonitorConfig{
		Validity:   cfg.SnapshotValidity(),
		GPUFloorMB: cfg.GPUPressureFloorMB,
		RAMFloorMB: cfg.RAMPressureFloorMB,
		Logger:     log.With().Str("component", "resource").Logger(),
	})
	src := backend.NewLlamaSource(backend.LlamaConfig{
		ContextSize: cfg.LlamaContext,
		Threads:     cfg.LlamaThreads,
		GPULayers:   cfg.LlamaGPULayers,
	})
	return manager.NewWithConfig(manager.ManagerConfig{
		Registry:            reg,
		Source:              src,
		Monitor:             mon,
		MinFreeGPUMB:        cfg.MinFreeGPUMB,
		ChunkSize:           cfg.ChunkSize,
		MinChunkSize:        cfg.MinChunkSize,
		MaxChunkSize:        cfg.MaxChunkSize,
		PressureCheckTokens: cfg.PressureCheckTokens,
		MaxQueueDepth:       cfg.MaxQueueDepth,
		MaxWait:             cfg.MaxWait(),
		DrainTimeout:        cfg.DrainTimeout(),
		Workers:             cfg.Workers,
		MaxFallbackHops:     cfg.MaxFallbackHops,
		ResponseCacheSize:   cfg.ResponseCacheSize,
		ModelTimeout:        cfg.ModelTimeout(),
		Publisher:           manager.LogPublisher{Log: log.With().Str("component", "events").Logger()},
		Recorder:            rec,
		Metrics:             manager.NewMetrics(prometheus.DefaultRegisterer),
		Logger:              log.With().Str("component", "manager").Logger(),
	})
}

func serve(parent context.Context, cfg config.Config, log zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}

	var rec manager.Recorder
	var hist httpapi.HistoryReader
	if cfg.BookkeepingDB != "" {
		store, err := bookkeeping.Open(cfg.BookkeepingDB)
		if err != nil {
			return err
		}
		defer store.Close()
		rec, hist = store, store
	}

	mgr := newManager(cfg, reg, rec, log)
	defer mgr.Close()

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetCORSOptions(len(cfg.CORSOrigins) > 0, cfg.CORSOrigins, nil, nil)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr, hist),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	httpapi.SetBaseContext(gctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("locallab listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown")
		}
		return nil
	})
	if cfg.UnloadUnused {
		g.Go(func() error {
			mgr.RunIdleUnloader(gctx, 0)
			return nil
		})
	}
	if cfg.DefaultModel != "" {
		g.Go(func() error {
			info, err := mgr.Load(gctx, cfg.DefaultModel, cfg.OptimizationFlags)
			if err != nil {
				// the server keeps running; /models/load can retry
				log.Error().Err(err).Str("model", cfg.DefaultModel).Msg("preload failed")
				return nil
			}
			log.Info().Str("model", info.ID).Str("device", string(info.Device)).Msg("default model ready")
			return nil
		})
	}

	err = g.Wait()
	uctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout()+5*time.Second)
	defer cancel()
	if uerr := mgr.Unload(uctx); uerr != nil {
		log.Warn().Err(uerr).Msg("unload on shutdown")
	}
	return err
}
