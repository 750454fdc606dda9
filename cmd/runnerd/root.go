package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"runnerd/internal/common/fsutil"
	"runnerd/internal/config"
	"runnerd/internal/convo"
	"runnerd/internal/download"
	"runnerd/internal/engine"
	"runnerd/internal/httpapi"
	"runnerd/internal/manager"
	"runnerd/internal/store"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "runnerd",
		Short:         "On-device generative model runner daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		cfgPath   string
		addr      string
		modelsDir string
		dataDir   string
		baseURL   string
		logLevel  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP bridge and orchestration core",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{}
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			// Flags override file values; env fills remaining gaps.
			if addr != "" {
				cfg.Addr = addr
			}
			if modelsDir != "" {
				cfg.ModelsDir = modelsDir
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if baseURL != "" {
				cfg.CatalogBaseURL = baseURL
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			applyDefaults(&cfg)
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to config file (.yaml/.json/.toml)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&modelsDir, "models-dir", "", "Directory for downloaded model files")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the download ledger")
	cmd.Flags().StringVar(&baseURL, "catalog-base-url", "", "Base URL for model downloads")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error")
	return cmd
}

func applyDefaults(cfg *config.Config) {
	if cfg.Addr == "" {
		if v := os.Getenv("RUNNERD_ADDR"); v != "" {
			cfg.Addr = v
		} else {
			cfg.Addr = ":8080"
		}
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = "~/.local/share/runnerd/models"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "~/.local/share/runnerd"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	modelsDir, err := fsutil.ExpandHome(cfg.ModelsDir)
	if err != nil {
		return err
	}
	dataDir, err := fsutil.ExpandHome(cfg.DataDir)
	if err != nil {
		return err
	}

	ledger, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer ledger.Close()

	baseCtx, cancelBase := context.WithCancel(ctx)
	defer cancelBase()

	fetcher := download.NewFetcher(cfg.CatalogBaseURL, modelsDir, ledger, log)
	mgr := manager.New(manager.Config{
		Catalog:      cfg.Catalog,
		Engine:       engine.NewLlamaEngine(),
		Downloader:   fetcher,
		EngineParams: engine.LoadParams{CtxSize: cfg.EngineCtxSize, Threads: cfg.EngineThreads},
		Base:         baseCtx,
		Logger:       log,
	})
	defer mgr.Close()
	loader := manager.NewSingleLoader(mgr)
	conv := convo.New(convo.Config{
		Registry: mgr.Registry(),
		Handles:  mgr,
		Base:     baseCtx,
		Logger:   log,
	})
	defer conv.Close()

	httpapi.SetBaseContext(baseCtx)
	if cfg.CORSEnabled {
		httpapi.SetCORSOptions(true, cfg.CORSAllowedOrigins,
			[]string{"GET", "POST", "DELETE", "OPTIONS"},
			[]string{"Accept", "Content-Type"})
	}
	api := httpapi.NewServer(mgr, loader, conv, log)
	srv := &http.Server{Addr: cfg.Addr, Handler: api.Routes()}

	g, gctx := errgroup.WithContext(baseCtx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", modelsDir).Msg("runnerd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stop:
		case <-gctx.Done():
		}
		cancelBase()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
