package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hexforge404/hexforge-surface-engine/internal/app"
	"github.com/hexforge404/hexforge-surface-engine/internal/config"
	"github.com/hexforge404/hexforge-surface-engine/internal/httpapi"
	"github.com/hexforge404/hexforge-surface-engine/internal/logging"
	"github.com/hexforge404/hexforge-surface-engine/internal/metrics"
	"github.com/hexforge404/hexforge-surface-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("HSE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	app.LoadDotEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New(config.LogConfig{}).Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log)
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup")
	}
	defer a.Close()

	pool := worker.NewPool(cfg.Worker.Concurrency, log)
	pool.Start(ctx)
	defer pool.Stop()
	if cfg.Worker.AutoRun {
		a.ResumeQueued(ctx, pool)
	}

	server := httpapi.Server{
		Jobs:    a.Jobs,
		Worker:  a.Worker,
		Pool:    pool,
		AutoRun: cfg.Worker.AutoRun,
		Metrics: promhttp.Handler(),
		Log:     log,
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", cfg.Addr).
		Str("assets_root", cfg.AssetsRoot).
		Str("public_prefix", cfg.PublicPrefix).
		Strs("boards", a.Boards.IDs()).
		Bool("auto_run", cfg.Worker.AutoRun).
		Msg("API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("listen")
	}
}
