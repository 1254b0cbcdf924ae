// Package app wires the components both binaries share.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hexforge404/hexforge-surface-engine/internal/boards"
	"github.com/hexforge404/hexforge-surface-engine/internal/config"
	"github.com/hexforge404/hexforge-surface-engine/internal/contracts"
	"github.com/hexforge404/hexforge-surface-engine/internal/geometry"
	"github.com/hexforge404/hexforge-surface-engine/internal/heightmap"
	"github.com/hexforge404/hexforge-surface-engine/internal/jobs"
	"github.com/hexforge404/hexforge-surface-engine/internal/lease"
	"github.com/hexforge404/hexforge-surface-engine/internal/paths"
	"github.com/hexforge404/hexforge-surface-engine/internal/store"
	"github.com/hexforge404/hexforge-surface-engine/internal/worker"
)

type App struct {
	Config config.Config
	Log    *zerolog.Logger
	Boards *boards.Registry
	Index  *store.SQLite
	Jobs   *jobs.Service
	Worker *worker.Worker

	redis *redis.Client
}

// New builds the registry, job index, job service and worker from cfg.
func New(ctx context.Context, cfg config.Config, log *zerolog.Logger) (*App, error) {
	reg, err := boards.Load(cfg.Boards.Dir, cfg.Boards.Default)
	if err != nil {
		return nil, fmt.Errorf("load boards: %w", err)
	}
	for _, id := range reg.IDs() {
		if _, err := reg.Board(id); err != nil {
			log.Warn().Err(err).Str("board_id", id).Msg("board definition unusable")
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.AssetsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir assets root: %w", err)
	}
	index, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		return nil, fmt.Errorf("open job index: %w", err)
	}

	a := &App{Config: cfg, Log: log, Boards: reg, Index: index}
	locker, err := a.locker(ctx)
	if err != nil {
		index.Close()
		return nil, err
	}

	a.Jobs = &jobs.Service{
		Resolver: paths.Resolver{AssetsRoot: cfg.AssetsRoot, PublicPrefix: cfg.PublicPrefix},
		Sync: &jobs.Synchronizer{
			Service:   cfg.Service,
			Validator: contracts.Rules{},
			Index:     index,
			Log:       log,
		},
		Boards: reg,
		Lister: index,
		Log:    log,
	}
	a.Worker = &worker.Worker{
		Jobs:    a.Jobs,
		Boards:  reg,
		Fetcher: heightmap.NewFetcher(cfg.Fetch.Timeout, cfg.Fetch.MaxBytes),
		Locker:  locker,
		Mesh:    cfg.Mesh,
		Thresholds: geometry.Thresholds{
			MinDisplacementMM:   cfg.Geometry.MinDisplacementMM,
			NonUniformThreshold: cfg.Geometry.NonUniformThreshold,
		},
		Log: log,
	}
	return a, nil
}

func (a *App) locker(ctx context.Context) (lease.Locker, error) {
	cfg := a.Config.Lease
	switch cfg.Backend {
	case "none":
		a.Log.Warn().Msg("job leases disabled")
		return lease.Nop{}, nil
	case "redis":
		cli, err := lease.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = cli
		return lease.NewRedisLocker(cli, cfg.Prefix, cfg.TTL), nil
	}
	return lease.NewFileLocker(a.Config.AssetsRoot, cfg.TTL), nil
}

// ResumeQueued dispatches every job the index still lists as queued.
func (a *App) ResumeQueued(ctx context.Context, pool *worker.Pool) {
	queued, err := a.Index.ListQueued(ctx, 500)
	if err != nil {
		a.Log.Warn().Err(err).Msg("list queued jobs")
		return
	}
	for _, j := range queued {
		if err := pool.Dispatch(a.Worker, j.JobID, j.Subfolder); err != nil {
			a.Log.Warn().Err(err).Str("job_id", j.JobID).Msg("resume dispatch failed")
			return
		}
	}
	if len(queued) > 0 {
		a.Log.Info().Int("jobs", len(queued)).Msg("resumed queued jobs")
	}
}

func (a *App) Close() error {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	return a.Index.Close()
}

// LoadDotEnv loads the nearest .env walking up from the working directory.
func LoadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
