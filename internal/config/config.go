package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hexforge404/hexforge-surface-engine/internal/paths"
)

type Config struct {
	Addr         string         `yaml:"addr"`
	DataDir      string         `yaml:"data_dir"`
	AssetsRoot   string         `yaml:"assets_root"`
	PublicPrefix string         `yaml:"public_prefix"`
	Service      string         `yaml:"service"`
	Boards       BoardsConfig   `yaml:"boards"`
	Mesh         MeshConfig     `yaml:"mesh"`
	Geometry     GeometryConfig `yaml:"geometry"`
	Fetch        FetchConfig    `yaml:"fetch"`
	Lease        LeaseConfig    `yaml:"lease"`
	Worker       WorkerConfig   `yaml:"worker"`
	Log          LogConfig      `yaml:"log"`
}

type BoardsConfig struct {
	Dir     string `yaml:"dir"` // optional; embedded definitions are always loaded
	Default string `yaml:"default"`
}

type MeshConfig struct {
	GridSize    int     `yaml:"grid_size"`
	TileSizeMM  float64 `yaml:"tile_size_mm"`
	MaxHeightMM float64 `yaml:"max_height_mm"`
	PreviewSize int     `yaml:"preview_size"`
}

type GeometryConfig struct {
	MinDisplacementMM   float64 `yaml:"min_displacement_mm"`
	NonUniformThreshold float64 `yaml:"non_uniform_threshold"`
}

type FetchConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

type LeaseConfig struct {
	Backend   string        `yaml:"backend"` // file | redis | none
	TTL       time.Duration `yaml:"ttl"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	Prefix    string        `yaml:"prefix"`
}

type WorkerConfig struct {
	Concurrency int  `yaml:"concurrency"`
	AutoRun     bool `yaml:"auto_run"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

func defaults() Config {
	return Config{
		Addr:         ":8080",
		DataDir:      filepath.Join("..", "..", "local-data"),
		AssetsRoot:   "/data/hexforge3d/surface",
		PublicPrefix: "/assets/surface",
		Service:      "hexforge-glyphengine",
		Boards: BoardsConfig{
			Default: "pi4b",
		},
		Mesh: MeshConfig{
			GridSize:    64,
			TileSizeMM:  100,
			MaxHeightMM: 5,
			PreviewSize: 512,
		},
		Geometry: GeometryConfig{
			MinDisplacementMM:   0.05,
			NonUniformThreshold: 0.02,
		},
		Fetch: FetchConfig{
			Timeout:  30 * time.Second,
			MaxBytes: 32 << 20,
		},
		Lease: LeaseConfig{
			Backend: "file",
			TTL:     15 * time.Minute,
			Prefix:  "hse:lease:",
		},
		Worker: WorkerConfig{
			Concurrency: 2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getenv("HSE_API_ADDR", cfg.Addr)
	cfg.DataDir = getenv("HSE_DATA_DIR", cfg.DataDir)
	cfg.AssetsRoot = getenv("SURFACE_OUTPUT_DIR", cfg.AssetsRoot)
	cfg.PublicPrefix = getenv("SURFACE_PUBLIC_PREFIX", cfg.PublicPrefix)
	cfg.Boards.Dir = getenv("HSE_BOARD_DEFS_ROOT", cfg.Boards.Dir)
	cfg.Boards.Default = strings.ToLower(getenv("HSE_DEFAULT_BOARD", cfg.Boards.Default))
	cfg.Log.Level = getenv("HSE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv("HSE_LOG_FORMAT", cfg.Log.Format)
	cfg.Lease.Backend = getenv("HSE_LEASE_BACKEND", cfg.Lease.Backend)
	cfg.Lease.RedisAddr = getenv("HSE_REDIS_ADDR", cfg.Lease.RedisAddr)
	cfg.Worker.Concurrency = getenvInt("HSE_WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.AutoRun = getenvBool("HSE_AUTO_RUN", cfg.Worker.AutoRun)
}

func (c Config) validate() error {
	switch c.Lease.Backend {
	case "file", "none":
	case "redis":
		if c.Lease.RedisAddr == "" {
			return fmt.Errorf("lease.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown lease.backend %q", c.Lease.Backend)
	}
	if c.AssetsRoot == "" {
		return fmt.Errorf("assets_root is required")
	}
	if err := paths.CheckPublicRoot("/" + strings.Trim(c.PublicPrefix, "/") + "/"); err != nil {
		return fmt.Errorf("public_prefix: %w", err)
	}
	if c.Mesh.GridSize < 2 {
		return fmt.Errorf("mesh.grid_size must be at least 2")
	}
	if c.Mesh.MaxHeightMM <= 0 || c.Mesh.TileSizeMM <= 0 {
		return fmt.Errorf("mesh dimensions must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}
