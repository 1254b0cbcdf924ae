// Command worker runs one job synchronously and prints its status envelope.
//
//	worker [-config file] <job_id> [subfolder]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hexforge404/hexforge-surface-engine/internal/app"
	"github.com/hexforge404/hexforge-surface-engine/internal/config"
	"github.com/hexforge404/hexforge-surface-engine/internal/lease"
	"github.com/hexforge404/hexforge-surface-engine/internal/logging"
	"github.com/hexforge404/hexforge-surface-engine/internal/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", os.Getenv("HSE_CONFIG"), "path to a YAML config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] <job_id> [subfolder]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		return 2
	}
	jobID, subfolder := flag.Arg(0), flag.Arg(1)

	app.LoadDotEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	// Logs go to stderr so stdout carries only the envelope.
	log := logging.NewWithWriter(cfg.Log, os.Stderr)
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup")
		return 1
	}
	defer a.Close()

	if _, err := a.Worker.Run(ctx, jobID, subfolder); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("run aborted")
		if errors.Is(err, lease.ErrHeld) || errors.Is(err, lease.ErrLost) {
			return 3
		}
		return 1
	}

	env, err := a.Jobs.Status(ctx, jobID, subfolder, false)
	if err != nil {
		log.Error().Err(err).Msg("read status")
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(env)
	if env.Error != nil {
		return 4
	}
	return 0
}
