// Command server runs the mitigator HTTP API, broker ingestors and event
// sinks until SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/mitigator/internal/config"
	"github.com/mbd888/mitigator/internal/logging"
	"github.com/mbd888/mitigator/internal/server"
)

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	checkConfig := flag.Bool("check-config", false, "validate configuration and the policy file, then exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("mitigator", server.Version)
		return
	}

	if err := run(*checkConfig); err != nil {
		slog.Error("mitigator exited", "error", err)
		os.Exit(1)
	}
}

func run(checkOnly bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting mitigator",
		"version", server.Version,
		"env", cfg.Env,
		"dos_block_threshold", cfg.DosBlockThreshold,
		"block_ttl", cfg.BlockTTL,
		"rate_limit_ttl", cfg.RateLimitTTL,
		"policy_file", cfg.PolicyFile,
		"persistent", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if checkOnly {
		logger.Info("configuration ok")
		return nil
	}
	return srv.Run(context.Background())
}
