// Package main is the edge gateway entry point: the single process that
// fronts the platform's backend services.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/microshop/gateway/internal/config"
	"github.com/microshop/gateway/internal/logging"
	"github.com/microshop/gateway/internal/server"
)

func main() {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", "config/gateway.yaml", "path to the gateway configuration file")
	flag.Parse()

	if env := os.Getenv("GATEWAY_CONFIG"); env != "" {
		*configPath = env
	}

	log := logging.NewDefault("gateway")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(context.Background()).Err(err).Msg("configuration rejected")
		os.Exit(1)
	}
	if listen := os.Getenv("GATEWAY_LISTEN"); listen != "" {
		cfg.Listen = listen
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error(context.Background()).Err(err).Msg("gateway initialization failed")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Error(context.Background()).Err(err).Msg("gateway exited with error")
		os.Exit(1)
	}
}
