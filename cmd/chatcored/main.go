package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/berstock227/demoE5/internal/coordinator"
	"github.com/berstock227/demoE5/internal/server"
	"github.com/berstock227/demoE5/pkg/config"
	"github.com/berstock227/demoE5/pkg/logging"
	"github.com/berstock227/demoE5/pkg/store/redisstore"
)

func main() {
	logger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.Parse(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := redisstore.New(redisstore.Config{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		OpTimeout: cfg.Redis.OpTimeout,
	}, logger)
	if err != nil {
		logger.Error("Failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	// TODO: replace with a durable message store once one lands; the
	// in-memory store only serves single-node deployments.
	messages := coordinator.NewMemoryMessageStore()

	app := server.NewApp(ctx, logger, cfg, st, messages)
	if err := app.Run(); err != nil {
		logger.Error("Server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
