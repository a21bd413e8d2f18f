package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"strategy-engine/config"
	"strategy-engine/internal/logger"
	"strategy-engine/internal/stratengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratengine: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratengine: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	svc, err := stratengine.New(cfg, log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Fatal("fatal", zap.Error(err))
	}
}
