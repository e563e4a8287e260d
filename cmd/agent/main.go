package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"edgesync/internal/agent"
	"edgesync/internal/config"
	"edgesync/internal/logging"
)

func main() {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "config/agent.yaml", "path to YAML config")
	flag.BoolVar(&once, "once", false, "run one collect/upload/reconcile round and exit")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "edgesync")
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGINT/SIGTERM stop new cycles; in-flight cycles drain before exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", s.String()))
		cancel()
	}()

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Fatal("start agent", zap.Error(err))
	}
	defer a.Close()

	if once {
		if err := a.RunOnce(ctx); err != nil {
			logger.Fatal("single round failed", zap.Error(err))
		}
		return
	}
	if err := a.Run(ctx); err != nil {
		logger.Fatal("agent exited", zap.Error(err))
	}
}
