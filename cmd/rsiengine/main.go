package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rsi-engine/internal/logger"
	"rsi-engine/internal/rsiengine"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := rsiengine.LoadConfig()
	slogger := logger.Init("rsiengine", logger.ParseLevel(cfg.LogLevel))
	log.Printf("[rsiengine] backend=%s period=%d input=%s output=%s", cfg.Backend, cfg.Period, cfg.InputTopic, cfg.OutputTopic)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	svc, err := rsiengine.New(ctx, cfg, slogger)
	if err != nil {
		log.Fatalf("[rsiengine] init failed: %v", err)
	}

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[rsiengine] fatal: %v", err)
	}
}
