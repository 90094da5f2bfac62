package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"practice-ops/internal/api"
	"practice-ops/internal/app"
	"practice-ops/internal/config"
	"practice-ops/internal/logging"
	"practice-ops/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalw("open stack", "error", err)
	}
	defer stack.Close()

	limiter := ratelimit.NewTokenBucket(stack.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(stack.APIDeps(limiter), log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("api listening", "addr", httpServer.Addr, "store", cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown", "error", err)
	}
}
