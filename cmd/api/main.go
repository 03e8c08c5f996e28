package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"automation-engine/internal/api"
	"automation-engine/internal/audit"
	"automation-engine/internal/config"
	"automation-engine/internal/engine"
	"automation-engine/internal/hours"
	"automation-engine/internal/notify"
	"automation-engine/internal/ratelimit"
	"automation-engine/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	chain := audit.New(st)
	calendars, err := buildCalendars(cfg)
	if err != nil {
		log.Fatalf("calendars: %v", err)
	}

	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry, st)
	eng := engine.New(st, chain, calendars, notify.LogSink{}, registry, cfg.ApprovalBudgetHours)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, eng, chain, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

func buildCalendars(cfg config.Config) (*hours.Provider, error) {
	loc, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		return nil, err
	}
	fallback, err := hours.NewCalendar(loc, cfg.BusinessDayStart, cfg.BusinessDayEnd, nil)
	if err != nil {
		return nil, err
	}
	return hours.NewProvider(cfg.CalendarDir, fallback), nil
}
