package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"automation-engine/internal/archive"
	"automation-engine/internal/audit"
	"automation-engine/internal/config"
	"automation-engine/internal/dedup"
	"automation-engine/internal/engine"
	"automation-engine/internal/hours"
	"automation-engine/internal/models"
	"automation-engine/internal/notify"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
	workerpool "automation-engine/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	sink := notify.LogSink{}
	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry, st)
	eng := engine.New(st, chain, calendars, sink, registry, cfg.ApprovalBudgetHours)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	guard := dedup.New(redisClient, cfg.DedupTTL)

	baseID := os.Getenv("WORKER_ID")
	if baseID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			baseID = hostname
		} else {
			baseID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	pool := workerpool.NewPool(cfg, st, chain, baseID)
	pool.Register(models.JobSendEmail, workerpool.NewEmailHandler(sink, guard))
	pool.Register(models.JobCampaignSend, workerpool.NewCampaignHandler(st))
	pool.Register(models.JobWorkflowResume, eng.ResumeHandler)
	pool.Register(models.JobApprovalExpiry, eng.ExpiryHandler)

	if cfg.AuditArchiveBucket != "" {
		exporter, err := archive.NewExporter(ctx, chain, st, cfg.AuditArchiveBucket, cfg.AuditArchivePrefix)
		if err != nil {
			log.Fatalf("init audit archive exporter: %v", err)
		}
		pool.Register(models.JobAuditArchive, exporter.Handle)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker pool started: workers=%d lease=%s poll=%s", cfg.WorkerCount, cfg.ClaimLease, cfg.WorkerPollInterval)
	if err := pool.Run(ctx); err != nil {
		log.Printf("worker pool stopped: %v", err)
	}
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
