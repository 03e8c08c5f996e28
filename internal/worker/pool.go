package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"automation-engine/internal/audit"
	"automation-engine/internal/config"
	"automation-engine/internal/models"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
)

// Handler executes a job for a given type. Delivery is at-least-once:
// handlers with non-idempotent side effects must guard themselves with a
// dedup key before acting.
type Handler func(ctx context.Context, job models.Job) error

// Pool runs a set of independent claim loops against the shared store. No
// in-process state is authoritative; the job row decides ownership.
type Pool struct {
	cfg      config.Config
	store    store.Store
	chain    *audit.Chain
	handlers map[string]Handler
	baseID   string
}

func NewPool(cfg config.Config, st store.Store, chain *audit.Chain, baseID string) *Pool {
	return &Pool{
		cfg:      cfg,
		store:    st,
		chain:    chain,
		handlers: make(map[string]Handler),
		baseID:   baseID,
	}
}

// Register binds a handler to a job type.
func (p *Pool) Register(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the worker loops and the lease sweep, blocking until the
// context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", p.baseID, i)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runSweep(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := p.store.ClaimBatch(ctx, workerID, p.cfg.ClaimBatchSize, p.cfg.ClaimLease)
		if err != nil {
			log.Printf("%s: claim batch: %v", workerID, err)
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if len(jobs) == 0 {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		for _, job := range jobs {
			p.process(ctx, workerID, job)
		}
	}
}

// Process claims nothing itself: the job arrives already leased. Exported
// for tests that drive a single job through the dispatch path.
func (p *Pool) Process(ctx context.Context, workerID string, job models.Job) {
	p.process(ctx, workerID, job)
}

func (p *Pool) process(ctx context.Context, workerID string, job models.Job) {
	telemetry.JobsClaimed.Inc()
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	err := p.dispatch(ctx, job)
	if err == nil {
		if cerr := p.store.CompleteJob(ctx, job.ID); cerr != nil {
			log.Printf("%s: complete job %s: %v", workerID, job.ID, cerr)
			return
		}
		p.appendJobAudit(ctx, workerID, job, "job_succeeded", nil)
		telemetry.JobsSucceeded.Inc()
		return
	}

	permanent := models.IsPermanent(err)
	retryAt := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts+1))
	updated, ferr := p.store.FailJob(ctx, job.ID, err.Error(), retryAt, permanent)
	if ferr != nil {
		log.Printf("%s: fail job %s: %v", workerID, job.ID, ferr)
		return
	}
	if updated.Status == models.StatusFailed {
		// Out of attempts (or permanently broken): operator-visible, never
		// retried automatically again.
		p.appendJobAudit(ctx, workerID, job, "job_failed", map[string]any{"error": err.Error(), "attempts": updated.Attempts})
		telemetry.JobsFailed.Inc()
		log.Printf("%s: job %s (%s) failed permanently after %d attempts: %v", workerID, job.ID, job.Type, updated.Attempts, err)
		return
	}
	p.appendJobAudit(ctx, workerID, job, "job_retry_scheduled", map[string]any{
		"error":    err.Error(),
		"attempts": updated.Attempts,
		"next_run": updated.ScheduledAt.UTC().Format(time.RFC3339),
	})
	telemetry.JobsRetried.Inc()
}

func (p *Pool) dispatch(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	handler, ok := p.handlers[job.Type]
	if !ok {
		return models.Permanentf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}

func (p *Pool) appendJobAudit(ctx context.Context, workerID string, job models.Job, action string, extra map[string]any) {
	after := map[string]any{"job_type": job.Type}
	for k, v := range extra {
		after[k] = v
	}
	target := models.EntityRef{Type: "job", ID: job.ID}
	if _, err := p.chain.Append(ctx, job.Tenant, workerID, action, target, nil, after); err != nil {
		log.Printf("%s: audit %s for job %s: %v", workerID, action, job.ID, err)
	}
}

// runSweep periodically reclaims jobs whose lease expired without
// completion (worker crash) and refreshes the queue depth gauge.
func (p *Pool) runSweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := p.store.ReclaimExpired(ctx, time.Now()); err != nil {
			log.Printf("sweep: reclaim expired: %v", err)
		} else if n > 0 {
			telemetry.JobsReclaimed.Add(float64(n))
			log.Printf("sweep: reclaimed %d expired leases", n)
		}
		if depth, err := p.store.PendingDepth(ctx); err == nil {
			telemetry.QueueDepth.Set(float64(depth))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
