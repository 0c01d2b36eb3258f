// Package dispatcher moves queued jobs through the provider under global and
// per-owner concurrency caps and advances in-flight jobs by polling.
//
// Every entry point (RunCycle, PollInFlight, PollOne) is idempotent: duplicate
// invocations from triggers, tickers and the reconciler are absorbed by the
// store's claim and transition guards.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
	"github.com/cuongbtq/genqueue/internal/provider"
	"github.com/cuongbtq/genqueue/internal/store"
	"golang.org/x/sync/errgroup"
)

// OutputPersister stores provider outputs under the job's target path.
type OutputPersister interface {
	PersistOutputs(ctx context.Context, job *domain.Job, outputURLs []string) ([]string, error)
}

// Config holds dispatcher dependencies and limits
type Config struct {
	Store    store.Store
	Provider provider.Client
	Outputs  OutputPersister
	Logger   *slog.Logger

	GlobalCap         int
	OwnerCap          int
	ClaimBatch        int
	SubmitConcurrency int
	PollConcurrency   int
	PollBatch         int
	MaxAttempts       int
	Backoff           Backoff

	CycleInterval time.Duration
	PollInterval  time.Duration

	Now func() time.Time
}

// CycleResult summarizes one claim-and-submit pass.
type CycleResult struct {
	Claimed   int
	Submitted int
	Rejected  int
	Requeued  int
	Exhausted int
}

// Dispatcher claims queued jobs, submits them and polls in-flight ones.
type Dispatcher struct {
	store    store.Store
	provider provider.Client
	outputs  OutputPersister
	logger   *slog.Logger

	globalCap         int
	ownerCap          int
	claimBatch        int
	submitConcurrency int
	pollConcurrency   int
	pollBatch         int
	maxAttempts       int
	backoff           Backoff
	cycleInterval     time.Duration
	pollInterval      time.Duration
	now               func() time.Time

	trigger  chan struct{}
	handling sync.Map // job id -> struct{}, one poll/persist per job at a time
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// New creates a dispatcher. Zero limits fall back to conservative defaults.
func New(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		store:             cfg.Store,
		provider:          cfg.Provider,
		outputs:           cfg.Outputs,
		logger:            cfg.Logger,
		globalCap:         orDefault(cfg.GlobalCap, 10),
		ownerCap:          cfg.OwnerCap,
		claimBatch:        orDefault(cfg.ClaimBatch, 10),
		submitConcurrency: orDefault(cfg.SubmitConcurrency, 4),
		pollConcurrency:   orDefault(cfg.PollConcurrency, 4),
		pollBatch:         orDefault(cfg.PollBatch, 100),
		maxAttempts:       orDefault(cfg.MaxAttempts, 3),
		backoff:           cfg.Backoff,
		cycleInterval:     cfg.CycleInterval,
		pollInterval:      cfg.PollInterval,
		now:               cfg.Now,
		trigger:           make(chan struct{}, 1),
		stopChan:          make(chan struct{}),
	}
	if d.backoff == (Backoff{}) {
		d.backoff = DefaultBackoff
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.cycleInterval <= 0 {
		d.cycleInterval = 5 * time.Second
	}
	if d.pollInterval <= 0 {
		d.pollInterval = 10 * time.Second
	}
	return d
}

// MaxAttempts is the attempt cap shared with the reconciler.
func (d *Dispatcher) MaxAttempts() int {
	return d.maxAttempts
}

// Trigger asks the dispatch loop to run a cycle soon. It never blocks.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// RunCycle claims up to the available capacity and submits the claimed jobs concurrently.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	active, err := d.store.CountActive(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to count active jobs: %w", err)
	}

	available := d.globalCap - active
	if available <= 0 {
		d.logger.Debug("Dispatcher at global capacity",
			slog.Int("active", active),
			slog.Int("global_cap", d.globalCap),
		)
		return result, nil
	}

	jobs, err := d.store.ClaimNext(ctx, store.ClaimFilter{
		OwnerCap: d.ownerCap,
		Now:      d.now(),
	}, min(available, d.claimBatch))
	if err != nil {
		return result, fmt.Errorf("failed to claim jobs: %w", err)
	}
	result.Claimed = len(jobs)
	if len(jobs) == 0 {
		return result, nil
	}

	var submitted, rejected, requeued, exhausted atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(d.submitConcurrency)
	for _, job := range jobs {
		g.Go(func() error {
			switch d.submit(ctx, job) {
			case outcomeSubmitted:
				submitted.Add(1)
			case outcomeRejected:
				rejected.Add(1)
			case outcomeRequeued:
				requeued.Add(1)
			case outcomeExhausted:
				exhausted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Submitted = int(submitted.Load())
	result.Rejected = int(rejected.Load())
	result.Requeued = int(requeued.Load())
	result.Exhausted = int(exhausted.Load())

	d.logger.Info("Dispatch cycle finished",
		slog.Int("claimed", result.Claimed),
		slog.Int("submitted", result.Submitted),
		slog.Int("rejected", result.Rejected),
		slog.Int("requeued", result.Requeued),
		slog.Int("exhausted", result.Exhausted),
	)
	return result, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSubmitted
	outcomeRejected
	outcomeRequeued
	outcomeExhausted
)

var claimed = []domain.Status{domain.StatusSubmitting}

func (d *Dispatcher) submit(ctx context.Context, job *domain.Job) outcome {
	requestID, err := d.provider.Submit(ctx, job)

	// the provider may already hold the request; record the outcome even during shutdown
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		_, terr := d.store.Transition(writeCtx, job.ID, claimed, domain.StatusSubmitted, domain.TransitionFields{
			ProviderRequestID: requestID,
		})
		if terr != nil {
			d.logTransitionError(job.ID, domain.StatusSubmitted, terr)
			return outcomeNone
		}
		return outcomeSubmitted
	}

	if errors.Is(err, domain.ErrProviderRejected) {
		d.logger.Warn("Provider rejected job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		_, terr := d.store.Transition(writeCtx, job.ID, claimed, domain.StatusFailed, domain.TransitionFields{
			Error:       err.Error(),
			FailureKind: domain.FailureRejected,
		})
		if terr != nil {
			d.logTransitionError(job.ID, domain.StatusFailed, terr)
			return outcomeNone
		}
		return outcomeRejected
	}

	d.logger.Warn("Provider submit failed, retrying later",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.String("error", err.Error()),
	)
	updated, terr := d.Retry(writeCtx, job, claimed, err, domain.FailureExhausted)
	if terr != nil {
		d.logTransitionError(job.ID, domain.StatusQueued, terr)
		return outcomeNone
	}
	if updated.Status == domain.StatusFailed {
		return outcomeExhausted
	}
	return outcomeRequeued
}

// Retry returns a job to queued with one more attempt and a backoff delay, or fails it
// with exhaustKind once the attempt cap is reached.
func (d *Dispatcher) Retry(ctx context.Context, job *domain.Job, from []domain.Status, cause error, exhaustKind domain.FailureKind) (*domain.Job, error) {
	next := job.Attempts + 1
	if next >= d.maxAttempts {
		return d.store.Transition(ctx, job.ID, from, domain.StatusFailed, domain.TransitionFields{
			Error:             fmt.Sprintf("gave up after %d attempts: %v", next, cause),
			FailureKind:       exhaustKind,
			IncrementAttempts: true,
		})
	}
	return d.store.Transition(ctx, job.ID, from, domain.StatusQueued, domain.TransitionFields{
		IncrementAttempts:    true,
		ClearProviderRequest: true,
		NextAttemptAt:        d.now().Add(d.backoff.Delay(next)),
	})
}

// Start launches the dispatch and poll loops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting dispatcher",
		slog.Int("global_cap", d.globalCap),
		slog.Int("owner_cap", d.ownerCap),
		slog.Duration("cycle_interval", d.cycleInterval),
		slog.Duration("poll_interval", d.pollInterval),
	)

	d.wg.Add(2)
	go d.loop(ctx, "dispatch", d.cycleInterval, d.trigger, func(ctx context.Context) error {
		_, err := d.RunCycle(ctx)
		return err
	})
	go d.loop(ctx, "poll", d.pollInterval, nil, d.PollInFlight)
}

// Stop stops both loops and waits for in-progress work.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("Stopping dispatcher...")
		close(d.stopChan)
	})
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context, name string, interval time.Duration, wake <-chan struct{}, run func(context.Context) error) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}

		if err := run(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Dispatcher loop iteration failed",
				slog.String("loop", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (d *Dispatcher) logTransitionError(jobID string, to domain.Status, err error) {
	if errors.Is(err, domain.ErrConflict) {
		d.logger.Debug("Job moved concurrently, skipping",
			slog.String("job_id", jobID),
			slog.String("to", string(to)),
		)
		return
	}
	d.logger.Error("Failed to transition job",
		slog.String("job_id", jobID),
		slog.String("to", string(to)),
		slog.String("error", err.Error()),
	)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
