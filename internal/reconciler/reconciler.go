// Package reconciler repairs jobs the dispatcher cannot advance on its own:
// lost claims, submissions the provider never recorded, jobs that stopped
// making progress and prompt jobs abandoned mid-generation. It also hosts the
// admin reset.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/genqueue/internal/dispatcher"
	"github.com/cuongbtq/genqueue/internal/domain"
	"github.com/cuongbtq/genqueue/internal/lock"
	"github.com/cuongbtq/genqueue/internal/provider"
	"github.com/cuongbtq/genqueue/internal/store"
)

// Dispatcher is the part of the dispatcher the reconciler drives.
type Dispatcher interface {
	RunCycle(ctx context.Context) (dispatcher.CycleResult, error)
	ApplyProviderState(ctx context.Context, job *domain.Job, state domain.ProviderState) (*domain.Job, error)
	Retry(ctx context.Context, job *domain.Job, from []domain.Status, cause error, exhaustKind domain.FailureKind) (*domain.Job, error)
}

// Config holds reconciler dependencies and timeouts
type Config struct {
	Store      store.Store
	Dispatcher Dispatcher
	Provider   provider.Client
	Locker     lock.Locker
	Logger     *slog.Logger

	Interval time.Duration
	// SubmittedTimeout (T1) bounds how long a claim or submission may go unconfirmed
	SubmittedTimeout time.Duration
	// RunningTimeout (T2) bounds how long a job may sit in running or saving
	RunningTimeout time.Duration
	BatchSize      int

	PromptTimeout     time.Duration
	PromptMaxAttempts int

	Now func() time.Time
}

// SweepResult counts what one sweep repaired.
type SweepResult struct {
	Skipped         bool // another instance holds the lease
	Requeued        int
	TimedOut        int
	Advanced        int
	PromptsRequeued int
	PromptsFailed   int
}

// Reconciler periodically sweeps the store for stuck jobs.
type Reconciler struct {
	store      store.Store
	dispatcher Dispatcher
	provider   provider.Client
	locker     lock.Locker
	logger     *slog.Logger

	interval          time.Duration
	submittedTimeout  time.Duration
	runningTimeout    time.Duration
	batchSize         int
	promptTimeout     time.Duration
	promptMaxAttempts int
	now               func() time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// New creates a reconciler
func New(cfg *Config) *Reconciler {
	r := &Reconciler{
		store:             cfg.Store,
		dispatcher:        cfg.Dispatcher,
		provider:          cfg.Provider,
		locker:            cfg.Locker,
		logger:            cfg.Logger,
		interval:          cfg.Interval,
		submittedTimeout:  cfg.SubmittedTimeout,
		runningTimeout:    cfg.RunningTimeout,
		batchSize:         cfg.BatchSize,
		promptTimeout:     cfg.PromptTimeout,
		promptMaxAttempts: cfg.PromptMaxAttempts,
		now:               cfg.Now,
		stopChan:          make(chan struct{}),
	}
	if r.locker == nil {
		r.locker = lock.Noop{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.interval <= 0 {
		r.interval = 30 * time.Second
	}
	if r.submittedTimeout <= 0 {
		r.submittedTimeout = 5 * time.Minute
	}
	if r.runningTimeout <= 0 {
		r.runningTimeout = 15 * time.Minute
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.promptTimeout <= 0 {
		r.promptTimeout = 5 * time.Minute
	}
	if r.promptMaxAttempts <= 0 {
		r.promptMaxAttempts = 3
	}
	return r
}

// Sweep runs one reconciliation pass. Individual job failures are logged and do
// not stop the pass; store errors on the listing queries are joined and returned.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	ok, err := r.locker.TryLock(ctx)
	if err != nil {
		return result, err
	}
	if !ok {
		result.Skipped = true
		r.logger.Debug("Reconciler lease held elsewhere, skipping sweep")
		return result, nil
	}

	var errs []error
	if _, err := r.dispatcher.RunCycle(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs,
		r.requeueLostClaims(ctx, &result),
		r.checkSubmitted(ctx, &result),
		r.checkRunning(ctx, &result),
		r.recoverPrompts(ctx, &result),
	)

	if result.Requeued+result.TimedOut+result.Advanced+result.PromptsRequeued+result.PromptsFailed > 0 {
		r.logger.Info("Reconciliation sweep finished",
			slog.Int("requeued", result.Requeued),
			slog.Int("timed_out", result.TimedOut),
			slog.Int("advanced", result.Advanced),
			slog.Int("prompts_requeued", result.PromptsRequeued),
			slog.Int("prompts_failed", result.PromptsFailed),
		)
	}
	return result, errors.Join(errs...)
}

// requeueLostClaims returns submitting jobs whose worker never recorded an outcome.
func (r *Reconciler) requeueLostClaims(ctx context.Context, result *SweepResult) error {
	jobs, err := r.store.FindStuck(ctx, []domain.Status{domain.StatusSubmitting}, r.now().Add(-r.submittedTimeout), r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to find stuck claims: %w", err)
	}

	for _, job := range jobs {
		_, err := r.store.Transition(ctx, job.ID, []domain.Status{domain.StatusSubmitting}, domain.StatusQueued, domain.TransitionFields{
			ClearProviderRequest: true,
		})
		if err != nil {
			r.logSkip(job, err)
			continue
		}
		r.logger.Warn("Requeued job with lost claim", slog.String("job_id", job.ID))
		result.Requeued++
	}
	return nil
}

func (r *Reconciler) checkSubmitted(ctx context.Context, result *SweepResult) error {
	from := []domain.Status{domain.StatusSubmitted}
	jobs, err := r.store.FindStuck(ctx, from, r.now().Add(-r.submittedTimeout), r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to find stuck submissions: %w", err)
	}

	for _, job := range jobs {
		state, err := r.provider.PollStatus(ctx, job.ProviderRequestID)
		switch {
		case errors.Is(err, domain.ErrRequestNotFound):
			updated, err := r.dispatcher.Retry(ctx, job, from, err, domain.FailureTimeout)
			if err != nil {
				r.logSkip(job, err)
				continue
			}
			r.logger.Warn("Provider has no record of submission",
				slog.String("job_id", job.ID),
				slog.String("provider_request_id", job.ProviderRequestID),
				slog.String("status", string(updated.Status)),
			)
			if updated.Status == domain.StatusFailed {
				result.TimedOut++
			} else {
				result.Requeued++
			}

		case err != nil:
			// transient; the next sweep retries
			r.logger.Warn("Failed to poll stuck submission",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)

		case state.Kind == domain.ProviderPending:
			if job.UpdatedAt.After(r.now().Add(-(r.submittedTimeout + r.runningTimeout))) {
				continue
			}
			if r.timeout(ctx, job, from, "provider never started the job") {
				result.TimedOut++
			}

		default:
			if _, err := r.dispatcher.ApplyProviderState(ctx, job, state); err != nil {
				r.logSkip(job, err)
				continue
			}
			result.Advanced++
		}
	}
	return nil
}

func (r *Reconciler) checkRunning(ctx context.Context, result *SweepResult) error {
	from := []domain.Status{domain.StatusRunning, domain.StatusSaving}
	jobs, err := r.store.FindStuck(ctx, from, r.now().Add(-r.runningTimeout), r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to find stuck running jobs: %w", err)
	}

	for _, job := range jobs {
		state, err := r.provider.PollStatus(ctx, job.ProviderRequestID)
		if err == nil && state.Terminal() {
			if _, err := r.dispatcher.ApplyProviderState(ctx, job, state); err != nil {
				r.logSkip(job, err)
				continue
			}
			result.Advanced++
			continue
		}

		reason := fmt.Sprintf("no progress in %s for %s", job.Status, r.runningTimeout)
		if err != nil {
			reason = fmt.Sprintf("%s: %v", reason, err)
		}
		if r.timeout(ctx, job, from, reason) {
			result.TimedOut++
		}
	}
	return nil
}

func (r *Reconciler) recoverPrompts(ctx context.Context, result *SweepResult) error {
	prompts, err := r.store.FindStuckPrompts(ctx, r.now().Add(-r.promptTimeout), r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to find stuck prompt jobs: %w", err)
	}

	for _, pj := range prompts {
		if pj.Attempts+1 >= r.promptMaxAttempts {
			reason := fmt.Sprintf("prompt generation timed out after %d attempts", pj.Attempts+1)
			if _, err := r.store.FailPrompt(ctx, pj.ID, reason); err != nil {
				r.logPromptSkip(pj, err)
				continue
			}
			result.PromptsFailed++
			continue
		}

		if _, err := r.store.RequeuePrompt(ctx, pj.ID); err != nil {
			r.logPromptSkip(pj, err)
			continue
		}
		result.PromptsRequeued++
	}
	return nil
}

func (r *Reconciler) timeout(ctx context.Context, job *domain.Job, from []domain.Status, reason string) bool {
	_, err := r.store.Transition(ctx, job.ID, from, domain.StatusFailed, domain.TransitionFields{
		Error:       reason,
		FailureKind: domain.FailureTimeout,
	})
	if err != nil {
		r.logSkip(job, err)
		return false
	}
	r.logger.Warn("Job timed out",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
		slog.String("reason", reason),
	)
	return true
}

// ResetStuck requeues every resettable job, optionally for one owner, with its
// attempts cleared. Jobs that move concurrently are skipped.
func (r *Reconciler) ResetStuck(ctx context.Context, ownerID string) (int, error) {
	now := r.now()
	jobs, err := r.store.FindResettable(ctx, ownerID, store.StuckCutoffs{
		Submitted: now.Add(-r.submittedTimeout),
		Running:   now.Add(-r.runningTimeout),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find resettable jobs: %w", err)
	}

	reset := 0
	for _, job := range jobs {
		_, err := r.store.Transition(ctx, job.ID, []domain.Status{job.Status}, domain.StatusQueued, domain.TransitionFields{
			AdminReset: true,
		})
		if err != nil {
			r.logSkip(job, err)
			continue
		}
		reset++
	}

	r.logger.Info("Admin reset finished",
		slog.String("owner_id", ownerID),
		slog.Int("found", len(jobs)),
		slog.Int("reset", reset),
	)
	return reset, nil
}

// Start runs Sweep on the configured interval until Stop or ctx cancellation.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting reconciler",
		slog.Duration("interval", r.interval),
		slog.Duration("submitted_timeout", r.submittedTimeout),
		slog.Duration("running_timeout", r.runningTimeout),
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("Reconciliation sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// Stop stops the sweep loop and releases the lease.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Stopping reconciler...")
		close(r.stopChan)
	})
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.locker.Unlock(ctx); err != nil {
		r.logger.Warn("Failed to release reconciler lease", slog.String("error", err.Error()))
	}
	r.logger.Info("Reconciler stopped")
}

func (r *Reconciler) logSkip(job *domain.Job, err error) {
	level := slog.LevelError
	if errors.Is(err, domain.ErrConflict) {
		level = slog.LevelDebug
	}
	r.logger.Log(context.Background(), level, "Skipped job during reconciliation",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
		slog.String("error", err.Error()),
	)
}

func (r *Reconciler) logPromptSkip(pj *domain.PromptJob, err error) {
	r.logger.Warn("Skipped prompt job during reconciliation",
		slog.String("prompt_job_id", pj.ID),
		slog.String("job_id", pj.JobID),
		slog.String("error", err.Error()),
	)
}
