package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
	"golang.org/x/sync/errgroup"
)

var (
	fromSubmitted = []domain.Status{domain.StatusSubmitted}
	fromProgress  = []domain.Status{domain.StatusSubmitted, domain.StatusRunning}
	fromInFlight  = domain.InFlightStatuses
	fromSaving    = []domain.Status{domain.StatusSaving}
)

// PollInFlight polls every submitted, running or saving job once and applies the result.
func (d *Dispatcher) PollInFlight(ctx context.Context) error {
	jobs, err := d.store.ListInFlight(ctx, d.pollBatch)
	if err != nil {
		return fmt.Errorf("failed to list in-flight jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.pollConcurrency)
	for _, job := range jobs {
		g.Go(func() error {
			d.pollJob(gctx, job)
			return nil
		})
	}
	return g.Wait()
}

// PollOne polls the job that owns providerRequestID. Callback and poll-trigger
// messages land here. A job already failed by timeout or exhaustion is polled once
// more so a late provider success shows up in the logs.
func (d *Dispatcher) PollOne(ctx context.Context, providerRequestID string) error {
	job, err := d.store.GetByProviderRequestID(ctx, providerRequestID)
	if err != nil {
		return fmt.Errorf("failed to find job for provider request %s: %w", providerRequestID, err)
	}

	switch {
	case job.Status.InFlight():
		d.pollJob(ctx, job)
	case job.Resettable():
		d.checkLateSuccess(ctx, job)
	default:
		d.logger.Debug("Ignoring poll for settled job",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
		)
	}
	return nil
}

func (d *Dispatcher) pollJob(ctx context.Context, job *domain.Job) {
	if _, busy := d.handling.LoadOrStore(job.ID, struct{}{}); busy {
		return
	}
	defer d.handling.Delete(job.ID)

	state, err := d.provider.PollStatus(ctx, job.ProviderRequestID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRequestNotFound):
			// the reconciler decides once the submitted timeout has elapsed
			d.logger.Debug("Provider has no record yet",
				slog.String("job_id", job.ID),
				slog.String("provider_request_id", job.ProviderRequestID),
			)
		case errors.Is(err, domain.ErrUnknownProviderState):
			d.logger.Warn("Provider returned unknown status",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		default:
			d.logger.Warn("Failed to poll provider",
				slog.String("job_id", job.ID),
				slog.String("provider_request_id", job.ProviderRequestID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if _, err := d.ApplyProviderState(ctx, job, state); err != nil {
		d.logTransitionError(job.ID, job.Status, err)
	}
}

// ApplyProviderState advances job to match a translated provider state. Pending is a
// no-op. Success persists outputs through saving before the job is marked succeeded.
func (d *Dispatcher) ApplyProviderState(ctx context.Context, job *domain.Job, state domain.ProviderState) (*domain.Job, error) {
	switch state.Kind {
	case domain.ProviderPending:
		return job, nil

	case domain.ProviderRunning:
		if job.Status != domain.StatusSubmitted {
			return job, nil
		}
		return d.store.Transition(ctx, job.ID, fromSubmitted, domain.StatusRunning, domain.TransitionFields{})

	case domain.ProviderSaving:
		if job.Status == domain.StatusSaving {
			return job, nil
		}
		return d.store.Transition(ctx, job.ID, fromProgress, domain.StatusSaving, domain.TransitionFields{})

	case domain.ProviderSucceeded:
		return d.finish(ctx, job, state.Outputs)

	case domain.ProviderFailed:
		reason := state.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		d.logger.Warn("Provider failed job",
			slog.String("job_id", job.ID),
			slog.String("reason", reason),
		)
		return d.store.Transition(ctx, job.ID, fromInFlight, domain.StatusFailed, domain.TransitionFields{
			Error:       reason,
			FailureKind: domain.FailureProvider,
		})
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProviderState, state.Kind)
}

func (d *Dispatcher) finish(ctx context.Context, job *domain.Job, outputs []string) (*domain.Job, error) {
	if job.Status != domain.StatusSaving {
		saving, err := d.store.Transition(ctx, job.ID, fromProgress, domain.StatusSaving, domain.TransitionFields{})
		if err != nil {
			return nil, err
		}
		job = saving
	}

	// outputs are copied even if the caller goes away; the job would otherwise sit in saving
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	paths, err := d.outputs.PersistOutputs(writeCtx, job, outputs)
	if err != nil {
		d.logger.Error("Failed to persist outputs",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return d.store.Transition(writeCtx, job.ID, fromSaving, domain.StatusFailed, domain.TransitionFields{
			Error:       fmt.Sprintf("failed to persist outputs: %v", err),
			FailureKind: domain.FailureStorage,
		})
	}

	done, err := d.store.Transition(writeCtx, job.ID, fromSaving, domain.StatusSucceeded, domain.TransitionFields{
		OutputPaths: paths,
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("Job succeeded",
		slog.String("job_id", job.ID),
		slog.Int("outputs", len(paths)),
	)
	return done, nil
}

func (d *Dispatcher) checkLateSuccess(ctx context.Context, job *domain.Job) {
	state, err := d.provider.PollStatus(ctx, job.ProviderRequestID)
	if err != nil {
		return
	}
	if state.Kind == domain.ProviderSucceeded {
		d.logger.Warn("Provider finished a job that already failed, outputs not persisted",
			slog.String("job_id", job.ID),
			slog.String("provider_request_id", job.ProviderRequestID),
			slog.String("failure_kind", string(job.FailureKind)),
			slog.Int("outputs", len(state.Outputs)),
		)
	}
}
