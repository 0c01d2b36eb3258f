// Package promptqueue runs the prompt enrichment sub-queue: a poller claims
// pending prompt jobs and a fixed pool of workers generates prompts from the
// parent job's reference images.
package promptqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
	"github.com/cuongbtq/genqueue/internal/prompt"
	"github.com/cuongbtq/genqueue/internal/provider"
	"github.com/cuongbtq/genqueue/internal/store"
)

// Notifier is woken when a parent job becomes dispatch eligible.
type Notifier interface {
	Trigger()
}

// Config holds prompt queue dependencies and limits
type Config struct {
	Store    store.PromptStore
	Jobs     JobGetter
	Provider prompt.Provider
	Signer   provider.URLSigner
	Notifier Notifier
	Logger   *slog.Logger

	Workers      int
	Timeout      time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

// JobGetter loads the parent generation job.
type JobGetter interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
}

// Queue owns the poller and the worker pool.
type Queue struct {
	store    store.PromptStore
	jobs     JobGetter
	provider prompt.Provider
	signer   provider.URLSigner
	notifier Notifier
	logger   *slog.Logger

	workers      int
	timeout      time.Duration
	pollInterval time.Duration
	maxAttempts  int

	jobsChan chan *domain.PromptJob
	// idle counts workers with no job handed to them; the poller takes a slot per send
	idle     atomic.Int32
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// New creates a prompt queue
func New(cfg *Config) *Queue {
	q := &Queue{
		store:        cfg.Store,
		jobs:         cfg.Jobs,
		provider:     cfg.Provider,
		signer:       cfg.Signer,
		notifier:     cfg.Notifier,
		logger:       cfg.Logger,
		workers:      cfg.Workers,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
		stopChan:     make(chan struct{}),
	}
	if q.workers <= 0 {
		q.workers = 2
	}
	if q.timeout <= 0 {
		q.timeout = 2 * time.Minute
	}
	if q.pollInterval <= 0 {
		q.pollInterval = 2 * time.Second
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 3
	}
	q.jobsChan = make(chan *domain.PromptJob, q.workers)
	q.idle.Store(int32(q.workers))
	return q
}

// Start launches the poller and the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.logger.Info("Starting prompt queue",
		slog.Int("workers", q.workers),
		slog.Duration("timeout", q.timeout),
	)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx, i)
	}

	q.wg.Add(1)
	go q.pollLoop(ctx)
}

// Stop stops the poller and waits for workers to finish their current job.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.logger.Info("Stopping prompt queue...")
		close(q.stopChan)
	})
	q.wg.Wait()
	q.logger.Info("Prompt queue stopped")
}

func (q *Queue) pollLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// claim at most one job per idle worker
		free := int(q.idle.Load())
		if free <= 0 {
			continue
		}

		claimed, err := q.store.ClaimPendingPrompts(ctx, free)
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Error("Failed to claim prompt jobs", slog.String("error", err.Error()))
			}
			continue
		}

		for _, pj := range claimed {
			q.idle.Add(-1)
			select {
			case q.jobsChan <- pj:
			case <-q.stopChan:
				// left in generating; the reconciler puts it back
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (q *Queue) workerLoop(ctx context.Context, workerNum int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopChan:
			return
		case <-ctx.Done():
			return
		case pj := <-q.jobsChan:
			if err := q.Process(ctx, pj); err != nil {
				q.logger.Error("Prompt job processing failed",
					slog.Int("worker_num", workerNum),
					slog.String("prompt_job_id", pj.ID),
					slog.String("error", err.Error()),
				)
			}
			q.idle.Add(1)
		}
	}
}

// Process generates the prompt for one claimed prompt job and records the outcome.
func (q *Queue) Process(ctx context.Context, pj *domain.PromptJob) error {
	q.logger.Info("Processing prompt job",
		slog.String("prompt_job_id", pj.ID),
		slog.String("job_id", pj.JobID),
		slog.Int("attempts", pj.Attempts),
	)

	text, genErr := q.generate(ctx, pj)

	// record the outcome even if shutdown began mid-generation
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if genErr == nil {
		if _, err := q.store.CompletePrompt(writeCtx, pj.ID, text); err != nil {
			return fmt.Errorf("failed to complete prompt job: %w", err)
		}
		q.logger.Info("Prompt generated",
			slog.String("prompt_job_id", pj.ID),
			slog.String("job_id", pj.JobID),
		)
		q.notifier.Trigger()
		return nil
	}

	if pj.Attempts+1 < q.maxAttempts && !errors.Is(genErr, domain.ErrNotFound) {
		q.logger.Warn("Prompt generation failed, will retry",
			slog.String("prompt_job_id", pj.ID),
			slog.Int("attempts", pj.Attempts+1),
			slog.String("error", genErr.Error()),
		)
		if _, err := q.store.RequeuePrompt(writeCtx, pj.ID); err != nil {
			return fmt.Errorf("failed to requeue prompt job: %w", err)
		}
		return nil
	}

	if _, err := q.store.FailPrompt(writeCtx, pj.ID, genErr.Error()); err != nil {
		return errors.Join(genErr, fmt.Errorf("failed to record prompt failure: %w", err))
	}
	return genErr
}

func (q *Queue) generate(ctx context.Context, pj *domain.PromptJob) (string, error) {
	job, err := q.jobs.Get(ctx, pj.JobID)
	if err != nil {
		return "", fmt.Errorf("failed to load job %s: %w", pj.JobID, err)
	}

	urls := make([]string, 0, len(job.Payload.ReferencePaths))
	for _, p := range job.Payload.ReferencePaths {
		u, err := q.signer.SignedURL(ctx, p)
		if err != nil {
			return "", fmt.Errorf("failed to sign reference %s: %w", p, err)
		}
		urls = append(urls, u)
	}

	genCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	text, err := q.provider.Generate(genCtx, prompt.Request{
		ImageURLs:      urls,
		ExistingPrompt: job.Payload.Prompt,
		Instructions:   job.Payload.Instructions,
	})
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", prompt.ErrEmptyPrompt
	}
	return text, nil
}
