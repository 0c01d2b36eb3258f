package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/genqueue/internal/domain"
	"github.com/cuongbtq/genqueue/internal/trigger"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop handles trigger messages until the worker stops
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for {
		select {
		case <-w.stopChan:
			return

		case <-ctx.Done():
			return

		case msg := <-w.jobsChan:
			err := w.handleMessage(ctx, msg)
			if err == nil {
				if ackErr := msg.delivery.Ack(false); ackErr != nil {
					w.logger.Error("Failed to ACK message",
						slog.String("worker_name", workerName),
						slog.String("error", ackErr.Error()),
					)
				}
				continue
			}

			requeue := shouldRequeue(err)
			w.logger.Error("Trigger handling failed",
				slog.String("worker_name", workerName),
				slog.String("kind", string(msg.Kind)),
				slog.Bool("requeue", requeue),
				slog.String("error", err.Error()),
			)
			if nackErr := msg.delivery.Nack(false, requeue); nackErr != nil {
				w.logger.Error("Failed to NACK message",
					slog.String("worker_name", workerName),
					slog.String("error", nackErr.Error()),
				)
			}
		}
	}
}

// handleMessage acts on one trigger. Dispatch triggers only wake the dispatch loop.
func (w *Worker) handleMessage(ctx context.Context, msg *message) error {
	switch msg.Kind {
	case trigger.KindDispatch:
		w.dispatcher.Trigger()
		return nil

	case trigger.KindPoll:
		pollCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()

		err := w.dispatcher.PollOne(pollCtx, msg.ProviderRequestID)
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			// unknown request ids come from stale or foreign callbacks
			return err
		}
		return domain.NewRetryableError(err)
	}
	return fmt.Errorf("%w: unknown kind %q", trigger.ErrInvalidMessage, msg.Kind)
}

// shouldRequeue determines if a message should be redelivered based on the error type
func shouldRequeue(err error) bool {
	if errors.Is(err, trigger.ErrInvalidMessage) || errors.Is(err, domain.ErrNotFound) {
		return false
	}
	return domain.IsRetryable(err)
}
