package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/genqueue/internal/trigger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer yields trigger deliveries.
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Dispatcher is the part of the dispatcher trigger messages drive.
type Dispatcher interface {
	Trigger()
	PollOne(ctx context.Context, providerRequestID string) error
}

// Component is a background loop owned by the worker.
type Component interface {
	Start(ctx context.Context)
	Stop()
}

// Config holds worker configuration
type Config struct {
	Logger     *slog.Logger
	Consumer   Consumer
	Dispatcher Dispatcher
	// Components start with the worker and stop in reverse order.
	Components  []Component
	WorkerID    string
	Concurrency int
	JobTimeout  time.Duration
}

// message is a parsed trigger with the delivery to acknowledge.
type message struct {
	trigger.Message
	delivery amqp.Delivery
}

// Worker consumes trigger messages and runs the background components.
type Worker struct {
	logger      *slog.Logger
	consumer    Consumer
	dispatcher  Dispatcher
	components  []Component
	workerID    string
	concurrency int
	jobTimeout  time.Duration
	jobsChan    chan *message
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopChan    chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}
	return &Worker{
		logger:      cfg.Logger,
		consumer:    cfg.Consumer,
		dispatcher:  cfg.Dispatcher,
		components:  cfg.Components,
		workerID:    cfg.WorkerID,
		concurrency: concurrency,
		jobTimeout:  jobTimeout,
		jobsChan:    make(chan *message, concurrency),
		stopChan:    make(chan struct{}),
	}
}

// Start runs the components, the consumer and the worker pool until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	for _, c := range w.components {
		c.Start(ctx)
	}

	deliveries, err := w.consumer.Consume(w.workerID)
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startMessageDispatcher(ctx, deliveries)
	}()

	// run one cycle immediately instead of waiting for the first tick
	w.dispatcher.Trigger()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker pool and every component
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
	w.wg.Wait()

	for i := len(w.components) - 1; i >= 0; i-- {
		w.components[i].Stop()
	}
	w.logger.Info("Worker stopped")
}
