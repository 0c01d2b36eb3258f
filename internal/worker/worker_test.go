package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackResult struct {
	acked   bool
	requeue bool
}

type fakeAcker struct {
	mu      sync.Mutex
	results map[uint64]ackResult
}

func (a *fakeAcker) record(tag uint64, r ackResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[tag] = r
}

func (a *fakeAcker) get(tag uint64) (ackResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.results[tag]
	return r, ok
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.record(tag, ackResult{acked: true})
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.record(tag, ackResult{requeue: requeue})
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeConsumer struct {
	ch chan amqp.Delivery
}

func (c *fakeConsumer) Consume(string) (<-chan amqp.Delivery, error) {
	return c.ch, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	triggers int
	polled   []string
	pollErr  map[string]error
}

func (d *fakeDispatcher) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.triggers++
}

func (d *fakeDispatcher) PollOne(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polled = append(d.polled, id)
	return d.pollErr[id]
}

type fakeComponent struct {
	started, stopped bool
}

func (c *fakeComponent) Start(context.Context) { c.started = true }
func (c *fakeComponent) Stop()                 { c.stopped = true }

func TestWorker_HandlesTriggers(t *testing.T) {
	acker := &fakeAcker{results: make(map[uint64]ackResult)}
	consumer := &fakeConsumer{ch: make(chan amqp.Delivery, 8)}
	dispatcher := &fakeDispatcher{pollErr: map[string]error{
		"req-missing": domain.ErrNotFound,
		"req-dberr":   errors.New("connection refused"),
	}}
	component := &fakeComponent{}

	w := NewWorker(&Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Consumer:    consumer,
		Dispatcher:  dispatcher,
		Components:  []Component{component},
		WorkerID:    "worker-test",
		Concurrency: 2,
		JobTimeout:  time.Second,
	})

	tests := []struct {
		tag  uint64
		body string
		want ackResult
	}{
		{1, `{"kind":"dispatch","job_id":"6f1c1f8e-2b7d-4d8e-9a57-0c3e4b1d2a10"}`, ackResult{acked: true}},
		{2, `{"kind":"poll","provider_request_id":"req-ok"}`, ackResult{acked: true}},
		{3, `{"kind":"poll","provider_request_id":"req-missing"}`, ackResult{requeue: false}},
		{4, `{"kind":"poll","provider_request_id":"req-dberr"}`, ackResult{requeue: true}},
		{5, `not json`, ackResult{requeue: false}},
		{6, `{"kind":"dispatch","job_id":"nope"}`, ackResult{requeue: false}},
	}
	for _, tt := range tests {
		consumer.ch <- amqp.Delivery{Acknowledger: acker, DeliveryTag: tt.tag, Body: []byte(tt.body)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool {
		for _, tt := range tests {
			if _, ok := acker.get(tt.tag); !ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	for _, tt := range tests {
		got, _ := acker.get(tt.tag)
		assert.Equal(t, tt.want, got, "delivery %d", tt.tag)
	}

	cancel()
	require.NoError(t, <-done)
	w.Stop()

	assert.True(t, component.started)
	assert.True(t, component.stopped)
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	// one startup trigger plus the dispatch message
	assert.Equal(t, 2, dispatcher.triggers)
	assert.ElementsMatch(t, []string{"req-ok", "req-missing", "req-dberr"}, dispatcher.polled)
}

func TestShouldRequeue(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable", domain.NewRetryableError(errors.New("db down")), true},
		{"provider unavailable", domain.NewProviderUnavailable("503"), true},
		{"not found", domain.ErrNotFound, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeue(tt.err))
		})
	}
}
