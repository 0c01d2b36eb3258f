// Package trigger defines the wake-up messages exchanged between the API and
// the worker over RabbitMQ. Messages are hints: losing one only delays work
// until the next periodic cycle.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind names what a message asks the worker to do.
type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindPoll     Kind = "poll"
)

// ErrInvalidMessage marks messages that can never be processed.
var ErrInvalidMessage = errors.New("invalid trigger message")

// Message is the JSON body on the trigger queue.
type Message struct {
	Kind              Kind   `json:"kind"`
	JobID             string `json:"job_id,omitempty"`
	ProviderRequestID string `json:"provider_request_id,omitempty"`
}

// Parse decodes and validates a delivery body.
func Parse(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch msg.Kind {
	case KindDispatch:
		// job_id is informational; an empty one asks for a plain cycle
		if msg.JobID == "" {
			break
		}
		if _, err := uuid.Parse(msg.JobID); err != nil {
			return msg, fmt.Errorf("%w: job_id %q is not a UUID", ErrInvalidMessage, msg.JobID)
		}
	case KindPoll:
		if msg.ProviderRequestID == "" {
			return msg, fmt.Errorf("%w: provider_request_id is required", ErrInvalidMessage)
		}
	default:
		return msg, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, msg.Kind)
	}
	return msg, nil
}

// Broker is the transport a Publisher sends through.
type Broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Publisher sends trigger messages.
type Publisher struct {
	broker Broker
}

// NewPublisher creates a publisher on broker
func NewPublisher(broker Broker) *Publisher {
	return &Publisher{broker: broker}
}

// Dispatch asks a worker to run a dispatch cycle. jobID may be empty.
func (p *Publisher) Dispatch(ctx context.Context, jobID string) error {
	return p.publish(ctx, Message{Kind: KindDispatch, JobID: jobID})
}

// Poll asks a worker to poll one provider request now.
func (p *Publisher) Poll(ctx context.Context, providerRequestID string) error {
	return p.publish(ctx, Message{Kind: KindPoll, ProviderRequestID: providerRequestID})
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Kind, err)
	}
	if err := p.broker.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish %s message: %w", msg.Kind, err)
	}
	return nil
}
