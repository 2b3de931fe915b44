// Package transport is the event channel between the coordinator and
// the step workers: one dispatch stream per step kind, one shared
// result stream, at-least-once delivery through consumer groups.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/transfer/orchestrator/internal/saga"
	"github.com/transfer/orchestrator/pkg/redis"
)

// ResultsStream carries step result messages back to the coordinator.
const ResultsStream = "saga:results"

// DispatchStream names the dispatch stream for one step kind.
func DispatchStream(kind saga.StepKind) string {
	return "saga:dispatch:" + string(kind)
}

// DispatchStreams lists every dispatch stream in canonical order.
func DispatchStreams() []string {
	out := make([]string, 0, len(saga.CanonicalOrder))
	for _, k := range saga.CanonicalOrder {
		out = append(out, DispatchStream(k))
	}
	return out
}

// DispatchMessage is one unit of work sent to a step worker.
type DispatchMessage struct {
	SagaID         int64                `json:"sagaId"`
	StepKind       saga.StepKind        `json:"stepKind"`
	IdempotencyKey string               `json:"idempotencyKey"`
	Attempt        int                  `json:"attempt"`
	Transfer       saga.TransferDetails `json:"transfer"`
	// DeadlineMs is the unix-milli deadline; past it the coordinator
	// synthesizes a TransientError and the worker must drop the work.
	DeadlineMs int64 `json:"deadlineMs"`
}

// ResultMessage carries a step verdict back to the coordinator.
// sagaId + stepKind + attempt is the correlation key.
type ResultMessage struct {
	SagaID          int64         `json:"sagaId"`
	StepKind        saga.StepKind `json:"stepKind"`
	IdempotencyKey  string        `json:"idempotencyKey"`
	Attempt         int           `json:"attempt"`
	Outcome         saga.Outcome  `json:"outcome"`
	Detail          string        `json:"detail,omitempty"`
	CompensationRef string        `json:"compensationRef,omitempty"`
}

// Publisher writes dispatch and result messages.
type Publisher struct {
	streams *redis.StreamClient
}

func NewPublisher(streams *redis.StreamClient) *Publisher {
	return &Publisher{streams: streams}
}

func (p *Publisher) PublishDispatch(ctx context.Context, msg *DispatchMessage) error {
	if !saga.ValidStepKind(msg.StepKind) {
		return fmt.Errorf("invalid step kind %q", msg.StepKind)
	}
	_, err := p.streams.Publish(ctx, DispatchStream(msg.StepKind), msg)
	return err
}

func (p *Publisher) PublishResult(ctx context.Context, msg *ResultMessage) error {
	_, err := p.streams.Publish(ctx, ResultsStream, msg)
	return err
}

// ResultHandler processes one decoded result message.
type ResultHandler func(ctx context.Context, msg *ResultMessage) error

// NewResultConsumer builds a consumer-group reader for the result
// stream. Malformed payloads are acked and dropped; they can never
// become valid.
func NewResultConsumer(streams *redis.StreamClient, group, consumer string, handler ResultHandler, opts *redis.ConsumerOptions) *redis.Consumer {
	return redis.NewConsumer(streams, group, consumer, []string{ResultsStream}, func(ctx context.Context, msg *redis.Message) error {
		var rm ResultMessage
		if err := json.Unmarshal(msg.Data, &rm); err != nil {
			return nil
		}
		return handler(ctx, &rm)
	}, opts)
}

// DispatchHandler processes one decoded dispatch message.
type DispatchHandler func(ctx context.Context, msg *DispatchMessage) error

// NewDispatchConsumer builds a consumer-group reader over all dispatch
// streams.
func NewDispatchConsumer(streams *redis.StreamClient, group, consumer string, handler DispatchHandler, opts *redis.ConsumerOptions) *redis.Consumer {
	return redis.NewConsumer(streams, group, consumer, DispatchStreams(), func(ctx context.Context, msg *redis.Message) error {
		var dm DispatchMessage
		if err := json.Unmarshal(msg.Data, &dm); err != nil {
			return nil
		}
		return handler(ctx, &dm)
	}, opts)
}
