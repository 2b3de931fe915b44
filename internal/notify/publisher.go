// Package notify publishes saga lifecycle events to Redis so party
// facing channels can track transfer progress.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/transfer/orchestrator/internal/saga"
)

const privatePartyEventChannelTemplate = "private:party:{party}:events"

// Publisher publishes transfer events.
type Publisher struct {
	client        *redis.Client
	channelFormat string
	hasParty      bool
}

// NewPublisher creates a publisher.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = privatePartyEventChannelTemplate
	}
	format, hasParty := normalizePartyChannelFormat(channel)
	return &Publisher{
		client:        client,
		channelFormat: format,
		hasParty:      hasParty,
	}
}

// StateChange represents a transfer state transition payload.
type StateChange struct {
	SagaID    int64      `json:"sagaId"`
	FromState saga.State `json:"fromState"`
	ToState   saga.State `json:"toState"`
	Event     saga.Event `json:"event"`
}

// PublishStateChanged publishes a state transition for the party.
func (p *Publisher) PublishStateChanged(ctx context.Context, party string, sagaID int64, from, to saga.State, event saga.Event) error {
	return p.publish(ctx, party, "stateChanged", StateChange{
		SagaID:    sagaID,
		FromState: from,
		ToState:   to,
		Event:     event,
	})
}

// PublishTerminal publishes the final view when a saga reaches a
// terminal state.
func (p *Publisher) PublishTerminal(ctx context.Context, party string, view *saga.View) error {
	return p.publish(ctx, party, "terminal", view)
}

func (p *Publisher) publish(ctx context.Context, party, event string, data interface{}) error {
	payload := map[string]interface{}{
		"channel": "transfer",
		"event":   event,
		"data":    data,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	targetChannel := p.channelFormat
	if p.hasParty {
		targetChannel = fmt.Sprintf(p.channelFormat, party)
	}
	return p.client.Publish(ctx, targetChannel, raw).Err()
}

func normalizePartyChannelFormat(template string) (string, bool) {
	if strings.Contains(template, "{party}") {
		return strings.ReplaceAll(template, "{party}", "%s"), true
	}
	return template, false
}
