package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamClient publishes JSON payloads to Redis Streams.
type StreamClient struct {
	client *redis.Client
}

func NewStreamClient(client *redis.Client) *StreamClient {
	return &StreamClient{client: client}
}

func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return id, nil
}

// PublishWithID publishes with an explicit entry ID so duplicate
// publishes of the same logical message collapse to one entry.
func (c *StreamClient) PublishWithID(ctx context.Context, stream, id string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     id,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}

	return nil
}

type Message struct {
	ID     string
	Stream string
	Data   []byte
}

// Consumer reads from one or more streams through a consumer group,
// reclaims stale pending entries and dead-letters poison messages.
type Consumer struct {
	client   *StreamClient
	group    string
	consumer string
	streams  []string
	handler  MessageHandler
	opts     ConsumerOptions
}

type MessageHandler func(ctx context.Context, msg *Message) error

type ConsumerOptions struct {
	BatchSize    int
	BlockTime    time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	// ClaimMinIdle is how long a pending entry must sit idle before
	// another consumer may claim it.
	ClaimMinIdle         time.Duration
	PendingCheckInterval time.Duration
}

var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           3,
	RetryBackoff:         time.Second,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

func NewConsumer(client *StreamClient, group, consumer string, streams []string, handler MessageHandler, opts *ConsumerOptions) *Consumer {
	if opts == nil {
		opts = &DefaultConsumerOptions
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultConsumerOptions.BatchSize
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = DefaultConsumerOptions.BlockTime
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = DefaultConsumerOptions.ClaimMinIdle
	}
	if opts.PendingCheckInterval <= 0 {
		opts.PendingCheckInterval = DefaultConsumerOptions.PendingCheckInterval
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     *opts,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("create group: %w", err)
		}
	}

	// drain pending entries left over from a previous crash first
	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}

	return c.consume(ctx)
}

func (c *Consumer) processPending(ctx context.Context) error {
	for _, stream := range c.streams {
		for {
			pending, err := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  int64(c.opts.BatchSize),
			}).Result()
			if err != nil {
				return fmt.Errorf("xpending: %w", err)
			}

			if len(pending) == 0 {
				break
			}

			ids := make([]string, 0, len(pending))
			dlqIDs := make(map[string]int64)
			for _, p := range pending {
				if p.Idle >= c.opts.ClaimMinIdle {
					ids = append(ids, p.ID)
					if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
						dlqIDs[p.ID] = p.RetryCount
					}
				}
			}

			if len(ids) == 0 {
				break
			}

			messages, err := c.client.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.opts.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim: %w", err)
			}

			for _, m := range messages {
				if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
					if err := c.sendToDLQ(ctx, stream, &m, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
						fmt.Printf("send to dlq error: %v\n", err)
						continue
					}
					if err := c.client.client.XAck(ctx, stream, c.group, m.ID).Err(); err != nil {
						fmt.Printf("ack dlq message error: %v\n", err)
					}
					continue
				}

				if err := c.processMessage(ctx, stream, m); err != nil {
					fmt.Printf("process pending message error: %v\n", err)
				}
			}
		}
	}
	return nil
}

func (c *Consumer) consume(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	for _, s := range c.streams {
		args = append(args, s)
	}
	for range c.streams {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				fmt.Printf("process pending error: %v\n", err)
			}
		default:
		}

		results, err := c.client.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := c.processMessage(ctx, result.Stream, m); err != nil {
					fmt.Printf("process message error: %v\n", err)
				}
			}
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		// malformed entry, ack and move on
		return c.client.client.XAck(ctx, stream, c.group, m.ID).Err()
	}

	msg := &Message{
		ID:     m.ID,
		Stream: stream,
		Data:   []byte(data),
	}

	if err := c.handler(ctx, msg); err != nil {
		// past max retries the entry goes to the dead-letter stream
		if c.opts.MaxRetries > 0 {
			pending, pErr := c.client.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  m.ID,
				End:    m.ID,
				Count:  1,
			}).Result()
			if pErr == nil && len(pending) == 1 && pending[0].RetryCount > int64(c.opts.MaxRetries) {
				if dlqErr := c.sendToDLQ(ctx, stream, &m, err.Error()); dlqErr == nil {
					return c.client.client.XAck(ctx, stream, c.group, m.ID).Err()
				}
			}
		}
		return err
	}

	return c.client.client.XAck(ctx, stream, c.group, m.ID).Err()
}

func (c *Consumer) sendToDLQ(ctx context.Context, stream string, m *redis.XMessage, reason string) error {
	dlqStream := stream + ":dlq"
	values := map[string]interface{}{
		"stream":   stream,
		"msgId":    m.ID,
		"reason":   reason,
		"data":     m.Values["data"],
		"tsMs":     time.Now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	_, err := c.client.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	return nil
}

func (c *Consumer) Ack(ctx context.Context, stream, id string) error {
	return c.client.client.XAck(ctx, stream, c.group, id).Err()
}

// DLQEntry is one dead-lettered message as written by sendToDLQ.
type DLQEntry struct {
	ID       string `json:"id"`
	Stream   string `json:"stream"`
	MsgID    string `json:"msgId"`
	Reason   string `json:"reason"`
	Data     string `json:"data"`
	TsMs     int64  `json:"tsMs"`
	Group    string `json:"group"`
	Consumer string `json:"consumer"`
}

// ReadDLQ returns up to count entries from a stream's dead-letter
// stream, oldest first.
func (c *StreamClient) ReadDLQ(ctx context.Context, stream string, count int64) ([]DLQEntry, error) {
	if count <= 0 {
		count = 100
	}
	msgs, err := c.client.XRangeN(ctx, stream+":dlq", "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange dlq: %w", err)
	}

	entries := make([]DLQEntry, 0, len(msgs))
	for _, m := range msgs {
		e := DLQEntry{ID: m.ID}
		if v, ok := m.Values["stream"].(string); ok {
			e.Stream = v
		}
		if v, ok := m.Values["msgId"].(string); ok {
			e.MsgID = v
		}
		if v, ok := m.Values["reason"].(string); ok {
			e.Reason = v
		}
		if v, ok := m.Values["data"].(string); ok {
			e.Data = v
		}
		if v, ok := m.Values["tsMs"].(string); ok {
			var ts int64
			fmt.Sscanf(v, "%d", &ts)
			e.TsMs = ts
		}
		if v, ok := m.Values["group"].(string); ok {
			e.Group = v
		}
		if v, ok := m.Values["consumer"].(string); ok {
			e.Consumer = v
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type StreamInfo struct {
	Length         int64
	FirstEntry     string
	LastEntry      string
	ConsumerGroups int64
}

func (c *StreamClient) Info(ctx context.Context, stream string) (*StreamInfo, error) {
	info, err := c.client.XInfoStream(ctx, stream).Result()
	if err != nil {
		return nil, err
	}

	return &StreamInfo{
		Length:         info.Length,
		FirstEntry:     info.FirstEntry.ID,
		LastEntry:      info.LastEntry.ID,
		ConsumerGroups: int64(info.Groups),
	}, nil
}

func (c *StreamClient) Trim(ctx context.Context, stream string, maxLen int64) error {
	return c.client.XTrimMaxLen(ctx, stream, maxLen).Err()
}
