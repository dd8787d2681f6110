package streams

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes from a Redis Stream as a member of a consumer group.
type Consumer struct {
	client   redis.Cmdable
	registry *SchemaRegistry
	group    string
	name     string
	logger   *log.Logger
}

// Message is a decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// NewConsumer builds a consumer for group, identified as name within it.
func NewConsumer(client redis.Cmdable, registry *SchemaRegistry, group, name string, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.New(log.Writer(), "[STREAMS] ", log.LstdFlags)
	}
	return &Consumer{client: client, registry: registry, group: group, name: name, logger: logger}
}

// EnsureGroup creates the consumer group (and the stream) if missing. New
// groups start at the beginning of the stream so entries published before the
// first worker started are not lost.
func EnsureGroup(ctx context.Context, client redis.Cmdable, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Read blocks up to block for new entries and returns at most count of them.
// A non-positive block polls without waiting.
func (c *Consumer) Read(ctx context.Context, stream string, block time.Duration, count int64) ([]Message, error) {
	if err := c.check(stream); err != nil {
		return nil, err
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
		Block:    block,
		Count:    count,
	}
	if block <= 0 {
		// a zero Block means "wait forever" to Redis
		args.Block = -1
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			if decoded, ok := c.decode(ctx, stream, msg); ok {
				out = append(out, decoded)
			}
		}
	}
	return out, nil
}

// Ack acknowledges processed entries.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// Touch resets the idle time of entries this consumer is still working on so
// AutoClaim in other consumers leaves them alone.
func (c *Consumer) Touch(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := c.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  0,
		Messages: ids,
	}).Err()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}
	return nil
}

// AutoClaim takes over entries pending longer than minIdle. Pass the returned
// cursor back as start to continue; "0-0" means the scan is complete.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if err := c.check(stream); err != nil {
		return nil, "", err
	}
	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}
	msgs, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	var out []Message
	for _, msg := range msgs {
		if decoded, ok := c.decode(ctx, stream, msg); ok {
			out = append(out, decoded)
		}
	}
	return out, next, nil
}

// Lag reports pending and lag figures for the consumer's group.
func (c *Consumer) Lag(ctx context.Context, stream string) (LagMetrics, error) {
	return GroupLag(ctx, c.client, stream, c.group)
}

func (c *Consumer) check(stream string) error {
	if stream == "" {
		return fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return fmt.Errorf("consumer group and name must be configured")
	}
	return nil
}

// decode turns a raw entry into a Message. Entries that can never be
// processed are acknowledged and dropped.
func (c *Consumer) decode(ctx context.Context, stream string, msg redis.XMessage) (Message, bool) {
	drop := func(reason error) (Message, bool) {
		c.logger.Printf("dropping entry %s on %s: %v", msg.ID, stream, reason)
		recordEvent(ctx, "dropped", "")
		if err := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
			c.logger.Printf("ack dropped entry %s: %v", msg.ID, err)
		}
		return Message{}, false
	}

	var raw []byte
	switch v := msg.Values["envelope"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		return drop(fmt.Errorf("missing envelope field"))
	default:
		return drop(fmt.Errorf("unexpected envelope type %T", v))
	}

	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		return drop(err)
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return drop(err)
		}
	}
	recordEvent(ctx, "consumed", env.EventType)
	return Message{ID: msg.ID, Envelope: env}, true
}
