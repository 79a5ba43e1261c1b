package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"detour/internal/availability"
	"detour/internal/domain"
	"detour/internal/logger"
)

// Reporter records provider readings; availability.SnapshotStore satisfies it.
type Reporter interface {
	ReportProvider(ctx context.Context, r availability.ProviderReading) (domain.AvailabilitySnapshot, error)
}

// Consumer turns provider feed messages into availability snapshots.
type Consumer struct {
	group    sarama.ConsumerGroup
	reporter Reporter
	topic    string
	l        logger.Logger
	wg       sync.WaitGroup

	// Backoff is the first wait after a failed Consume; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

const (
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

func NewConsumer(group sarama.ConsumerGroup, reporter Reporter, cfg Config, l logger.Logger) *Consumer {
	if l == nil {
		l = logger.NewNop()
	}
	return &Consumer{
		group:    group,
		reporter: reporter,
		topic:    cfg.providerTopic(),
		l:        l,

		Backoff:    defaultBackoff,
		MaxBackoff: defaultMaxBackoff,
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	if cur <= 0 {
		cur = defaultBackoff
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}
	if next := cur * 2; next < max {
		return next
	}
	return max
}

func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	switch msg.Topic {
	case c.topic:
		return c.HandleProviderReading(ctx, msg)
	default:
		c.l.Warnf(ctx, "feed.Consumer unknown topic %s", msg.Topic)
		return nil
	}
}

// HandleProviderReading decodes one reading and records it. A key-only
// message names the place when the payload omits it.
func (c *Consumer) HandleProviderReading(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var r availability.ProviderReading
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		return fmt.Errorf("decode provider reading: %w", err)
	}
	if r.PlaceID == "" && len(msg.Key) > 0 {
		r.PlaceID = string(msg.Key)
	}
	snap, err := c.reporter.ReportProvider(ctx, r)
	if err != nil {
		return fmt.Errorf("report provider reading place=%s: %w", r.PlaceID, err)
	}
	c.l.Debugf(ctx, "feed.HandleProviderReading place=%s status=%s offset=%d", snap.PlaceID, snap.Status, msg.Offset)
	return nil
}

// Start consumes until ctx is cancelled. Call Close to wait for shutdown.
func (c *Consumer) Start(ctx context.Context) error {
	topics := []string{c.topic}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		wait := c.Backoff
		for {
			err := c.group.Consume(ctx, topics, c)
			if ctx.Err() != nil {
				c.l.Infof(ctx, "feed.Consumer.Start: %v", ctx.Err())
				return
			}
			if err == nil {
				wait = c.Backoff
				continue
			}
			c.l.Errorf(ctx, "feed.Consumer.Start: %v (retrying in %s)", err, wait)
			select {
			case <-ctx.Done():
				c.l.Infof(ctx, "feed.Consumer.Start: %v", ctx.Err())
				return
			case <-time.After(wait):
			}
			wait = nextBackoff(wait, c.MaxBackoff)
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.l.Errorf(ctx, "feed.Consumer.Start: %v", err)
		}
	}()
	c.l.Infof(ctx, "feed consumer consuming topics: %v", topics)
	return nil
}

func (c *Consumer) Close() error {
	if err := c.group.Close(); err != nil {
		return err
	}
	c.wg.Wait()
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	c.l.Debug(context.Background(), "feed consumer group session started")
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.l.Debug(context.Background(), "feed consumer group session ended")
	return nil
}

// ConsumeClaim marks every message, including ones that fail to decode or
// validate, so a malformed reading cannot stall the partition.
func (c *Consumer) ConsumeClaim(ss sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			if err := c.processMessage(ss.Context(), message); err != nil {
				c.l.Warnf(ss.Context(), "feed.Consumer.ConsumeClaim topic=%s offset=%d: %v", message.Topic, message.Offset, err)
			}
			ss.MarkMessage(message, "")
		case <-ss.Context().Done():
			return nil
		}
	}
}
