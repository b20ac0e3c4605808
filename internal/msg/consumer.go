package msg

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// ErrClientClosed is returned by Run once Close was called
var ErrClientClosed = errors.New("kafka client closed")

// Handler processes one record; a returned error is retried
type Handler func(ctx context.Context, rec Record) error

// Consumer reads drop copy records in a consumer group and commits each
// record only after its handler succeeded.
type Consumer struct {
	client *kgo.Client
	logger *zap.Logger
	group  string
	topics []string

	retries int
	backoff time.Duration

	running   atomic.Bool
	handled   atomic.Int64
	abandoned atomic.Int64
}

func NewConsumer(cfg *Config, group string, topics []string, logger *zap.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	logger.Info("consumer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", group),
		zap.Strings("topics", topics),
	)
	return &Consumer{
		client:  client,
		logger:  logger,
		group:   group,
		topics:  topics,
		retries: 3,
		backoff: 100 * time.Millisecond,
	}, nil
}

// Run polls until ctx is done. Records whose handler keeps failing are
// logged and left uncommitted.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	c.running.Store(true)
	defer c.running.Store(false)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", zap.String("group", c.group))
			return ctx.Err()
		case <-ticker.C:
			c.logger.Info("consumer stats",
				zap.String("group", c.group),
				zap.Int64("handled", c.handled.Load()),
				zap.Int64("abandoned", c.abandoned.Load()),
			)
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return ErrClientClosed
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("fetch error",
					zap.String("topic", topic),
					zap.Int32("partition", partition),
					zap.Error(err),
				)
			}
		})

		fetches.EachRecord(func(r *kgo.Record) {
			rec := Record{
				Topic:     r.Topic,
				Key:       string(r.Key),
				Value:     r.Value,
				Partition: r.Partition,
				Offset:    r.Offset,
				Timestamp: r.Timestamp.UnixMilli(),
			}
			if err := c.handleWithRetry(ctx, rec, handler); err != nil {
				c.abandoned.Add(1)
				c.logger.Error("handler failed after retries",
					zap.String("topic", rec.Topic),
					zap.String("key", rec.Key),
					zap.Int64("offset", rec.Offset),
					zap.Error(err),
				)
				return
			}
			if err := c.client.CommitRecords(ctx, r); err != nil {
				c.logger.Warn("commit failed", zap.Int64("offset", r.Offset), zap.Error(err))
			}
			c.handled.Add(1)
		})
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, rec Record, handler Handler) error {
	backoff := c.backoff
	var err error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err = handler(ctx, rec); err == nil {
			return nil
		}
		if attempt == c.retries {
			break
		}
		c.logger.Warn("handler failed, retrying",
			zap.String("key", rec.Key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("handler failed after %d attempts: %w", c.retries, err)
}

func (c *Consumer) Close() {
	c.client.Close()
}

func (c *Consumer) IsRunning() bool {
	return c.running.Load()
}
