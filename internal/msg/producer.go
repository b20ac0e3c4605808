package msg

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	produceTimeout = 5 * time.Second
	statsInterval  = 30 * time.Second
)

// Producer publishes drop copy records to Kafka
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	topic  string

	produced atomic.Int64
	failed   atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewProducer connects to the brokers; records go to topic
func NewProducer(cfg *Config, topic string, logger *zap.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DisableIdempotentWrite(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p := &Producer{
		client: client,
		logger: logger,
		topic:  topic,
		stop:   make(chan struct{}),
	}
	logger.Info("producer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", topic),
	)
	go p.logStats()
	return p, nil
}

// PublishExecution sends one execution drop copy and waits for the ack
func (p *Producer) PublishExecution(ctx context.Context, m ExecutionEventMsg) error {
	return p.ProduceJSON(ctx, m.Key(), m)
}

// ProduceJSON marshals v and produces it synchronously under key
func (p *Producer) ProduceJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	res := p.client.ProduceSync(ctx, &kgo.Record{Topic: p.topic, Key: []byte(key), Value: data})
	if err := res.FirstErr(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to produce message: %w", err)
	}
	p.produced.Add(1)
	return nil
}

// Close flushes nothing; ProduceSync already waited for every record
func (p *Producer) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.client.Close()
}

func (p *Producer) logStats() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.logger.Info("producer stats",
				zap.String("topic", p.topic),
				zap.Int64("produced", p.produced.Load()),
				zap.Int64("errors", p.failed.Load()),
			)
		}
	}
}
