package dropcopy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ismaiel54/fix-order-gateway/internal/msg"
	"go.uber.org/zap"
)

// Producer is the Kafka side of the publisher; *msg.Producer satisfies it
type Producer interface {
	PublishExecution(ctx context.Context, m msg.ExecutionEventMsg) error
}

// Publisher drains the outbox into Kafka. Delivery is at least once:
// an entry whose ack was not recorded is sent again on the next pass.
type Publisher struct {
	outbox    *Outbox
	producer  Producer
	logger    *zap.Logger
	clock     clock.Clock
	interval  time.Duration
	batchSize int
	ready     func(ok bool)
}

func NewPublisher(outbox *Outbox, producer Producer, logger *zap.Logger) *Publisher {
	return &Publisher{
		outbox:    outbox,
		producer:  producer,
		logger:    logger,
		clock:     clock.New(),
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// OnReadiness registers fn to learn after every pass whether the pass
// succeeded; it is told false once Run stops
func (p *Publisher) OnReadiness(fn func(ok bool)) {
	p.ready = fn
}

func (p *Publisher) report(ok bool) {
	if p.ready != nil {
		p.ready(ok)
	}
}

// Run publishes on every tick until ctx is done
func (p *Publisher) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()
	defer p.report(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := p.publishBatch(ctx)
			if err != nil {
				p.logger.Error("failed to publish batch", zap.Error(err))
			}
			p.report(err == nil)
		}
	}
}

// publishBatch returns how many entries were acknowledged. It stops at the
// first entry it cannot publish and mark, so no entry overtakes an earlier one.
func (p *Publisher) publishBatch(ctx context.Context) (int, error) {
	entries, err := p.outbox.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unpublished entries: %w", err)
	}

	published := 0
	for _, e := range entries {
		var m msg.ExecutionEventMsg
		if err := json.Unmarshal([]byte(e.PayloadJSON), &m); err != nil {
			p.logger.Error("quarantining undecodable outbox payload",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
			if qerr := p.outbox.Quarantine(ctx, e, err.Error(), p.clock.Now().UnixMilli()); qerr != nil {
				return published, qerr
			}
			continue
		}

		// nothing after a failed entry goes out this pass
		if err := p.producer.PublishExecution(ctx, m); err != nil {
			p.logger.Warn("failed to publish execution",
				zap.String("event_id", e.EventID),
				zap.String("key", e.Key),
				zap.Error(err),
			)
			return published, fmt.Errorf("failed to publish %s: %w", e.EventID, err)
		}

		// the entry is sent again next pass, ahead of everything behind it
		if err := p.outbox.MarkPublished(ctx, e.EventID, p.clock.Now().UnixMilli()); err != nil {
			return published, err
		}
		published++
	}

	if published > 0 {
		p.logger.Info("published drop copy batch",
			zap.Int("published", published),
			zap.Int("total", len(entries)),
		)
	}
	return published, nil
}
