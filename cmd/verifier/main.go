package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ismaiel54/fix-order-gateway/internal/dropcopy"
	"github.com/ismaiel54/fix-order-gateway/internal/logging"
	"github.com/ismaiel54/fix-order-gateway/internal/msg"
	"go.uber.org/zap"
)

func main() {
	var (
		duration = flag.Duration("duration", 30*time.Second, "How long to consume the drop copy topic")
		brokers  = flag.String("brokers", "127.0.0.1:9092", "Kafka broker addresses")
		group    = flag.String("group", "verifier-v1", "Consumer group")
	)
	flag.Parse()

	logger, err := logging.NewLogger("verifier", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := msg.LoadConfig()
	cfg.Brokers = msg.SplitBrokers(*brokers)
	cfg.ClientID = "fix-order-gateway-verifier"

	logger.Info("starting verifier",
		zap.Duration("duration", *duration),
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", msg.TopicOrdersExecutions),
	)

	consumer, err := msg.NewConsumer(cfg, *group, []string{msg.TopicOrdersExecutions}, logger)
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	audit := dropcopy.NewAudit()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	err = consumer.Run(ctx, func(ctx context.Context, rec msg.Record) error {
		var event msg.ExecutionEventMsg
		if err := json.Unmarshal(rec.Value, &event); err != nil {
			logger.Warn("failed to unmarshal event", zap.Error(err), zap.Int64("offset", rec.Offset))
			return nil
		}
		audit.Observe(event)

		logger.Debug("consumed event",
			zap.String("key", event.Key()),
			zap.Uint64("exec_id", event.ExecID),
			zap.String("exec_type", event.ExecType),
			zap.String("status", event.Status),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
		)
		return nil
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("consumer error", zap.Error(err))
	}

	fmt.Println("\n=== Verification Results ===")
	fmt.Printf("Events consumed: %d\n", audit.Events)
	fmt.Printf("Redelivered events: %d\n", audit.Redelivered)
	fmt.Printf("Rejects: %d\n", audit.Rejected)
	fmt.Printf("Orders: %d\n", audit.Orders())

	if open := audit.Open(); len(open) > 0 {
		fmt.Printf("\nOrders without a terminal report: %d\n", len(open))
		for _, k := range open {
			fmt.Printf("  %s\n", k)
		}
	}

	if v := audit.Violations(); len(v) > 0 {
		fmt.Println("\nOrdering violations:")
		for _, x := range v {
			fmt.Printf("  %s\n", x)
		}
		fmt.Println("\nVERIFICATION FAILED")
		os.Exit(1)
	}

	fmt.Println("\nVERIFICATION PASSED")
}
