package msg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, SplitBrokers(""))
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFKA_CLIENT_ID", "gw-test")

	cfg := LoadConfig()
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers)
	assert.Equal(t, "gw-test", cfg.ClientID)
}

func TestExecutionEventMsg_JSON(t *testing.T) {
	m := ExecutionEventMsg{
		ExecID:    7,
		SessionID: "BROKER->CLIENT",
		ClOrdID:   "ORDER_1",
		OrderID:   "o-1",
		ExecType:  "TRADE",
		Status:    "FILLED",
		FillQty:   100,
		FillPrice: "150",
		AvgPx:     "150",
	}
	assert.Equal(t, "BROKER->CLIENT|ORDER_1", m.Key())

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "ORDER_1", fields["cl_ord_id"])
	assert.Equal(t, "150", fields["fill_price"])
	assert.NotContains(t, fields, "orig_cl_ord_id")
	assert.NotContains(t, fields, "reason")

	cancel := m
	cancel.ClOrdID = "CXL_1"
	cancel.OrigClOrdID = "ORDER_1"
	assert.Equal(t, m.Key(), cancel.Key(), "a cancel shares its order's partition")
}

func TestHandleWithRetry(t *testing.T) {
	c := &Consumer{logger: zaptest.NewLogger(t), retries: 3, backoff: time.Millisecond}
	boom := errors.New("boom")

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := c.handleWithRetry(context.Background(), Record{Key: "k"}, func(context.Context, Record) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := c.handleWithRetry(context.Background(), Record{Key: "k"}, func(context.Context, Record) error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := c.handleWithRetry(ctx, Record{}, func(context.Context, Record) error { return boom })
		require.ErrorIs(t, err, context.Canceled)
	})
}
