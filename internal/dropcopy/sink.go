package dropcopy

import (
	"context"

	"github.com/google/uuid"
	"github.com/ismaiel54/fix-order-gateway/internal/engine"
	"github.com/ismaiel54/fix-order-gateway/internal/msg"
	"go.uber.org/zap"
)

// Sink writes engine events into the outbox. Failures are logged; the
// FIX path never waits on the drop copy.
type Sink struct {
	outbox *Outbox
	logger *zap.Logger
}

func NewSink(outbox *Outbox, logger *zap.Logger) *Sink {
	return &Sink{outbox: outbox, logger: logger}
}

func (s *Sink) OnExecution(ev engine.ExecutionEvent) {
	m := ToMsg(ev, uuid.NewString())
	if _, err := s.outbox.Append(context.Background(), m); err != nil {
		s.logger.Error("failed to append drop copy",
			zap.String("session_id", ev.SessionID),
			zap.String("cl_ord_id", ev.ClOrdID),
			zap.Uint64("exec_id", ev.ExecID),
			zap.Error(err),
		)
	}
}

// ToMsg flattens an execution event into its drop copy form
func ToMsg(ev engine.ExecutionEvent, eventID string) msg.ExecutionEventMsg {
	m := msg.ExecutionEventMsg{
		EventID:        eventID,
		ExecID:         ev.ExecID,
		SessionID:      ev.SessionID,
		ClOrdID:        ev.ClOrdID,
		OrigClOrdID:    ev.OrigClOrdID,
		OrderID:        ev.OrderID,
		Symbol:         ev.Order.Symbol,
		Side:           ev.Order.Side.String(),
		ExecType:       ev.ExecType.String(),
		Status:         ev.Status.String(),
		Quantity:       ev.Order.Quantity,
		FilledQuantity: ev.Order.FilledQuantity,
		FillQty:        ev.FillQty,
		AvgPx:          ev.Order.AvgPx.String(),
		Reason:         ev.Reason,
		TsUnixMillis:   ev.Timestamp.UnixMilli(),
	}
	if ev.ExecType == engine.ExecTypeTrade {
		m.FillPrice = ev.FillPrice.String()
	}
	return m
}
