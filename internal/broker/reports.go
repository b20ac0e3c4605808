package broker

import (
	"errors"
	"strconv"

	"github.com/ismaiel54/fix-order-gateway/internal/engine"
	"github.com/ismaiel54/fix-order-gateway/internal/fix"
)

// ExecutionReport renders an engine event as a 35=8 message
func ExecutionReport(ev engine.ExecutionEvent) *fix.Message {
	o := ev.Order
	m := fix.NewMessage(fix.MsgTypeExecutionReport).
		Set(fix.TagOrderID, ev.OrderID).
		Set(fix.TagClOrdID, ev.ClOrdID)
	if ev.OrigClOrdID != "" {
		m.Set(fix.TagOrigClOrdID, ev.OrigClOrdID)
	}
	m.Set(fix.TagExecID, strconv.FormatUint(ev.ExecID, 10)).
		Set(fix.TagExecType, execTypeValue(ev.ExecType)).
		Set(fix.TagOrdStatus, ordStatusValue(ev.Status)).
		Set(fix.TagSymbol, o.Symbol).
		Set(fix.TagSide, sideValue(o.Side)).
		Set(fix.TagOrdType, ordTypeValue(o.Type)).
		SetUint(fix.TagOrderQty, o.Quantity)
	if o.Price.Valid {
		m.SetDecimal(fix.TagPrice, o.Price.Decimal)
	}
	if ev.ExecType == engine.ExecTypeTrade {
		m.SetUint(fix.TagLastQty, ev.FillQty).
			SetDecimal(fix.TagLastPx, ev.FillPrice)
	}
	m.SetUint(fix.TagLeavesQty, o.LeavesQty()).
		SetUint(fix.TagCumQty, o.FilledQuantity).
		SetDecimal(fix.TagAvgPx, o.AvgPx).
		SetTime(fix.TagTransactTime, ev.Timestamp)
	if ev.ExecType == engine.ExecTypeRejected {
		reason := fix.OrdRejReasonOther
		if ev.Reason == engine.ReasonDuplicateClOrdID {
			reason = fix.OrdRejReasonDuplicateOrder
		}
		m.Set(fix.TagOrdRejReason, reason).Set(fix.TagText, ev.Reason)
	}
	return m
}

// CancelReject answers an OrderCancelRequest the engine refused. order is
// the current book entry, if there is one.
func CancelReject(req engine.CancelRequest, order engine.Order, found bool, cause error) *fix.Message {
	orderID := "NONE"
	status := fix.OrdStatusRejected
	if found {
		orderID = order.OrderID
		status = ordStatusValue(order.Status)
	}

	reason := fix.CxlRejReasonUnknownOrder
	if errors.Is(cause, engine.ErrOrderNotOpen) {
		reason = fix.CxlRejReasonTooLateToCancel
	}

	return fix.NewMessage(fix.MsgTypeOrderCancelReject).
		Set(fix.TagOrderID, orderID).
		Set(fix.TagClOrdID, req.ClOrdID).
		Set(fix.TagOrigClOrdID, req.OrigClOrdID).
		Set(fix.TagOrdStatus, status).
		Set(fix.TagCxlRejResponseTo, fix.CxlRejResponseToCancelRequest).
		Set(fix.TagCxlRejReason, reason).
		Set(fix.TagText, cause.Error())
}
