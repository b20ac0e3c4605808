package broker

import (
	"fmt"
	"math"

	"github.com/ismaiel54/fix-order-gateway/internal/engine"
	"github.com/ismaiel54/fix-order-gateway/internal/fix"
	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"github.com/shopspring/decimal"
)

func parseSide(v string) (engine.Side, bool) {
	switch v {
	case fix.SideBuy:
		return engine.SideBuy, true
	case fix.SideSell:
		return engine.SideSell, true
	}
	return 0, false
}

func sideValue(s engine.Side) string {
	if s == engine.SideSell {
		return fix.SideSell
	}
	return fix.SideBuy
}

func parseOrdType(v string) (engine.OrderType, bool) {
	switch v {
	case fix.OrdTypeMarket:
		return engine.OrderTypeMarket, true
	case fix.OrdTypeLimit:
		return engine.OrderTypeLimit, true
	}
	return 0, false
}

func ordTypeValue(t engine.OrderType) string {
	if t == engine.OrderTypeMarket {
		return fix.OrdTypeMarket
	}
	return fix.OrdTypeLimit
}

func validTimeInForce(v string) bool {
	switch v {
	case fix.TimeInForceDay, fix.TimeInForceGTC, fix.TimeInForceIOC, fix.TimeInForceFOK:
		return true
	}
	return false
}

func ordStatusValue(s engine.Status) string {
	switch s {
	case engine.StatusNew:
		return fix.OrdStatusNew
	case engine.StatusPartiallyFilled:
		return fix.OrdStatusPartiallyFilled
	case engine.StatusFilled:
		return fix.OrdStatusFilled
	case engine.StatusCanceled:
		return fix.OrdStatusCanceled
	}
	return fix.OrdStatusRejected
}

func execTypeValue(t engine.ExecType) string {
	switch t {
	case engine.ExecTypeNew:
		return fix.ExecTypeNew
	case engine.ExecTypeTrade:
		return fix.ExecTypeTrade
	case engine.ExecTypeCanceled:
		return fix.ExecTypeCanceled
	}
	return fix.ExecTypeRejected
}

func invalidField(tag fix.Tag, clOrdID, value string) *session.BusinessRejectError {
	return &session.BusinessRejectError{
		Reason: fix.BusinessRejectReasonOther,
		RefID:  clOrdID,
		Text:   fmt.Sprintf("Incorrect value for tag %d: %q", tag, value),
	}
}

// parseNewOrder maps a NewOrderSingle onto an engine request. Required
// tags were checked by the session; this checks their values. A zero
// quantity or a limit order without a price is left to the engine.
// maxOrderQty is the largest OrderQty the engine can carry
var maxOrderQty = engine.QtyDecimal(math.MaxUint64)

func parseNewOrder(sessionID string, m *fix.Message) (engine.NewOrder, error) {
	clOrdID, _ := m.Get(fix.TagClOrdID)
	req := engine.NewOrder{SessionID: sessionID, ClOrdID: clOrdID}
	req.Symbol, _ = m.Get(fix.TagSymbol)

	v, _ := m.Get(fix.TagSide)
	side, ok := parseSide(v)
	if !ok {
		return req, invalidField(fix.TagSide, clOrdID, v)
	}
	req.Side = side

	v, _ = m.Get(fix.TagOrdType)
	typ, ok := parseOrdType(v)
	if !ok {
		return req, invalidField(fix.TagOrdType, clOrdID, v)
	}
	req.Type = typ

	v, _ = m.Get(fix.TagTimeInForce)
	if !validTimeInForce(v) {
		return req, invalidField(fix.TagTimeInForce, clOrdID, v)
	}
	req.TimeInForce = v

	qty, err := m.GetDecimal(fix.TagOrderQty)
	if err != nil || qty.IsNegative() || !qty.Equal(qty.Truncate(0)) || qty.GreaterThan(maxOrderQty) {
		v, _ = m.Get(fix.TagOrderQty)
		return req, invalidField(fix.TagOrderQty, clOrdID, v)
	}
	req.Quantity = qty.BigInt().Uint64()

	if m.Has(fix.TagPrice) {
		px, err := m.GetDecimal(fix.TagPrice)
		if err != nil || !px.IsPositive() {
			v, _ = m.Get(fix.TagPrice)
			return req, invalidField(fix.TagPrice, clOrdID, v)
		}
		req.Price = decimal.NewNullDecimal(px)
	}
	return req, nil
}

func parseCancel(sessionID string, m *fix.Message) (engine.CancelRequest, error) {
	req := engine.CancelRequest{SessionID: sessionID}
	req.ClOrdID, _ = m.Get(fix.TagClOrdID)
	req.OrigClOrdID, _ = m.Get(fix.TagOrigClOrdID)
	req.Symbol, _ = m.Get(fix.TagSymbol)

	v, _ := m.Get(fix.TagSide)
	side, ok := parseSide(v)
	if !ok {
		return req, invalidField(fix.TagSide, req.ClOrdID, v)
	}
	req.Side = side
	return req, nil
}
