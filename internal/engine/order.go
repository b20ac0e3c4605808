package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side int

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	}
	return fmt.Sprintf("side(%d)", int(s))
}

type OrderType int

const (
	OrderTypeMarket OrderType = iota + 1
	OrderTypeLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	}
	return fmt.Sprintf("order_type(%d)", int(t))
}

// Status is the order status; it follows from FilledQuantity vs Quantity
// plus explicit cancel and reject events.
type Status int

const (
	StatusNew Status = iota + 1
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusRejected:
		return "REJECTED"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Open reports whether the order can still fill or be canceled
func (s Status) Open() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

type ExecType int

const (
	ExecTypeNew ExecType = iota + 1
	ExecTypeTrade
	ExecTypeCanceled
	ExecTypeRejected
)

func (t ExecType) String() string {
	switch t {
	case ExecTypeNew:
		return "NEW"
	case ExecTypeTrade:
		return "TRADE"
	case ExecTypeCanceled:
		return "CANCELED"
	case ExecTypeRejected:
		return "REJECTED"
	}
	return fmt.Sprintf("exec_type(%d)", int(t))
}

// Order is one order in the book, keyed by (SessionID, ClOrdID)
type Order struct {
	SessionID      string
	ClOrdID        string
	OrderID        string
	Symbol         string
	Side           Side
	Type           OrderType
	TimeInForce    string
	Price          decimal.NullDecimal
	Quantity       uint64
	FilledQuantity uint64
	AvgPx          decimal.Decimal
	Status         Status
	CreatedAt      time.Time
}

// LeavesQty is the quantity still working; zero once the order is closed
func (o Order) LeavesQty() uint64 {
	if !o.Status.Open() {
		return 0
	}
	return o.Quantity - o.FilledQuantity
}

// NewOrder is a validated new-order request
type NewOrder struct {
	SessionID   string
	ClOrdID     string
	Symbol      string
	Side        Side
	Type        OrderType
	TimeInForce string
	Price       decimal.NullDecimal
	Quantity    uint64
}

// CancelRequest asks to cancel the order named by OrigClOrdID
type CancelRequest struct {
	SessionID   string
	ClOrdID     string
	OrigClOrdID string
	Symbol      string
	Side        Side
}

// ExecutionEvent reports one change of an order. Order is a snapshot taken
// right after the change.
type ExecutionEvent struct {
	ExecID      uint64
	SessionID   string
	ClOrdID     string
	OrigClOrdID string
	OrderID     string
	ExecType    ExecType
	Status      Status
	FillQty     uint64
	FillPrice   decimal.Decimal
	Order       Order
	Reason      string
	Timestamp   time.Time
}
