package engine

import (
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownOrder = errors.New("unknown order")
	ErrOrderNotOpen = errors.New("order is not open")
)

// Reject reasons carried in ExecutionEvent.Reason
const (
	ReasonDuplicateClOrdID = "Duplicate ClOrdID"
	ReasonZeroQuantity     = "OrderQty must be positive"
	ReasonMissingPrice     = "Price required for limit order"
)

// rejectedOrderID is reported when a reject created no order
const rejectedOrderID = "NONE"

// EventSink receives execution events in the order they were generated
// per order. It is called with the order's lock held.
type EventSink interface {
	OnExecution(ev ExecutionEvent)
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(ev ExecutionEvent)

func (f SinkFunc) OnExecution(ev ExecutionEvent) { f(ev) }

// Sinks fans an event out to every sink in order
type Sinks []EventSink

func (s Sinks) OnExecution(ev ExecutionEvent) {
	for _, sink := range s {
		sink.OnExecution(ev)
	}
}

// execIDs is shared by every engine in the process
var execIDs atomic.Uint64

func nextExecID() uint64 {
	return execIDs.Add(1)
}

// Option configures an Engine
type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithFillDelay sets the wait between acceptance and each simulated fill
func WithFillDelay(d time.Duration) Option {
	return func(e *Engine) { e.fillDelay = d }
}

// WithFillSlices splits each order into n fills; 1 fills in one step
func WithFillSlices(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fillSlices = uint64(n)
		}
	}
}

// WithMarketPrice prices market order fills; the default fills at zero
func WithMarketPrice(fn func(symbol string) decimal.Decimal) Option {
	return func(e *Engine) { e.marketPrice = fn }
}

// Engine simulates single-sided execution: orders are accepted, then filled
// after a delay. It owns no state beyond the injected Book.
type Engine struct {
	book        *Book
	sink        EventSink
	clock       clock.Clock
	logger      *zap.Logger
	fillDelay   time.Duration
	fillSlices  uint64
	marketPrice func(symbol string) decimal.Decimal
}

func New(book *Book, sink EventSink, opts ...Option) *Engine {
	e := &Engine{
		book:       book,
		sink:       sink,
		clock:      clock.New(),
		logger:     zap.NewNop(),
		fillDelay:  time.Second,
		fillSlices: 1,
		marketPrice: func(string) decimal.Decimal {
			return decimal.Zero
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Book returns the injected order book
func (e *Engine) Book() *Book {
	return e.book
}

// Submit validates and accepts an order. The returned event (New or
// Rejected) has already been handed to the sink.
func (e *Engine) Submit(req NewOrder) ExecutionEvent {
	now := e.clock.Now()

	order := Order{
		SessionID:   req.SessionID,
		ClOrdID:     req.ClOrdID,
		OrderID:     rejectedOrderID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Status:      StatusRejected,
		CreatedAt:   now,
	}

	if reason := validateNewOrder(req); reason != "" {
		return e.reject(order, reason)
	}

	order.OrderID = uuid.NewString()
	order.Status = StatusNew
	ent, ok := e.book.insert(order)
	if !ok {
		order.OrderID = rejectedOrderID
		order.Status = StatusRejected
		return e.reject(order, ReasonDuplicateClOrdID)
	}
	defer ent.mu.Unlock()

	ev := e.emit(ent, ExecutionEvent{ExecType: ExecTypeNew})
	e.logger.Info("order accepted",
		zap.String("session_id", order.SessionID),
		zap.String("cl_ord_id", order.ClOrdID),
		zap.String("order_id", order.OrderID),
		zap.Uint64("exec_id", ev.ExecID),
	)
	e.scheduleFill(ent)
	return ev
}

// Cancel cancels an open order. Unknown or closed orders return
// ErrUnknownOrder or ErrOrderNotOpen and emit nothing.
func (e *Engine) Cancel(req CancelRequest) (ExecutionEvent, error) {
	ent, ok := e.book.lookup(req.SessionID, req.OrigClOrdID)
	if !ok {
		return ExecutionEvent{}, ErrUnknownOrder
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if !ent.order.Status.Open() {
		return ExecutionEvent{}, ErrOrderNotOpen
	}
	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}
	ent.order.Status = StatusCanceled

	ev := e.emit(ent, ExecutionEvent{
		ExecType:    ExecTypeCanceled,
		ClOrdID:     req.ClOrdID,
		OrigClOrdID: req.OrigClOrdID,
	})
	e.logger.Info("order canceled",
		zap.String("session_id", req.SessionID),
		zap.String("cl_ord_id", req.OrigClOrdID),
		zap.Uint64("exec_id", ev.ExecID),
	)
	return ev, nil
}

func validateNewOrder(req NewOrder) string {
	if req.Quantity == 0 {
		return ReasonZeroQuantity
	}
	if req.Type == OrderTypeLimit && !req.Price.Valid {
		return ReasonMissingPrice
	}
	return ""
}

func (e *Engine) reject(order Order, reason string) ExecutionEvent {
	ev := ExecutionEvent{
		ExecID:    nextExecID(),
		SessionID: order.SessionID,
		ClOrdID:   order.ClOrdID,
		OrderID:   order.OrderID,
		ExecType:  ExecTypeRejected,
		Status:    StatusRejected,
		Order:     order,
		Reason:    reason,
		Timestamp: order.CreatedAt,
	}
	e.logger.Info("order rejected",
		zap.String("session_id", order.SessionID),
		zap.String("cl_ord_id", order.ClOrdID),
		zap.String("reason", reason),
	)
	e.sink.OnExecution(ev)
	return ev
}

// emit fills in the common fields from the entry and sends the event.
// Callers hold ent.mu.
func (e *Engine) emit(ent *entry, ev ExecutionEvent) ExecutionEvent {
	o := ent.order
	ev.ExecID = nextExecID()
	ev.SessionID = o.SessionID
	if ev.ClOrdID == "" {
		ev.ClOrdID = o.ClOrdID
	}
	ev.OrderID = o.OrderID
	ev.Status = o.Status
	ev.Order = o
	ev.Timestamp = e.clock.Now()
	e.sink.OnExecution(ev)
	return ev
}

// scheduleFill arms the next fill step. Callers hold ent.mu.
func (e *Engine) scheduleFill(ent *entry) {
	ent.timer = e.clock.AfterFunc(e.fillDelay, func() {
		e.fill(ent)
	})
}

func (e *Engine) fill(ent *entry) {
	ent.mu.Lock()
	defer ent.mu.Unlock()

	o := &ent.order
	if !o.Status.Open() {
		return
	}

	leaves := o.Quantity - o.FilledQuantity
	qty := sliceQty(o.Quantity, e.fillSlices)
	if qty > leaves {
		qty = leaves
	}
	px := e.marketPrice(o.Symbol)
	if o.Price.Valid {
		px = o.Price.Decimal
	}

	prevFilled := QtyDecimal(o.FilledQuantity)
	o.FilledQuantity += qty
	o.AvgPx = o.AvgPx.Mul(prevFilled).
		Add(px.Mul(QtyDecimal(qty))).
		Div(QtyDecimal(o.FilledQuantity))
	if o.FilledQuantity == o.Quantity {
		o.Status = StatusFilled
		ent.timer = nil
	} else {
		o.Status = StatusPartiallyFilled
		e.scheduleFill(ent)
	}

	ev := e.emit(ent, ExecutionEvent{ExecType: ExecTypeTrade, FillQty: qty, FillPrice: px})
	e.logger.Info("order filled",
		zap.String("session_id", o.SessionID),
		zap.String("cl_ord_id", o.ClOrdID),
		zap.Uint64("fill_qty", qty),
		zap.String("status", o.Status.String()),
		zap.Uint64("exec_id", ev.ExecID),
	)
}

// sliceQty is ceil(q/slices) without overflowing near MaxUint64
func sliceQty(q, slices uint64) uint64 {
	n := q / slices
	if q%slices != 0 {
		n++
	}
	return n
}

// QtyDecimal converts a quantity over its full uint64 range
func QtyDecimal(q uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(q), 0)
}
