package client

import (
	"sort"
	"sync"

	"github.com/ismaiel54/fix-order-gateway/internal/fix"
)

// OrderState is the client's view of one order, rebuilt from execution reports
type OrderState struct {
	ClOrdID    string `json:"cl_ord_id"`
	OrderID    string `json:"order_id"`
	Symbol     string `json:"symbol"`
	OrdStatus  string `json:"ord_status"`
	CumQty     string `json:"cum_qty"`
	LeavesQty  string `json:"leaves_qty"`
	AvgPx      string `json:"avg_px"`
	LastExecID string `json:"last_exec_id"`
	Text       string `json:"text,omitempty"`
	Reports    int    `json:"reports"`
}

// Terminal reports whether no further execution reports are expected
func (o OrderState) Terminal() bool {
	switch o.OrdStatus {
	case fix.OrdStatusFilled, fix.OrdStatusCanceled, fix.OrdStatusRejected:
		return true
	}
	return false
}

// Tracker holds the latest state per ClOrdID
type Tracker struct {
	mu     sync.RWMutex
	orders map[string]*OrderState
}

func NewTracker() *Tracker {
	return &Tracker{orders: make(map[string]*OrderState)}
}

// Apply folds an execution report into the tracked order. Cancel reports
// update the original order, not the cancel request's ClOrdID.
func (t *Tracker) Apply(er *fix.Message) OrderState {
	key, _ := er.Get(fix.TagClOrdID)
	if orig, ok := er.Get(fix.TagOrigClOrdID); ok && orig != "" {
		key = orig
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[key]
	if !ok {
		o = &OrderState{ClOrdID: key}
		t.orders[key] = o
	}
	o.OrderID, _ = er.Get(fix.TagOrderID)
	o.Symbol, _ = er.Get(fix.TagSymbol)
	o.OrdStatus, _ = er.Get(fix.TagOrdStatus)
	o.CumQty, _ = er.Get(fix.TagCumQty)
	o.LeavesQty, _ = er.Get(fix.TagLeavesQty)
	o.AvgPx, _ = er.Get(fix.TagAvgPx)
	o.LastExecID, _ = er.Get(fix.TagExecID)
	o.Text, _ = er.Get(fix.TagText)
	o.Reports++
	return *o
}

func (t *Tracker) Get(clOrdID string) (OrderState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[clOrdID]
	if !ok {
		return OrderState{}, false
	}
	return *o, true
}

// Orders returns every tracked order sorted by ClOrdID
func (t *Tracker) Orders() []OrderState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]OrderState, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClOrdID < out[j].ClOrdID })
	return out
}

// AllTerminal reports whether each of ids has reached a terminal status
func (t *Tracker) AllTerminal(ids []string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range ids {
		o, ok := t.orders[id]
		if !ok || !o.Terminal() {
			return false
		}
	}
	return true
}
