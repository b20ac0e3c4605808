package dropcopy

import (
	"fmt"
	"sort"

	"github.com/ismaiel54/fix-order-gateway/internal/msg"
)

// Violation is one broken ordering rule found in the drop copy stream
type Violation struct {
	Key     string
	EventID string
	ExecID  uint64
	Problem string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s exec_id=%d event_id=%s: %s", v.Key, v.ExecID, v.EventID, v.Problem)
}

type orderTrail struct {
	accepted   bool
	closed     bool
	lastExecID uint64
	filled     uint64
	qty        uint64
}

// Audit replays drop copy messages and checks per-order ordering: one New
// before any fill or cancel, increasing ExecIDs, no fills past the order
// quantity and nothing after a terminal report. Redelivered events
// (same EventID) are counted and skipped.
type Audit struct {
	seen       map[string]bool
	orders     map[string]*orderTrail
	violations []Violation

	Events      int
	Redelivered int
	Rejected    int
}

func NewAudit() *Audit {
	return &Audit{
		seen:   make(map[string]bool),
		orders: make(map[string]*orderTrail),
	}
}

func (a *Audit) Observe(m msg.ExecutionEventMsg) {
	if a.seen[m.EventID] {
		a.Redelivered++
		return
	}
	a.seen[m.EventID] = true
	a.Events++

	// Rejects create no order; a duplicate ClOrdID reject even shares the
	// key of a live one
	if m.ExecType == "REJECTED" {
		a.Rejected++
		return
	}

	key := m.Key()
	o, ok := a.orders[key]
	if !ok {
		o = &orderTrail{}
		a.orders[key] = o
	}
	fail := func(problem string) {
		a.violations = append(a.violations, Violation{Key: key, EventID: m.EventID, ExecID: m.ExecID, Problem: problem})
	}

	if m.ExecID <= o.lastExecID {
		fail(fmt.Sprintf("exec id not increasing after %d", o.lastExecID))
	}
	o.lastExecID = m.ExecID

	switch m.ExecType {
	case "NEW":
		if o.accepted {
			fail("second New")
		}
		o.accepted = true
		o.qty = m.Quantity
	case "TRADE":
		switch {
		case !o.accepted:
			fail("fill before New")
		case o.closed:
			fail("fill after terminal report")
		case m.FilledQuantity > o.qty:
			fail(fmt.Sprintf("filled %d of %d", m.FilledQuantity, o.qty))
		case m.FilledQuantity < o.filled:
			fail(fmt.Sprintf("filled quantity went back from %d to %d", o.filled, m.FilledQuantity))
		}
		o.filled = m.FilledQuantity
		if m.Status == "FILLED" {
			o.closed = true
		}
	case "CANCELED":
		switch {
		case !o.accepted:
			fail("cancel before New")
		case o.closed:
			fail("cancel after terminal report")
		}
		o.closed = true
	default:
		fail(fmt.Sprintf("unknown exec type %q", m.ExecType))
	}
}

// Orders is the number of distinct orders seen
func (a *Audit) Orders() int {
	return len(a.orders)
}

// Open lists orders with no terminal report yet, sorted
func (a *Audit) Open() []string {
	var keys []string
	for k, o := range a.orders {
		if !o.closed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (a *Audit) Violations() []Violation {
	return a.violations
}
