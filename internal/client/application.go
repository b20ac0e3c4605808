package client

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ismaiel54/fix-order-gateway/internal/fix"
	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderSpec describes one NewOrderSingle the client places after logon
type OrderSpec struct {
	ClOrdID     string          `yaml:"cl_ord_id"`
	Symbol      string          `yaml:"symbol"`
	Side        string          `yaml:"side"`
	OrdType     string          `yaml:"ord_type"`
	Price       decimal.Decimal `yaml:"price"`
	Quantity    uint64          `yaml:"qty"`
	TimeInForce string          `yaml:"time_in_force"`
}

// DefaultOrders is the single demo order: buy 100 at 150.00, day
func DefaultOrders() []OrderSpec {
	return []OrderSpec{{
		ClOrdID:     "ORDER_1",
		Symbol:      "COMPANY_SYMBOL",
		Side:        fix.SideBuy,
		OrdType:     fix.OrdTypeLimit,
		Price:       decimal.RequireFromString("150.00"),
		Quantity:    100,
		TimeInForce: fix.TimeInForceDay,
	}}
}

// Message builds the NewOrderSingle for o
func (o OrderSpec) Message(now clock.Clock) *fix.Message {
	m := fix.NewMessage(fix.MsgTypeNewOrderSingle).
		Set(fix.TagClOrdID, o.ClOrdID).
		Set(fix.TagSymbol, o.Symbol).
		Set(fix.TagSide, o.Side).
		Set(fix.TagOrdType, o.OrdType).
		SetUint(fix.TagOrderQty, o.Quantity).
		Set(fix.TagTimeInForce, o.TimeInForce)
	if o.OrdType == fix.OrdTypeLimit {
		m.SetDecimal(fix.TagPrice, o.Price)
	}
	return m.SetTime(fix.TagTransactTime, now.Now())
}

// Application is the initiator side. Each configured order is sent on the
// first logon only; after a reconnect the broker recovers anything missed
// by resend.
type Application struct {
	orders  []OrderSpec
	tracker *Tracker
	clock   clock.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	sent     map[string]bool
	loggedOn chan struct{}
	once     sync.Once
}

func NewApplication(orders []OrderSpec, tracker *Tracker, clk clock.Clock, logger *zap.Logger) *Application {
	return &Application{
		orders:   orders,
		tracker:  tracker,
		clock:    clk,
		logger:   logger,
		sent:     make(map[string]bool),
		loggedOn: make(chan struct{}),
	}
}

// LoggedOn is closed after the first successful logon
func (a *Application) LoggedOn() <-chan struct{} {
	return a.loggedOn
}

// ClOrdIDs lists the configured orders
func (a *Application) ClOrdIDs() []string {
	ids := make([]string, 0, len(a.orders))
	for _, o := range a.orders {
		ids = append(ids, o.ClOrdID)
	}
	return ids
}

func (a *Application) OnLogon(s *session.Session) {
	a.logger.Info("logged on", zap.String("session_id", s.ID()))
	a.once.Do(func() { close(a.loggedOn) })

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, o := range a.orders {
		if a.sent[o.ClOrdID] {
			continue
		}
		if err := s.Send(o.Message(a.clock)); err != nil {
			a.logger.Error("failed to send order", zap.String("cl_ord_id", o.ClOrdID), zap.Error(err))
			continue
		}
		a.sent[o.ClOrdID] = true
		a.logger.Info("sent new order single",
			zap.String("cl_ord_id", o.ClOrdID),
			zap.String("symbol", o.Symbol),
			zap.Uint64("qty", o.Quantity),
		)
	}
}

func (a *Application) OnLogout(s *session.Session) {
	a.logger.Info("logged out", zap.String("session_id", s.ID()))
}

// Cancel asks the broker to cancel an order placed earlier
func (a *Application) Cancel(s *session.Session, clOrdID, origClOrdID string) error {
	for _, o := range a.orders {
		if o.ClOrdID != origClOrdID {
			continue
		}
		return s.Send(fix.NewMessage(fix.MsgTypeOrderCancelRequest).
			Set(fix.TagClOrdID, clOrdID).
			Set(fix.TagOrigClOrdID, origClOrdID).
			Set(fix.TagSymbol, o.Symbol).
			Set(fix.TagSide, o.Side).
			SetTime(fix.TagTransactTime, a.clock.Now()))
	}
	return fmt.Errorf("unknown order %q", origClOrdID)
}

func (a *Application) FromApp(s *session.Session, m *fix.Message) error {
	switch m.MsgType {
	case fix.MsgTypeExecutionReport:
		o := a.tracker.Apply(m)
		execType, _ := m.Get(fix.TagExecType)
		a.logger.Info("execution report",
			zap.String("cl_ord_id", o.ClOrdID),
			zap.String("exec_type", execType),
			zap.String("ord_status", o.OrdStatus),
			zap.String("cum_qty", o.CumQty),
			zap.String("avg_px", o.AvgPx),
			zap.String("exec_id", o.LastExecID),
		)
		return nil

	case fix.MsgTypeOrderCancelReject:
		orig, _ := m.Get(fix.TagOrigClOrdID)
		text, _ := m.Get(fix.TagText)
		a.logger.Warn("cancel rejected", zap.String("orig_cl_ord_id", orig), zap.String("text", text))
		return nil

	case fix.MsgTypeBusinessMessageReject:
		ref, _ := m.Get(fix.TagBusinessRejectRefID)
		text, _ := m.Get(fix.TagText)
		a.logger.Warn("business message reject", zap.String("ref_id", ref), zap.String("text", text))
		return nil
	}

	return &session.BusinessRejectError{
		Reason: fix.BusinessRejectReasonUnsupportedMsgType,
		Text:   fmt.Sprintf("Unsupported message type %s", m.MsgType),
	}
}
