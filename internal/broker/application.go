package broker

import (
	"fmt"

	"github.com/ismaiel54/fix-order-gateway/internal/engine"
	"github.com/ismaiel54/fix-order-gateway/internal/fix"
	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"go.uber.org/zap"
)

// Application is the acceptor side: it turns order requests into engine
// calls. Execution reports travel back through the Router.
type Application struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewApplication(e *engine.Engine, logger *zap.Logger) *Application {
	return &Application{engine: e, logger: logger}
}

func (a *Application) OnLogon(s *session.Session) {
	a.logger.Info("client logged on", zap.String("session_id", s.ID()))
}

func (a *Application) OnLogout(s *session.Session) {
	a.logger.Info("client logged out", zap.String("session_id", s.ID()))
}

func (a *Application) FromApp(s *session.Session, m *fix.Message) error {
	switch m.MsgType {
	case fix.MsgTypeNewOrderSingle:
		req, err := parseNewOrder(s.ID(), m)
		if err != nil {
			return err
		}
		a.engine.Submit(req)
		return nil

	case fix.MsgTypeOrderCancelRequest:
		req, err := parseCancel(s.ID(), m)
		if err != nil {
			return err
		}
		if _, err := a.engine.Cancel(req); err != nil {
			order, found := a.engine.Book().Get(req.SessionID, req.OrigClOrdID)
			a.logger.Info("cancel rejected",
				zap.String("session_id", req.SessionID),
				zap.String("orig_cl_ord_id", req.OrigClOrdID),
				zap.Error(err),
			)
			return s.Send(CancelReject(req, order, found, err))
		}
		return nil
	}

	clOrdID, _ := m.Get(fix.TagClOrdID)
	return &session.BusinessRejectError{
		Reason: fix.BusinessRejectReasonUnsupportedMsgType,
		RefID:  clOrdID,
		Text:   fmt.Sprintf("Unsupported message type %s", m.MsgType),
	}
}
