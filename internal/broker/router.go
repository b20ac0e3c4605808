package broker

import (
	"github.com/ismaiel54/fix-order-gateway/internal/engine"
	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"go.uber.org/zap"
)

// Router sends each execution event back to the session that placed the
// order. It runs under the order's lock, so reports for one order leave
// in the order they were generated.
type Router struct {
	registry *session.Registry
	logger   *zap.Logger
}

func NewRouter(registry *session.Registry, logger *zap.Logger) *Router {
	return &Router{registry: registry, logger: logger}
}

func (r *Router) OnExecution(ev engine.ExecutionEvent) {
	s, ok := r.registry.Get(ev.SessionID)
	if !ok {
		r.logger.Warn("execution for unknown session",
			zap.String("session_id", ev.SessionID),
			zap.String("cl_ord_id", ev.ClOrdID),
			zap.Uint64("exec_id", ev.ExecID),
		)
		return
	}
	if err := s.Send(ExecutionReport(ev)); err != nil {
		r.logger.Error("failed to send execution report",
			zap.String("session_id", ev.SessionID),
			zap.String("cl_ord_id", ev.ClOrdID),
			zap.Uint64("exec_id", ev.ExecID),
			zap.Error(err),
		)
	}
}
