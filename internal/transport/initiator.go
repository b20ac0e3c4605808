package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"go.uber.org/zap"
)

// Initiator dials the acceptor and runs the session, reconnecting with
// backoff after transport failures. Sequence numbers carry over because
// the session outlives each connection.
type Initiator struct {
	addr        string
	session     *session.Session
	backoff     Backoff
	dialTimeout time.Duration
	wrap        Wrapper
	logger      *zap.Logger
}

func NewInitiator(addr string, s *session.Session, backoff Backoff, wrap Wrapper, logger *zap.Logger) *Initiator {
	return &Initiator{
		addr:        addr,
		session:     s,
		backoff:     backoff,
		dialTimeout: 5 * time.Second,
		wrap:        wrap,
		logger:      logger.With(zap.String("session_id", s.ID())),
	}
}

// Run returns nil after a clean logout, the handshake error if the
// acceptor refused the logon, or ctx.Err().
func (i *Initiator) Run(ctx context.Context) error {
	dialer := net.Dialer{Timeout: i.dialTimeout}
	retry := 0

	for {
		conn, err := dialer.DialContext(ctx, "tcp", i.addr)
		if err == nil {
			retry = 0
			i.logger.Info("connected", zap.String("addr", i.addr))

			var t session.Transport = conn
			if i.wrap != nil {
				t = i.wrap(conn)
			}
			err = i.session.Run(ctx, t)
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case err == nil:
				return nil
			case errors.Is(err, session.ErrHandshake):
				return fmt.Errorf("logon refused by %s: %w", i.addr, err)
			}
			i.logger.Warn("session dropped", zap.Error(err))
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := i.backoff.Delay(retry)
		retry++
		i.logger.Info("reconnecting",
			zap.String("addr", i.addr),
			zap.Int("retry", retry),
			zap.Duration("delay", delay),
			zap.NamedError("last_error", err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
