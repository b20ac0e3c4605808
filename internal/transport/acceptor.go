package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"go.uber.org/zap"
)

// Wrapper decorates each connection before the session sees it
type Wrapper func(session.Transport) session.Transport

// Acceptor serves one acceptor session on its own listener. A second
// connection while one is attached is closed immediately.
type Acceptor struct {
	session *session.Session
	logger  *zap.Logger
	wrap    Wrapper
}

func NewAcceptor(s *session.Session, wrap Wrapper, logger *zap.Logger) *Acceptor {
	return &Acceptor{session: s, wrap: wrap, logger: logger.With(zap.String("session_id", s.ID()))}
}

// ListenAndServe binds addr and serves until ctx is done
func (a *Acceptor) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done, then waits for live connections
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	a.logger.Info("acceptor listening", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.handle(ctx, conn)
		}()
	}
}

func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	a.logger.Info("connection accepted", zap.String("remote_addr", remote))

	var t session.Transport = conn
	if a.wrap != nil {
		t = a.wrap(conn)
	}

	err := a.session.Run(ctx, t)
	switch {
	case err == nil:
		a.logger.Info("connection closed after logout", zap.String("remote_addr", remote))
	case errors.Is(err, session.ErrAlreadyRunning):
		a.logger.Warn("refused second connection", zap.String("remote_addr", remote))
	case ctx.Err() != nil:
	default:
		a.logger.Warn("connection ended", zap.String("remote_addr", remote), zap.Error(err))
	}
}
