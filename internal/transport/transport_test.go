package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ismaiel54/fix-order-gateway/internal/fix"
	"github.com/ismaiel54/fix-order-gateway/internal/session"
	"github.com/ismaiel54/fix-order-gateway/internal/store"
)

type nopApp struct{}

func (nopApp) OnLogon(*session.Session)                     {}
func (nopApp) OnLogout(*session.Session)                    {}
func (nopApp) FromApp(*session.Session, *fix.Message) error { return nil }

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{64, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.retry), "retry %d", tt.retry)
	}
}

func newAcceptorSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(session.Settings{
		Role:         session.RoleAcceptor,
		SenderCompID: "BROKER",
		TargetCompID: "CLIENT",
		HeartBtInt:   30 * time.Second,
	}, store.NewMemoryFactory(), nopApp{}, session.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return s
}

func clientLogon(t *testing.T) []byte {
	t.Helper()
	m := fix.NewMessage(fix.MsgTypeLogon).
		Set(fix.TagEncryptMethod, "0").
		Set(fix.TagHeartBtInt, "30")
	m.Header = fix.Header{
		SenderCompID: "CLIENT",
		TargetCompID: "BROKER",
		MsgSeqNum:    1,
		SendingTime:  time.Now().UTC(),
	}
	raw, err := fix.Encode(m)
	require.NoError(t, err)
	return raw
}

func TestAcceptor_LogonOverTCPAndRefusesSecondConnection(t *testing.T) {
	s := newAcceptorSession(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewAcceptor(s, nil, zaptest.NewLogger(t)).Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(clientLogon(t))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	raw, err := fix.NewFrameReader(conn).ReadFrame()
	require.NoError(t, err)
	reply, err := fix.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, fix.MsgTypeLogon, reply.MsgType)
	assert.Equal(t, "BROKER", reply.Header.SenderCompID)
	require.Eventually(t, func() bool { return s.State() == session.StateActive }, time.Second, 5*time.Millisecond)

	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "second connection is closed by the acceptor")
	assert.Equal(t, session.StateActive, s.State(), "first connection unaffected")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor did not stop")
	}
	assert.Equal(t, session.StateDisconnected, s.State())
}

func TestInitiator_RetriesUntilCanceled(t *testing.T) {
	// reserve a port and release it so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s, err := session.New(session.Settings{
		Role:         session.RoleInitiator,
		SenderCompID: "CLIENT",
		TargetCompID: "BROKER",
		HeartBtInt:   30 * time.Second,
	}, store.NewMemoryFactory(), nopApp{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = NewInitiator(addr, s, Backoff{Base: 10 * time.Millisecond, Max: 20 * time.Millisecond}, nil, zaptest.NewLogger(t)).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
