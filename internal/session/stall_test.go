package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ismaiel54/fix-order-gateway/internal/fix"
	"github.com/ismaiel54/fix-order-gateway/internal/store"
)

// stallingTransport lets the first allow writes through, then blocks every
// later write until Close, like a peer that stopped reading
type stallingTransport struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	allow   int
	closed  chan struct{}
	once    sync.Once
	blocked chan struct{}
}

func newStallingTransport(allow int) *stallingTransport {
	r, w := io.Pipe()
	return &stallingTransport{
		r:       r,
		w:       w,
		allow:   allow,
		closed:  make(chan struct{}),
		blocked: make(chan struct{}, 1),
	}
}

func (s *stallingTransport) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *stallingTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.allow > 0 {
		s.allow--
		s.mu.Unlock()
		return len(p), nil
	}
	s.mu.Unlock()

	select {
	case s.blocked <- struct{}{}:
	default:
	}
	<-s.closed
	return 0, errors.New("use of closed connection")
}

func (s *stallingTransport) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.w.Close()
		s.r.Close()
	})
	return nil
}

// feed delivers a peer frame to the session's read loop
func (s *stallingTransport) feed(t *testing.T, m *fix.Message) {
	t.Helper()
	raw, err := fix.Encode(m)
	require.NoError(t, err)
	go s.w.Write(raw)
}

type stalledSession struct {
	s      *Session
	tr     *stallingTransport
	clk    *clock.Mock
	cancel context.CancelFunc
	runErr chan error
}

// startStalled runs an acceptor to Active over a transport that stalls every
// write after the Logon reply
func startStalled(t *testing.T) *stalledSession {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(t0)
	settings := Settings{
		Role:         RoleAcceptor,
		SenderCompID: ourID,
		TargetCompID: peerID,
		HeartBtInt:   30 * time.Second,
	}
	s, err := New(settings, store.NewMemoryFactory(), &recordingApp{}, WithClock(clk), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	tr := newStallingTransport(1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, tr) }()

	tr.feed(t, peerMsg(fix.MsgTypeLogon, 1, field(fix.TagEncryptMethod, "0"), field(fix.TagHeartBtInt, "30")))
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, 5*time.Millisecond)

	go s.Send(executionReport("A1", "E1"))
	select {
	case <-tr.blocked:
	case <-time.After(time.Second):
		t.Fatal("write never reached the transport")
	}
	return &stalledSession{s: s, tr: tr, clk: clk, cancel: cancel, runErr: runErr}
}

func (st *stalledSession) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-st.runErr:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestTick_AbortsWriteBlockedPastDeadline(t *testing.T) {
	st := startStalled(t)

	ticked := make(chan struct{})
	go func() {
		st.s.Tick(st.clk.Now().Add(time.Minute))
		close(ticked)
	}()
	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("Tick stayed blocked behind the stalled write")
	}

	err := st.wait(t)
	var terr *TransportError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, "write", terr.Op)
	assert.Equal(t, StateDisconnected, st.s.State())
}

func TestTick_LeavesWriteWithinDeadline(t *testing.T) {
	st := startStalled(t)

	st.s.abortStuckWrite(st.clk.Now().Add(10 * time.Second))
	select {
	case <-st.tr.closed:
		t.Fatal("transport closed before the write deadline")
	default:
	}

	st.cancel()
	st.wait(t)
}

func TestRun_CancelReleasesBlockedWrite(t *testing.T) {
	st := startStalled(t)

	st.cancel()
	err := st.wait(t)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, st.s.State())
}
