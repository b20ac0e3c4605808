package session

import (
	"bytes"
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
	"pgregory.net/rapid"

	"github.com/ismaiel54/fix-order-gateway/internal/fix"
	"github.com/ismaiel54/fix-order-gateway/internal/store"
)

const (
	ourID  = "BROKER"
	peerID = "CLIENT"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// captureTransport records every frame the session writes
type captureTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *captureTransport) Read([]byte) (int, error) { return 0, io.EOF }

func (c *captureTransport) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("closed")
	}
	c.frames = append(c.frames, append([]byte(nil), p...))
	return len(p), nil
}

func (c *captureTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureTransport) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type recordingApp struct {
	mu       sync.Mutex
	logons   int
	logouts  int
	messages []*fix.Message
	fromApp  func(m *fix.Message) error
}

func (a *recordingApp) OnLogon(*Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logons++
}

func (a *recordingApp) OnLogout(*Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts++
}

func (a *recordingApp) FromApp(_ *Session, m *fix.Message) error {
	a.mu.Lock()
	a.messages = append(a.messages, m)
	fn := a.fromApp
	a.mu.Unlock()
	if fn != nil {
		return fn(m)
	}
	return nil
}

func (a *recordingApp) clOrdIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, m := range a.messages {
		v, _ := m.Get(fix.TagClOrdID)
		out = append(out, v)
	}
	return out
}

type harness struct {
	t       *testing.T
	s       *Session
	tr      *captureTransport
	app     *recordingApp
	clk     *clock.Mock
	factory *store.MemoryFactory
}

func newHarness(t *testing.T, seqs *store.SeqNums) *harness {
	t.Helper()
	return newHarnessWith(t, seqs, nil)
}

// newHarnessWith lets a test adjust the acceptor settings before attach
func newHarnessWith(t *testing.T, seqs *store.SeqNums, adjust func(*Settings)) *harness {
	t.Helper()

	factory := store.NewMemoryFactory()
	settings := Settings{
		Role:         RoleAcceptor,
		SenderCompID: ourID,
		TargetCompID: peerID,
		HeartBtInt:   30 * time.Second,
	}
	if adjust != nil {
		adjust(&settings)
	}
	if seqs != nil {
		st, err := factory.Create(settings.ID())
		require.NoError(t, err)
		require.NoError(t, st.SaveSeqNums(context.Background(), *seqs))
		require.NoError(t, st.Close())
	}

	clk := clock.NewMock()
	clk.Set(t0)
	app := &recordingApp{}
	s, err := New(settings, factory, app, WithClock(clk), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	tr := &captureTransport{}
	require.NoError(t, s.attach(tr))
	return &harness{t: t, s: s, tr: tr, app: app, clk: clk, factory: factory}
}

func field(tag fix.Tag, v string) fix.Field {
	return fix.Field{Tag: tag, Value: v}
}

func peerMsg(typ fix.MsgType, seq uint64, fields ...fix.Field) *fix.Message {
	return &fix.Message{
		MsgType: typ,
		Header: fix.Header{
			SenderCompID: peerID,
			TargetCompID: ourID,
			MsgSeqNum:    seq,
			SendingTime:  t0,
		},
		Body: fields,
	}
}

func orderMsg(seq uint64, clOrdID string) *fix.Message {
	return peerMsg(fix.MsgTypeNewOrderSingle, seq,
		field(fix.TagClOrdID, clOrdID),
		field(fix.TagSymbol, "AAPL"),
		field(fix.TagSide, fix.SideBuy),
		field(fix.TagOrdType, fix.OrdTypeLimit),
		field(fix.TagOrderQty, "100"),
		field(fix.TagTimeInForce, fix.TimeInForceDay),
		field(fix.TagPrice, "150.00"),
	)
}

func possDup(m *fix.Message) *fix.Message {
	m.Header.PossDupFlag = true
	return m
}

func (h *harness) receive(m *fix.Message) {
	h.t.Helper()
	raw, err := fix.Encode(m)
	require.NoError(h.t, err)
	h.s.dispatch(h.s.onFrame(raw))
}

func (h *harness) receiveRaw(raw []byte) {
	h.s.dispatch(h.s.onFrame(raw))
}

func (h *harness) logon(seq uint64) {
	h.t.Helper()
	h.receive(peerMsg(fix.MsgTypeLogon, seq, field(fix.TagEncryptMethod, "0"), field(fix.TagHeartBtInt, "30")))
}

func (h *harness) sent() []*fix.Message {
	h.t.Helper()
	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	out := make([]*fix.Message, 0, len(h.tr.frames))
	for _, raw := range h.tr.frames {
		m, err := fix.Decode(raw)
		require.NoError(h.t, err)
		out = append(out, m)
	}
	return out
}

func (h *harness) sentOfType(typ fix.MsgType) []*fix.Message {
	var out []*fix.Message
	for _, m := range h.sent() {
		if m.MsgType == typ {
			out = append(out, m)
		}
	}
	return out
}

func (h *harness) ended() (bool, error) {
	return h.s.finished()
}

func executionReport(clOrdID, execID string) *fix.Message {
	return fix.NewMessage(fix.MsgTypeExecutionReport).
		Set(fix.TagOrderID, "ord-1").
		Set(fix.TagClOrdID, clOrdID).
		Set(fix.TagExecID, execID).
		Set(fix.TagExecType, fix.ExecTypeNew).
		Set(fix.TagOrdStatus, fix.OrdStatusNew).
		Set(fix.TagSymbol, "AAPL").
		Set(fix.TagSide, fix.SideBuy).
		Set(fix.TagLeavesQty, "100").
		Set(fix.TagCumQty, "0")
}

func TestNew_ValidatesSettings(t *testing.T) {
	f := store.NewMemoryFactory()
	_, err := New(Settings{Role: RoleAcceptor, SenderCompID: "A", HeartBtInt: time.Second}, f, &recordingApp{})
	assert.Error(t, err)
	_, err = New(Settings{Role: RoleAcceptor, SenderCompID: "A", TargetCompID: "B"}, f, &recordingApp{})
	assert.Error(t, err)
	_, err = New(Settings{Role: "router", SenderCompID: "A", TargetCompID: "B", HeartBtInt: time.Second}, f, &recordingApp{})
	assert.Error(t, err)
}

func TestLogon_AcceptorRepliesAndGoesActive(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, StateLogonPending, h.s.State())

	h.receive(peerMsg(fix.MsgTypeLogon, 1, field(fix.TagEncryptMethod, "0"), field(fix.TagHeartBtInt, "10")))

	assert.Equal(t, StateActive, h.s.State())
	assert.Equal(t, 1, h.app.logons)

	sent := h.sent()
	require.Len(t, sent, 1)
	reply := sent[0]
	assert.Equal(t, fix.MsgTypeLogon, reply.MsgType)
	assert.Equal(t, ourID, reply.Header.SenderCompID)
	assert.Equal(t, peerID, reply.Header.TargetCompID)
	assert.Equal(t, uint64(1), reply.Header.MsgSeqNum)
	hb, _ := reply.Get(fix.TagHeartBtInt)
	assert.Equal(t, "10", hb, "acceptor adopts the initiator's interval")

	status := h.s.Status()
	assert.Equal(t, 10*time.Second, status.HeartBtInt)
	assert.Equal(t, uint64(2), status.NextIn)
	assert.Equal(t, uint64(2), status.NextOut)
}

func TestLogon_CompIDMismatchRejects(t *testing.T) {
	h := newHarness(t, nil)

	m := peerMsg(fix.MsgTypeLogon, 1, field(fix.TagEncryptMethod, "0"), field(fix.TagHeartBtInt, "30"))
	m.Header.SenderCompID = "INTRUDER"
	h.receive(m)

	assert.Equal(t, StateRejected, h.s.State())
	assert.True(t, h.tr.isClosed())
	assert.Empty(t, h.sent())
	assert.Zero(t, h.app.logons)

	done, err := h.ended()
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, ErrCompIDMismatch)
}

func TestLogon_FirstMessageMustBeLogon(t *testing.T) {
	h := newHarness(t, nil)
	h.receive(orderMsg(1, "ORDER_1"))

	assert.Equal(t, StateRejected, h.s.State())
	_, err := h.ended()
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Empty(t, h.app.messages)
}

func TestLogon_SeqTooLowRejects(t *testing.T) {
	h := newHarness(t, &store.SeqNums{NextOut: 1, NextIn: 5})
	h.logon(3)

	assert.Equal(t, StateRejected, h.s.State())
	_, err := h.ended()
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, ErrSeqTooLow)

	logouts := h.sentOfType(fix.MsgTypeLogout)
	require.Len(t, logouts, 1)
	text, _ := logouts[0].Get(fix.TagText)
	assert.Contains(t, text, "MsgSeqNum too low")
}

func TestLogon_WithGapRequestsResend(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(4)

	assert.Equal(t, StateActive, h.s.State())
	reqs := h.sentOfType(fix.MsgTypeResendRequest)
	require.Len(t, reqs, 1)
	begin, _ := reqs[0].Get(fix.TagBeginSeqNo)
	end, _ := reqs[0].Get(fix.TagEndSeqNo)
	assert.Equal(t, "1", begin)
	assert.Equal(t, "3", end)

	// gap fill consumes the slots, the logon's own slot is already handled
	h.receive(possDup(peerMsg(fix.MsgTypeSequenceReset, 1,
		field(fix.TagGapFillFlag, "Y"), field(fix.TagNewSeqNo, "4"))))
	assert.Equal(t, uint64(5), h.s.Status().NextIn)
}

func TestGap_ExactlyOneResendRequestAndWithholdsDelivery(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	h.receive(orderMsg(5, "ORDER_5"))
	h.receive(orderMsg(6, "ORDER_6"))

	reqs := h.sentOfType(fix.MsgTypeResendRequest)
	require.Len(t, reqs, 1, "one request covers the gap")
	begin, _ := reqs[0].Get(fix.TagBeginSeqNo)
	end, _ := reqs[0].Get(fix.TagEndSeqNo)
	assert.Equal(t, "2", begin)
	assert.Equal(t, "4", end)
	assert.Empty(t, h.app.messages, "out-of-order messages are withheld")
	assert.Equal(t, uint64(2), h.s.Status().NextIn)

	h.receive(possDup(orderMsg(2, "ORDER_2")))
	h.receive(possDup(orderMsg(3, "ORDER_3")))
	assert.Equal(t, []string{"ORDER_2", "ORDER_3"}, h.app.clOrdIDs())

	h.receive(possDup(orderMsg(4, "ORDER_4")))
	assert.Equal(t, []string{"ORDER_2", "ORDER_3", "ORDER_4", "ORDER_5", "ORDER_6"}, h.app.clOrdIDs())
	assert.Equal(t, uint64(7), h.s.Status().NextIn)
	assert.Len(t, h.sentOfType(fix.MsgTypeResendRequest), 1)
}

func TestGap_FilledBySequenceResetGapFill(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	h.receive(orderMsg(5, "ORDER_5"))
	h.receive(possDup(peerMsg(fix.MsgTypeSequenceReset, 2,
		field(fix.TagGapFillFlag, "Y"), field(fix.TagNewSeqNo, "5"))))

	assert.Equal(t, []string{"ORDER_5"}, h.app.clOrdIDs())
	assert.Equal(t, uint64(6), h.s.Status().NextIn)
}

func TestGap_RerequestsRemainingHole(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	h.receive(orderMsg(4, "ORDER_4"))
	// the peer only fills 2..3, then a later message leaves 5..6 missing
	h.receive(orderMsg(7, "ORDER_7"))
	h.receive(possDup(orderMsg(2, "ORDER_2")))
	h.receive(possDup(orderMsg(3, "ORDER_3")))

	reqs := h.sentOfType(fix.MsgTypeResendRequest)
	require.Len(t, reqs, 2)
	begin, _ := reqs[1].Get(fix.TagBeginSeqNo)
	end, _ := reqs[1].Get(fix.TagEndSeqNo)
	assert.Equal(t, "5", begin)
	assert.Equal(t, "6", end)
	assert.Equal(t, []string{"ORDER_2", "ORDER_3", "ORDER_4"}, h.app.clOrdIDs())
}

func TestGap_StalledResendIsRequestedAgain(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	h.receive(orderMsg(5, "ORDER_5"))
	require.Len(t, h.sentOfType(fix.MsgTypeResendRequest), 1)

	// only 2 arrives, 3..4 are lost again
	h.receive(possDup(orderMsg(2, "ORDER_2")))
	h.clk.Add(29 * time.Second)
	h.s.Tick(h.clk.Now())
	assert.Len(t, h.sentOfType(fix.MsgTypeResendRequest), 1)

	h.clk.Add(time.Second)
	h.s.Tick(h.clk.Now())
	reqs := h.sentOfType(fix.MsgTypeResendRequest)
	require.Len(t, reqs, 2)
	begin, _ := reqs[1].Get(fix.TagBeginSeqNo)
	end, _ := reqs[1].Get(fix.TagEndSeqNo)
	assert.Equal(t, "3", begin)
	assert.Equal(t, "4", end)

	h.receive(possDup(orderMsg(3, "ORDER_3")))
	h.receive(possDup(orderMsg(4, "ORDER_4")))
	assert.Equal(t, []string{"ORDER_2", "ORDER_3", "ORDER_4", "ORDER_5"}, h.app.clOrdIDs())
}

func TestSequenceReset_ResetModeIgnoresSeqNum(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	h.receive(peerMsg(fix.MsgTypeSequenceReset, 99, field(fix.TagNewSeqNo, "20")))
	assert.Equal(t, uint64(20), h.s.Status().NextIn)

	h.receive(peerMsg(fix.MsgTypeSequenceReset, 20, field(fix.TagNewSeqNo, "10")))
	assert.Equal(t, uint64(20), h.s.Status().NextIn, "never moves backwards")
	assert.Len(t, h.sentOfType(fix.MsgTypeReject), 1)
}

func TestPossDup_TooLowWithoutFlagLogsOut(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)
	h.receive(orderMsg(2, "ORDER_2"))

	h.receive(orderMsg(2, "ORDER_2"))

	done, err := h.ended()
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrSeqTooLow)
	assert.Equal(t, StateDisconnected, h.s.State())
	logouts := h.sentOfType(fix.MsgTypeLogout)
	require.Len(t, logouts, 1)
	text, _ := logouts[0].Get(fix.TagText)
	assert.Equal(t, "MsgSeqNum too low, expecting 3 but received 2", text)
}

func TestPossDup_OnlyUnseenContentIsDelivered(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)
	h.receive(orderMsg(2, "ORDER_2"))
	h.receive(orderMsg(3, "ORDER_3"))

	h.receive(possDup(orderMsg(2, "ORDER_2")))
	assert.Equal(t, []string{"ORDER_2", "ORDER_3"}, h.app.clOrdIDs(), "already seen content is dropped")

	h.receive(possDup(orderMsg(2, "ORDER_X")))
	assert.Equal(t, []string{"ORDER_2", "ORDER_3", "ORDER_X"}, h.app.clOrdIDs())

	done, _ := h.ended()
	assert.False(t, done)
	assert.Equal(t, uint64(4), h.s.Status().NextIn)
}

func TestResend_ReproducesStoredBytes(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	for _, id := range []string{"E1", "E2", "E3"} {
		h.clk.Add(time.Second)
		require.NoError(t, h.s.Send(executionReport("ORDER_1", id)))
	}
	before := len(h.sent())

	h.receive(peerMsg(fix.MsgTypeResendRequest, 2, field(fix.TagBeginSeqNo, "1"), field(fix.TagEndSeqNo, "0")))

	h.tr.mu.Lock()
	resent := append([][]byte(nil), h.tr.frames[before:]...)
	h.tr.mu.Unlock()
	require.Len(t, resent, 4, "gap fill for the logon plus three reports")

	gapFill, err := fix.Decode(resent[0])
	require.NoError(t, err)
	assert.Equal(t, fix.MsgTypeSequenceReset, gapFill.MsgType)
	assert.Equal(t, uint64(1), gapFill.Header.MsgSeqNum)
	assert.True(t, gapFill.Header.PossDupFlag)
	newSeq, _ := gapFill.Get(fix.TagNewSeqNo)
	assert.Equal(t, "2", newSeq)

	stored, err := h.s.store.FetchRange(context.Background(), 2, 4)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, sm := range stored {
		got, err := fix.Decode(resent[i+1])
		require.NoError(t, err)
		assert.True(t, got.Header.PossDupFlag)
		assert.Equal(t, sm.SeqNum, got.Header.MsgSeqNum)

		got.Header.PossDupFlag = false
		again, err := fix.Encode(got)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(sm.Raw, again), "resend differs only by PossDupFlag")
	}

	// resends are not stored again and do not consume sequence numbers
	assert.Equal(t, uint64(5), h.s.Status().NextOut)
}

func TestSend_StoresBeforeWriteAndCounts(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		start := rapid.Uint64Range(1, 1_000_000).Draw(rt, "start")
		n := rapid.IntRange(0, 40).Draw(rt, "n")

		factory := store.NewMemoryFactory()
		settings := Settings{Role: RoleAcceptor, SenderCompID: ourID, TargetCompID: peerID, HeartBtInt: 30 * time.Second}
		st, err := factory.Create(settings.ID())
		if err != nil {
			rt.Fatalf("create: %v", err)
		}
		if err := st.SaveSeqNums(context.Background(), store.SeqNums{NextOut: start, NextIn: 1}); err != nil {
			rt.Fatalf("seed: %v", err)
		}

		s, err := New(settings, factory, &recordingApp{})
		if err != nil {
			rt.Fatalf("new: %v", err)
		}
		for i := 0; i < n; i++ {
			if err := s.Send(executionReport("ORDER_1", "E")); err != nil {
				rt.Fatalf("send %d: %v", i, err)
			}
		}

		if got := s.Status().NextOut; got != start+uint64(n) {
			rt.Fatalf("next out %d, want %d", got, start+uint64(n))
		}
		msgs, err := st.FetchRange(context.Background(), 1, 0)
		if err != nil {
			rt.Fatalf("fetch: %v", err)
		}
		if len(msgs) != n {
			rt.Fatalf("stored %d messages, want %d", len(msgs), n)
		}
		for i, m := range msgs {
			if m.SeqNum != start+uint64(i) {
				rt.Fatalf("entry %d has seq %d, want %d", i, m.SeqNum, start+uint64(i))
			}
		}
	})
}

func TestSend_WhileNotActiveIsStoredOnly(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.s.Send(executionReport("ORDER_1", "E1")))
	assert.Empty(t, h.sent(), "not written before logon")
	assert.Equal(t, uint64(2), h.s.Status().NextOut)
}

func TestSend_RejectsInvalidAndAdmin(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	err := h.s.Send(fix.NewMessage(fix.MsgTypeExecutionReport).Set(fix.TagClOrdID, "X"))
	var fe *fix.FieldError
	assert.ErrorAs(t, err, &fe)

	assert.Error(t, h.s.Send(fix.NewMessage(fix.MsgTypeHeartbeat)))
}

func TestHeartbeat_TestRequestThenTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	h.clk.Add(30 * time.Second)
	h.s.Tick(h.clk.Now())
	assert.Len(t, h.sentOfType(fix.MsgTypeHeartbeat), 1)
	assert.Empty(t, h.sentOfType(fix.MsgTypeTestRequest))

	h.clk.Add(6 * time.Second)
	h.s.Tick(h.clk.Now())
	require.Len(t, h.sentOfType(fix.MsgTypeTestRequest), 1)

	for _, step := range []time.Duration{4, 10, 10, 5} {
		h.clk.Add(step * time.Second)
		h.s.Tick(h.clk.Now())
	}
	assert.Len(t, h.sentOfType(fix.MsgTypeTestRequest), 1, "exactly one test request")
	done, _ := h.ended()
	assert.False(t, done, "29s after the test request the session is still up")

	h.clk.Add(time.Second)
	h.s.Tick(h.clk.Now())

	done, err := h.ended()
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	assert.Equal(t, StateDisconnected, h.s.State())
	assert.True(t, h.tr.isClosed())
}

func TestHeartbeat_ReplyClearsTestRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	h.clk.Add(36 * time.Second)
	h.s.Tick(h.clk.Now())
	reqs := h.sentOfType(fix.MsgTypeTestRequest)
	require.Len(t, reqs, 1)
	id, _ := reqs[0].Get(fix.TagTestReqID)

	h.receive(peerMsg(fix.MsgTypeHeartbeat, 2, field(fix.TagTestReqID, id)))

	h.clk.Add(30 * time.Second)
	h.s.Tick(h.clk.Now())
	done, _ := h.ended()
	assert.False(t, done)
	assert.Equal(t, StateActive, h.s.State())
}

func TestTestRequest_AnsweredWithHeartbeat(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	h.receive(peerMsg(fix.MsgTypeTestRequest, 2, field(fix.TagTestReqID, "PING-7")))

	hbs := h.sentOfType(fix.MsgTypeHeartbeat)
	require.Len(t, hbs, 1)
	id, _ := hbs[0].Get(fix.TagTestReqID)
	assert.Equal(t, "PING-7", id)
}

func TestLogonTimeout(t *testing.T) {
	h := newHarness(t, nil)

	h.clk.Add(9 * time.Second)
	h.s.Tick(h.clk.Now())
	done, _ := h.ended()
	assert.False(t, done)

	h.clk.Add(time.Second)
	h.s.Tick(h.clk.Now())
	done, err := h.ended()
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrLogonTimeout)
}

func TestDecodeError_SendsRejectWithoutAdvancing(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	raw, err := fix.Encode(orderMsg(2, "ORDER_2"))
	require.NoError(t, err)
	h.receiveRaw(bytes.Replace(raw, []byte("55=AAPL"), []byte("55=AAPM"), 1))

	rejects := h.sentOfType(fix.MsgTypeReject)
	require.Len(t, rejects, 1)
	text, _ := rejects[0].Get(fix.TagText)
	assert.Contains(t, text, "checksum")
	assert.Equal(t, uint64(2), h.s.Status().NextIn)
	assert.Empty(t, h.app.messages)

	h.receive(orderMsg(2, "ORDER_2"))
	assert.Equal(t, []string{"ORDER_2"}, h.app.clOrdIDs())
}

func TestMissingRequiredField_BusinessReject(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	m := peerMsg(fix.MsgTypeNewOrderSingle, 2,
		field(fix.TagClOrdID, "ORDER_2"),
		field(fix.TagSide, fix.SideBuy),
		field(fix.TagOrdType, fix.OrdTypeMarket),
		field(fix.TagOrderQty, "5"),
		field(fix.TagTimeInForce, fix.TimeInForceDay),
	)
	h.receive(m)

	assert.Empty(t, h.app.messages)
	rejects := h.sentOfType(fix.MsgTypeBusinessMessageReject)
	require.Len(t, rejects, 1)
	rej := rejects[0]
	refType, _ := rej.Get(fix.TagRefMsgType)
	reason, _ := rej.Get(fix.TagBusinessRejectReason)
	text, _ := rej.Get(fix.TagText)
	refSeq, _ := rej.Get(fix.TagRefSeqNum)
	assert.Equal(t, "D", refType)
	assert.Equal(t, fix.BusinessRejectReasonOther, reason)
	assert.Equal(t, "Required tag missing: 55", text)
	assert.Equal(t, "2", refSeq)
	assert.Equal(t, uint64(3), h.s.Status().NextIn, "a rejected message still consumes its slot")
}

func TestFromApp_BusinessRejectError(t *testing.T) {
	h := newHarness(t, nil)
	h.app.fromApp = func(*fix.Message) error {
		return &BusinessRejectError{Reason: fix.BusinessRejectReasonOther, RefID: "ORDER_2", Text: "Invalid side"}
	}
	h.logon(1)
	h.receive(orderMsg(2, "ORDER_2"))

	rejects := h.sentOfType(fix.MsgTypeBusinessMessageReject)
	require.Len(t, rejects, 1)
	refID, _ := rejects[0].Get(fix.TagBusinessRejectRefID)
	assert.Equal(t, "ORDER_2", refID)
}

func TestLogout_PeerInitiated(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	h.receive(peerMsg(fix.MsgTypeLogout, 2))

	assert.Len(t, h.sentOfType(fix.MsgTypeLogout), 1)
	done, err := h.ended()
	assert.True(t, done)
	assert.NoError(t, err)
	assert.Equal(t, StateDisconnected, h.s.State())
}

func TestLogout_LocallyInitiated(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)

	require.NoError(t, h.s.Logout("end of day"))
	assert.Equal(t, StateLogoutPending, h.s.State())
	assert.ErrorIs(t, h.s.Logout("again"), ErrNotActive)

	h.receive(peerMsg(fix.MsgTypeLogout, 2))
	assert.Len(t, h.sentOfType(fix.MsgTypeLogout), 1, "no second logout when answering ours")
	done, err := h.ended()
	assert.True(t, done)
	assert.NoError(t, err)
}

func TestLogout_TimesOut(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)
	require.NoError(t, h.s.Logout(""))

	h.clk.Add(2 * time.Second)
	h.s.Tick(h.clk.Now())
	done, err := h.ended()
	assert.True(t, done)
	assert.NoError(t, err)
}

func TestDetach_KeepsSequenceState(t *testing.T) {
	h := newHarness(t, nil)
	h.logon(1)
	h.receive(orderMsg(2, "ORDER_2"))
	require.NoError(t, h.s.Send(executionReport("ORDER_2", "E1")))

	h.receive(peerMsg(fix.MsgTypeLogout, 3))
	h.s.detach()
	assert.Equal(t, 1, h.app.logouts)

	status := h.s.Status()
	assert.Equal(t, uint64(4), status.NextIn)
	assert.Equal(t, uint64(4), status.NextOut)

	st, err := h.factory.Create(h.s.ID())
	require.NoError(t, err)
	seqs, err := st.SeqNums(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.SeqNums{NextOut: 4, NextIn: 4}, seqs)

	// a new session object for the same identity resumes from the store
	again, err := New(h.s.Settings(), h.factory, &recordingApp{})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), again.Status().NextOut)
}

func TestLogon_ResetSeqNumFlagStartsBothSequencesOver(t *testing.T) {
	h := newHarness(t, &store.SeqNums{NextOut: 10, NextIn: 7})
	require.NoError(t, h.s.store.Append(context.Background(), 9, []byte("stale")))

	h.receive(peerMsg(fix.MsgTypeLogon, 1,
		field(fix.TagEncryptMethod, "0"),
		field(fix.TagHeartBtInt, "30"),
		field(fix.TagResetSeqNumFlag, "Y"),
	))

	require.Equal(t, StateActive, h.s.State())
	replies := h.sentOfType(fix.MsgTypeLogon)
	require.Len(t, replies, 1)
	assert.Equal(t, uint64(1), replies[0].Header.MsgSeqNum)
	assert.True(t, replies[0].GetBool(fix.TagResetSeqNumFlag), "reply confirms the reset")

	status := h.s.Status()
	assert.Equal(t, uint64(2), status.NextOut)
	assert.Equal(t, uint64(2), status.NextIn)

	stored, err := h.s.store.FetchRange(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1, "messages from before the reset are gone")
	assert.Equal(t, uint64(1), stored[0].SeqNum)
}

func TestLogon_InitiatorResetOnLogon(t *testing.T) {
	h := newHarnessWith(t, &store.SeqNums{NextOut: 10, NextIn: 7}, func(s *Settings) {
		s.Role = RoleInitiator
		s.ResetOnLogon = true
	})

	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, fix.MsgTypeLogon, sent[0].MsgType)
	assert.Equal(t, uint64(1), sent[0].Header.MsgSeqNum)
	assert.True(t, sent[0].GetBool(fix.TagResetSeqNumFlag))

	h.receive(peerMsg(fix.MsgTypeLogon, 1,
		field(fix.TagEncryptMethod, "0"),
		field(fix.TagHeartBtInt, "30"),
		field(fix.TagResetSeqNumFlag, "Y"),
	))
	assert.Equal(t, StateActive, h.s.State())
	assert.Equal(t, uint64(2), h.s.Status().NextIn)
}

func TestSequenceTracker_Reset(t *testing.T) {
	tr := NewSequenceTracker(12, 40)
	tr.Reset()
	assert.Equal(t, uint64(1), tr.PeekOut())
	assert.Equal(t, uint64(1), tr.NextExpectedIn())
}
