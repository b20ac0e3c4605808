package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ismaiel54/fix-order-gateway/internal/fix"
	"github.com/ismaiel54/fix-order-gateway/internal/store"
)

// Role decides who sends the first Logon
type Role string

const (
	RoleAcceptor  Role = "acceptor"
	RoleInitiator Role = "initiator"
)

// State of the session state machine
type State int

const (
	StateDisconnected State = iota
	StateLogonPending
	StateActive
	StateLogoutPending
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateLogonPending:
		return "logon_pending"
	case StateActive:
		return "active"
	case StateLogoutPending:
		return "logout_pending"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings identify one logical session
type Settings struct {
	Role          Role
	SenderCompID  string
	TargetCompID  string
	HeartBtInt    time.Duration
	LogonTimeout  time.Duration
	LogoutTimeout time.Duration
	// ResetOnLogon makes an initiator start both sequences over at 1 and
	// send ResetSeqNumFlag(141)=Y on its Logon
	ResetOnLogon bool
}

// ID is the store key of the session identity
func (s Settings) ID() string {
	return s.SenderCompID + "->" + s.TargetCompID
}

// Transport is an ordered byte channel; net.Conn satisfies it
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// Application receives session events. Callbacks run on the session's
// read goroutine without the session lock held, so they may call Send.
type Application interface {
	OnLogon(s *Session)
	OnLogout(s *Session)
	// FromApp gets in-order, deduplicated business messages. Returning a
	// *BusinessRejectError makes the session answer with a BusinessMessageReject.
	FromApp(s *Session, m *fix.Message) error
}

// Option configures a Session
type Option func(*Session)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the session logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithTickInterval sets how often the watchdog runs Tick
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) { s.tickInterval = d }
}

// Status is a point-in-time view for the ops surface
type Status struct {
	ID         string        `json:"id"`
	Role       Role          `json:"role"`
	State      State         `json:"state"`
	NextOut    uint64        `json:"next_out_seq"`
	NextIn     uint64        `json:"next_in_seq"`
	HeartBtInt time.Duration `json:"heart_bt_int"`
}

type pendingMsg struct {
	msg     *fix.Message
	handled bool
}

// Session drives one logical FIX session across any number of transport
// connections. Sequence state outlives each Run; transport-bound state does not.
type Session struct {
	settings     Settings
	factory      store.Factory
	app          Application
	clock        clock.Clock
	logger       *zap.Logger
	tickInterval time.Duration

	mu         sync.Mutex
	state      State
	stateSince time.Time
	seq        *SequenceTracker
	seen       map[string]struct{}

	// transport-bound, reset on every attach
	transport      Transport
	store          store.MessageStore
	heartBtInt     time.Duration
	loggedOn       bool
	lastSent       time.Time
	lastReceived   time.Time
	testReqSentAt  time.Time
	testReqCounter uint64
	pending        map[uint64]pendingMsg
	resendEnd      uint64
	resendAt       time.Time
	ended          bool
	endErr         error

	// abort is the cancellation cause of the current Run; it overrides the
	// error of whatever teardown the cancel triggers
	abort atomic.Pointer[abortCause]

	// wmu guards the in-flight write so the watchdog can see a stuck
	// transport without taking mu, which the writer holds
	wmu           sync.Mutex
	writing       Transport
	writeDeadline time.Time
}

type abortCause struct {
	err error
}

// writeDeadliner is implemented by net.Conn
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// New builds a disconnected session and restores its sequence numbers from the store
func New(settings Settings, factory store.Factory, app Application, opts ...Option) (*Session, error) {
	if settings.SenderCompID == "" || settings.TargetCompID == "" {
		return nil, errors.New("sender and target comp ids are required")
	}
	if settings.HeartBtInt < time.Second {
		return nil, fmt.Errorf("invalid heartbeat interval %s", settings.HeartBtInt)
	}
	if settings.Role != RoleAcceptor && settings.Role != RoleInitiator {
		return nil, fmt.Errorf("invalid role %q", settings.Role)
	}
	if settings.LogonTimeout <= 0 {
		settings.LogonTimeout = 10 * time.Second
	}
	if settings.LogoutTimeout <= 0 {
		settings.LogoutTimeout = 2 * time.Second
	}

	s := &Session{
		settings:     settings,
		factory:      factory,
		app:          app,
		clock:        clock.New(),
		logger:       zap.NewNop(),
		tickInterval: time.Second,
		state:        StateDisconnected,
		seen:         make(map[string]struct{}),
		pending:      make(map[uint64]pendingMsg),
		heartBtInt:   settings.HeartBtInt,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session_id", settings.ID()))

	st, err := factory.Create(settings.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}
	defer st.Close()
	seqs, err := st.SeqNums(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence numbers: %w", err)
	}
	s.seq = NewSequenceTracker(seqs.NextOut, seqs.NextIn)
	return s, nil
}

// ID returns the session identity
func (s *Session) ID() string {
	return s.settings.ID()
}

// Settings returns the configured settings
func (s *Session) Settings() Settings {
	return s.settings
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status snapshots the session
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:         s.settings.ID(),
		Role:       s.settings.Role,
		State:      s.state,
		NextOut:    s.seq.PeekOut(),
		NextIn:     s.seq.NextExpectedIn(),
		HeartBtInt: s.heartBtInt,
	}
}

// Run drives the session over t until it ends. It returns nil after a clean
// logout, otherwise the reason the connection was torn down. Cancelling ctx
// closes the transport without a logout.
func (s *Session) Run(ctx context.Context, t Transport) error {
	if err := s.attach(t); err != nil {
		t.Close()
		return err
	}

	stopAbort := context.AfterFunc(ctx, func() {
		s.abort.Store(&abortCause{err: ctx.Err()})
		// a write blocked on a peer that stopped reading holds mu until
		// the transport is closed
		t.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.terminate(ctx.Err())
	})
	defer stopAbort()

	watchCtx, stopWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watch(watchCtx)
	}()

	err := s.readLoop(t)

	stopWatch()
	wg.Wait()
	s.detach()
	return err
}

// Send stores and transmits an application message. While the session is
// not active the message is only stored; the peer recovers it by ResendRequest.
func (s *Session) Send(m *fix.Message) error {
	if m.MsgType.IsAdmin() {
		return fmt.Errorf("admin message %s cannot be sent by the application", m.MsgType)
	}
	if err := fix.Validate(m); err != nil {
		return fmt.Errorf("invalid outbound %s: %w", m.MsgType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(m.Clone())
}

// Logout starts a graceful logout; Run returns once the peer answers or
// the logout timeout passes.
func (s *Session) Logout(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return ErrNotActive
	}
	if err := s.sendLocked(newLogout(text)); err != nil {
		return err
	}
	s.setState(StateLogoutPending)
	return nil
}

func (s *Session) attach(t Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil {
		return ErrAlreadyRunning
	}

	st, err := s.factory.Create(s.settings.ID())
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	seqs, err := st.SeqNums(context.Background())
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to load sequence numbers: %w", err)
	}
	s.seq.Restore(seqs.NextOut, seqs.NextIn)

	now := s.clock.Now()
	s.store = st
	s.transport = t
	s.heartBtInt = s.settings.HeartBtInt
	s.loggedOn = false
	s.lastSent, s.lastReceived = now, now
	s.testReqSentAt = time.Time{}
	s.pending = make(map[uint64]pendingMsg)
	s.resendEnd = 0
	s.ended, s.endErr = false, nil
	s.abort.Store(nil)
	s.setState(StateLogonPending)

	if s.settings.Role == RoleInitiator {
		logon := s.newLogon()
		if s.settings.ResetOnLogon {
			if err := s.resetSequences(); err != nil {
				s.terminate(err)
				return nil
			}
			logon.SetBool(fix.TagResetSeqNumFlag, true)
		}
		if err := s.sendLocked(logon); err != nil {
			s.terminate(err)
		}
	}
	return nil
}

func (s *Session) detach() {
	s.mu.Lock()
	wasLoggedOn := s.loggedOn
	s.loggedOn = false
	s.transport = nil
	s.pending = make(map[uint64]pendingMsg)
	s.resendEnd = 0
	s.testReqSentAt = time.Time{}
	if s.store != nil {
		s.saveSeqNums(s.store)
		if err := s.store.Close(); err != nil {
			s.logger.Warn("failed to release message store", zap.Error(err))
		}
		s.store = nil
	}
	s.mu.Unlock()

	if wasLoggedOn {
		s.app.OnLogout(s)
	}
}

func (s *Session) readLoop(t Transport) error {
	fr := fix.NewFrameReader(t)
	for {
		raw, err := fr.ReadFrame()
		if err != nil {
			return s.readFailed(err)
		}

		res := s.onFrame(raw)
		s.dispatch(res)

		if done, err := s.finished(); done {
			return err
		}
	}
}

func (s *Session) readFailed(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ended {
		if s.state == StateLogoutPending && errors.Is(err, io.EOF) {
			s.terminate(nil)
		} else {
			s.terminate(&TransportError{Op: "read", Err: err})
		}
	}
	return s.endErr
}

func (s *Session) finished() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.endErr
}

// dispatch runs application callbacks outside the lock, in arrival order
func (s *Session) dispatch(res inbound) {
	if res.loggedOn {
		s.app.OnLogon(s)
	}
	for _, m := range res.deliver {
		err := s.app.FromApp(s, m)
		if err == nil {
			continue
		}
		var bre *BusinessRejectError
		if errors.As(err, &bre) {
			s.mu.Lock()
			s.sendBusinessReject(m, bre.Reason, bre.RefID, bre.Text)
			s.mu.Unlock()
			continue
		}
		s.logger.Error("application failed to process message",
			zap.String("msg_type", string(m.MsgType)),
			zap.Uint64("msg_seq_num", m.Header.MsgSeqNum),
			zap.Error(err),
		)
	}
}

// terminate ends the current connection. Callers hold s.mu.
func (s *Session) terminate(err error) {
	if s.transport == nil || s.ended {
		return
	}
	if a := s.abort.Load(); a != nil {
		err = a.err
	}
	s.ended = true
	s.endErr = err
	if s.state != StateRejected {
		s.setState(StateDisconnected)
	}
	if cerr := s.transport.Close(); cerr != nil {
		s.logger.Debug("transport close failed", zap.Error(cerr))
	}
	if err != nil {
		s.logger.Warn("session terminated", zap.Error(err))
	} else {
		s.logger.Info("session logged out")
	}
}

func (s *Session) setState(st State) {
	if s.state != st {
		s.logger.Info("session state changed",
			zap.String("from", s.state.String()),
			zap.String("to", st.String()),
		)
	}
	s.state = st
	s.stateSince = s.clock.Now()
}

// sendLocked stamps, stores and, when possible, writes m. The store append
// always happens before the transport write.
func (s *Session) sendLocked(m *fix.Message) error {
	seq := s.seq.PeekOut()
	s.stamp(m, seq)

	raw, err := fix.Encode(m)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", m.MsgType, err)
	}

	st := s.store
	if st == nil {
		st, err = s.factory.Create(s.settings.ID())
		if err != nil {
			return fmt.Errorf("failed to open message store: %w", err)
		}
		defer st.Close()
	}
	if err := st.Append(context.Background(), seq, raw); err != nil {
		return fmt.Errorf("failed to store outbound message: %w", err)
	}
	s.seq.NextOut()
	s.saveSeqNums(st)

	if !s.canWrite(m.MsgType) {
		s.logger.Debug("outbound message stored for resend",
			zap.String("msg_type", string(m.MsgType)),
			zap.Uint64("msg_seq_num", seq),
		)
		return nil
	}
	s.logger.Debug("outbound message",
		zap.String("msg_type", string(m.MsgType)),
		zap.Uint64("msg_seq_num", seq),
	)
	return s.write(raw)
}

func (s *Session) canWrite(t fix.MsgType) bool {
	if s.transport == nil || s.ended {
		return false
	}
	if t.IsAdmin() {
		return true
	}
	return s.state == StateActive || s.state == StateLogoutPending
}

// write hands raw to the transport. A write still blocked one heartbeat
// interval later is aborted by the watchdog (abortStuckWrite) or, on a
// net.Conn, by its write deadline.
func (s *Session) write(raw []byte) error {
	t := s.transport
	s.wmu.Lock()
	s.writing = t
	s.writeDeadline = s.clock.Now().Add(s.heartBtInt)
	s.wmu.Unlock()
	if wd, ok := t.(writeDeadliner); ok {
		_ = wd.SetWriteDeadline(time.Now().Add(s.heartBtInt))
	}

	_, err := t.Write(raw)

	s.wmu.Lock()
	s.writing = nil
	s.wmu.Unlock()

	if err != nil {
		terr := &TransportError{Op: "write", Err: err}
		s.terminate(terr)
		return terr
	}
	s.lastSent = s.clock.Now()
	return nil
}

func (s *Session) stamp(m *fix.Message, seq uint64) {
	m.Header.SenderCompID = s.settings.SenderCompID
	m.Header.TargetCompID = s.settings.TargetCompID
	m.Header.MsgSeqNum = seq
	m.Header.SendingTime = s.clock.Now().UTC()
}

// resetSequences drops the stored messages of this identity and starts both
// sequences over at 1
func (s *Session) resetSequences() error {
	if err := s.store.Reset(context.Background()); err != nil {
		return fmt.Errorf("failed to reset message store: %w", err)
	}
	s.seq.Reset()
	s.pending = make(map[uint64]pendingMsg)
	s.resendEnd = 0
	s.resendAt = time.Time{}
	s.logger.Info("sequence numbers reset")
	return nil
}

func (s *Session) saveSeqNums(st store.MessageStore) {
	seqs := store.SeqNums{NextOut: s.seq.PeekOut(), NextIn: s.seq.NextExpectedIn()}
	if err := st.SaveSeqNums(context.Background(), seqs); err != nil {
		s.logger.Error("failed to persist sequence numbers", zap.Error(err))
	}
}

func (s *Session) watch(ctx context.Context) {
	ticker := s.clock.Ticker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.clock.Now())
		}
	}
}
