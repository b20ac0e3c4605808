package session

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ismaiel54/fix-order-gateway/internal/fix"
)

// inbound collects what a frame produced for the application; it is
// dispatched after the session lock is released.
type inbound struct {
	loggedOn bool
	deliver  []*fix.Message
}

func (s *Session) onFrame(raw []byte) inbound {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res inbound
	if s.ended || s.transport == nil {
		return res
	}
	s.lastReceived = s.clock.Now()
	s.testReqSentAt = time.Time{}

	nextIn := s.seq.NextExpectedIn()
	defer func() {
		if s.store != nil && s.seq.NextExpectedIn() != nextIn {
			s.saveSeqNums(s.store)
		}
	}()

	m, err := fix.Decode(raw)
	if err != nil {
		s.onDecodeError(err)
		return res
	}
	s.logger.Debug("inbound message",
		zap.String("msg_type", string(m.MsgType)),
		zap.Uint64("msg_seq_num", m.Header.MsgSeqNum),
		zap.Bool("poss_dup", m.Header.PossDupFlag),
	)

	switch s.state {
	case StateLogonPending:
		s.onLogon(m, &res)
	case StateActive, StateLogoutPending:
		if !s.checkCompIDs(m) {
			return res
		}
		if m.MsgType == fix.MsgTypeSequenceReset && !m.GetBool(fix.TagGapFillFlag) {
			s.onSequenceReset(m, &res)
			return res
		}
		s.process(m, &res, false)
	}
	return res
}

// onDecodeError answers a garbled frame with a session Reject. nextIn is left alone.
func (s *Session) onDecodeError(err error) {
	s.logger.Warn("failed to decode inbound message", zap.Error(err))
	if s.state != StateActive {
		return
	}

	rej := fix.NewMessage(fix.MsgTypeReject)
	reason := fix.SessionRejectReasonOther
	var de *fix.DecodeError
	if errors.As(err, &de) {
		rej.SetUint(fix.TagRefSeqNum, de.MsgSeqNum)
		if de.Tag != 0 {
			rej.SetInt(fix.TagRefTagID, int(de.Tag))
		}
		if de.MsgType != "" {
			rej.Set(fix.TagRefMsgType, string(de.MsgType))
		}
		switch {
		case errors.Is(err, fix.ErrMissingRequiredField):
			reason = fix.SessionRejectReasonRequiredTagMissing
		case errors.Is(err, fix.ErrUnknownMsgType):
			reason = fix.SessionRejectReasonInvalidMsgType
		}
	} else {
		rej.SetUint(fix.TagRefSeqNum, 0)
	}
	rej.Set(fix.TagSessionRejectReason, reason)
	rej.Set(fix.TagText, err.Error())

	if err := s.sendLocked(rej); err != nil {
		s.logger.Error("failed to send reject", zap.Error(err))
	}
}

func (s *Session) onLogon(m *fix.Message, res *inbound) {
	if m.MsgType != fix.MsgTypeLogon {
		s.rejectLogon(fmt.Errorf("%w: first message was %s, not logon", ErrHandshake, m.MsgType))
		return
	}
	if m.Header.SenderCompID != s.settings.TargetCompID || m.Header.TargetCompID != s.settings.SenderCompID {
		s.rejectLogon(fmt.Errorf("%w: %w: logon from %s->%s",
			ErrHandshake, ErrCompIDMismatch, m.Header.SenderCompID, m.Header.TargetCompID))
		return
	}
	hb, err := m.GetInt(fix.TagHeartBtInt)
	if err != nil || hb <= 0 {
		s.rejectLogon(fmt.Errorf("%w: invalid HeartBtInt", ErrHandshake))
		return
	}

	reset := m.GetBool(fix.TagResetSeqNumFlag)
	if reset && s.settings.Role == RoleAcceptor {
		if err := s.resetSequences(); err != nil {
			s.rejectLogon(fmt.Errorf("%w: %w", ErrHandshake, err))
			return
		}
	}

	expected := s.seq.NextExpectedIn()
	if m.Header.MsgSeqNum < expected {
		text := fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", expected, m.Header.MsgSeqNum)
		if err := s.sendLocked(newLogout(text)); err != nil {
			s.logger.Error("failed to send logout", zap.Error(err))
		}
		s.rejectLogon(fmt.Errorf("%w: %w: %s", ErrHandshake, ErrSeqTooLow, text))
		return
	}

	if s.settings.Role == RoleAcceptor {
		s.heartBtInt = time.Duration(hb) * time.Second
		logon := s.newLogon()
		if reset {
			logon.SetBool(fix.TagResetSeqNumFlag, true)
		}
		if err := s.sendLocked(logon); err != nil {
			return
		}
	}
	s.setState(StateActive)
	s.loggedOn = true
	res.loggedOn = true
	s.logger.Info("session logged on",
		zap.Duration("heart_bt_int", s.heartBtInt),
		zap.Uint64("next_in_seq", expected),
		zap.Uint64("next_out_seq", s.seq.PeekOut()),
	)

	s.process(m, res, true)
}

func (s *Session) rejectLogon(err error) {
	s.setState(StateRejected)
	s.terminate(err)
}

func (s *Session) checkCompIDs(m *fix.Message) bool {
	if m.Header.SenderCompID == s.settings.TargetCompID && m.Header.TargetCompID == s.settings.SenderCompID {
		return true
	}
	s.sendReject(m, fix.SessionRejectReasonCompIDProblem, fix.TagSenderCompID, "CompID problem")
	if err := s.sendLocked(newLogout("CompID problem")); err != nil {
		s.logger.Error("failed to send logout", zap.Error(err))
	}
	s.terminate(fmt.Errorf("%w: received %s->%s", ErrCompIDMismatch, m.Header.SenderCompID, m.Header.TargetCompID))
	return false
}

// process runs m through the sequence tracker. handled marks a message whose
// session effect was already applied, so only its sequence slot is consumed.
func (s *Session) process(m *fix.Message, res *inbound, handled bool) {
	obs := s.seq.ObserveIn(m.Header.MsgSeqNum)
	switch obs.Outcome {
	case InOrder:
		if !handled {
			s.handle(m, res)
		}
		s.drain(res)
	case Gap:
		s.onGap(m, obs, res, handled)
	case PossibleDuplicate:
		s.onPossDup(m, obs, res)
	}
}

func (s *Session) onGap(m *fix.Message, obs Observation, res *inbound, handled bool) {
	s.logger.Warn("sequence gap detected",
		zap.Uint64("expected", obs.Expected),
		zap.Uint64("received", obs.Received),
	)

	if !handled && handleImmediately(m.MsgType) {
		s.handle(m, res)
		handled = true
	}
	s.pending[obs.Received] = pendingMsg{msg: m, handled: handled}

	if s.resendEnd == 0 && !s.ended {
		s.requestResend(obs.Expected, obs.Received-1)
	}
}

func (s *Session) onPossDup(m *fix.Message, obs Observation, res *inbound) {
	if !m.Header.PossDupFlag {
		text := fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", obs.Expected, obs.Received)
		if err := s.sendLocked(newLogout(text)); err != nil {
			s.logger.Error("failed to send logout", zap.Error(err))
		}
		s.terminate(fmt.Errorf("%w: %s", ErrSeqTooLow, text))
		return
	}
	if m.MsgType.IsAdmin() {
		return
	}
	if key, ok := dedupKey(m); ok {
		if _, seen := s.seen[key]; seen {
			s.logger.Debug("dropping duplicate resend",
				zap.Uint64("msg_seq_num", m.Header.MsgSeqNum),
				zap.String("dedup_key", key),
			)
			return
		}
	}
	if s.validate(m) {
		s.deliver(m, res)
	}
}

// handleImmediately lists admin messages acted on even when they arrive
// ahead of a gap
func handleImmediately(t fix.MsgType) bool {
	switch t {
	case fix.MsgTypeLogout, fix.MsgTypeResendRequest, fix.MsgTypeTestRequest:
		return true
	}
	return false
}

// drain delivers queued messages that are now in sequence and re-requests
// any gap left once the outstanding resend range is covered.
func (s *Session) drain(res *inbound) {
	for !s.ended {
		next := s.seq.NextExpectedIn()
		p, ok := s.pending[next]
		if !ok {
			break
		}
		delete(s.pending, next)
		s.seq.ObserveIn(next)
		if !p.handled {
			s.handle(p.msg, res)
		}
		s.resendAt = s.clock.Now()
	}

	expected := s.seq.NextExpectedIn()
	for seq := range s.pending {
		if seq < expected {
			delete(s.pending, seq)
		}
	}

	if s.resendEnd != 0 && expected > s.resendEnd {
		s.resendEnd = 0
		if low, ok := s.lowestPending(); ok && !s.ended {
			s.requestResend(expected, low-1)
		}
	}
}

func (s *Session) lowestPending() (uint64, bool) {
	if len(s.pending) == 0 {
		return 0, false
	}
	seqs := make([]uint64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs[0], true
}

func (s *Session) requestResend(begin, end uint64) {
	s.resendEnd = end
	s.resendAt = s.clock.Now()
	s.logger.Info("requesting resend", zap.Uint64("begin_seq_no", begin), zap.Uint64("end_seq_no", end))
	if err := s.sendLocked(newResendRequest(begin, end)); err != nil {
		s.logger.Error("failed to send resend request", zap.Error(err))
	}
}

// handle applies one in-sequence message
func (s *Session) handle(m *fix.Message, res *inbound) {
	if !s.validate(m) {
		return
	}

	switch m.MsgType {
	case fix.MsgTypeHeartbeat:
	case fix.MsgTypeTestRequest:
		id, _ := m.Get(fix.TagTestReqID)
		if err := s.sendLocked(newHeartbeat(id)); err != nil {
			s.logger.Error("failed to answer test request", zap.Error(err))
		}
	case fix.MsgTypeResendRequest:
		begin, err1 := m.GetUint(fix.TagBeginSeqNo)
		end, err2 := m.GetUint(fix.TagEndSeqNo)
		if err := errors.Join(err1, err2); err != nil {
			s.sendReject(m, fix.SessionRejectReasonValueIncorrect, 0, err.Error())
			return
		}
		s.resend(begin, end)
	case fix.MsgTypeSequenceReset:
		s.onGapFill(m)
	case fix.MsgTypeReject:
		text, _ := m.Get(fix.TagText)
		ref, _ := m.Get(fix.TagRefSeqNum)
		s.logger.Warn("peer rejected message", zap.String("ref_seq_num", ref), zap.String("text", text))
	case fix.MsgTypeLogout:
		if s.state != StateLogoutPending {
			if err := s.sendLocked(newLogout("")); err != nil {
				s.logger.Error("failed to confirm logout", zap.Error(err))
			}
		}
		s.terminate(nil)
	case fix.MsgTypeLogon:
		s.logger.Warn("ignoring logon on active session")
	default:
		s.deliver(m, res)
	}
}

// onGapFill applies an in-sequence SequenceReset with GapFillFlag=Y
func (s *Session) onGapFill(m *fix.Message) {
	newSeq, err := m.GetUint(fix.TagNewSeqNo)
	if err != nil {
		s.sendReject(m, fix.SessionRejectReasonValueIncorrect, fix.TagNewSeqNo, "invalid NewSeqNo")
		return
	}
	if newSeq < s.seq.NextExpectedIn() {
		s.sendReject(m, fix.SessionRejectReasonValueIncorrect, fix.TagNewSeqNo, "attempt to lower sequence number")
		return
	}
	s.seq.AdvanceIn(newSeq)
}

// onSequenceReset applies Reset mode regardless of MsgSeqNum
func (s *Session) onSequenceReset(m *fix.Message, res *inbound) {
	if !s.validate(m) {
		return
	}
	newSeq, err := m.GetUint(fix.TagNewSeqNo)
	if err != nil || newSeq < s.seq.NextExpectedIn() {
		s.sendReject(m, fix.SessionRejectReasonValueIncorrect, fix.TagNewSeqNo, "attempt to lower sequence number")
		return
	}
	s.logger.Info("sequence reset", zap.Uint64("new_seq_no", newSeq))
	s.seq.AdvanceIn(newSeq)
	s.drain(res)
}

// validate checks required fields; on failure it answers with a Reject for
// admin messages or a BusinessMessageReject for application messages.
func (s *Session) validate(m *fix.Message) bool {
	err := fix.Validate(m)
	if err == nil {
		return true
	}
	var fe *fix.FieldError
	if !errors.As(err, &fe) {
		return false
	}
	text := fmt.Sprintf("Required tag missing: %d", fe.Tag)
	if m.MsgType.IsAdmin() {
		s.sendReject(m, fix.SessionRejectReasonRequiredTagMissing, fe.Tag, text)
	} else {
		refID, _ := m.Get(fix.TagClOrdID)
		s.sendBusinessReject(m, fix.BusinessRejectReasonOther, refID, text)
	}
	return false
}

func (s *Session) deliver(m *fix.Message, res *inbound) {
	if key, ok := dedupKey(m); ok {
		s.seen[key] = struct{}{}
	}
	res.deliver = append(res.deliver, m)
}

// dedupKey identifies business content: ClOrdID+ExecID for reports,
// ClOrdID+MsgType for requests.
func dedupKey(m *fix.Message) (string, bool) {
	clOrdID, ok := m.Get(fix.TagClOrdID)
	if !ok {
		return "", false
	}
	if execID, ok := m.Get(fix.TagExecID); ok {
		return clOrdID + "|" + execID, true
	}
	return clOrdID + "|" + string(m.MsgType), true
}
