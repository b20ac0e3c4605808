package session

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ismaiel54/fix-order-gateway/internal/fix"
)

func (s *Session) newLogon() *fix.Message {
	return fix.NewMessage(fix.MsgTypeLogon).
		SetInt(fix.TagEncryptMethod, 0).
		SetInt(fix.TagHeartBtInt, int(s.heartBtInt/time.Second))
}

func newLogout(text string) *fix.Message {
	m := fix.NewMessage(fix.MsgTypeLogout)
	if text != "" {
		m.Set(fix.TagText, text)
	}
	return m
}

func newHeartbeat(testReqID string) *fix.Message {
	m := fix.NewMessage(fix.MsgTypeHeartbeat)
	if testReqID != "" {
		m.Set(fix.TagTestReqID, testReqID)
	}
	return m
}

func newTestRequest(id string) *fix.Message {
	return fix.NewMessage(fix.MsgTypeTestRequest).Set(fix.TagTestReqID, id)
}

func newResendRequest(begin, end uint64) *fix.Message {
	return fix.NewMessage(fix.MsgTypeResendRequest).
		SetUint(fix.TagBeginSeqNo, begin).
		SetUint(fix.TagEndSeqNo, end)
}

func (s *Session) sendReject(ref *fix.Message, reason string, tag fix.Tag, text string) {
	rej := fix.NewMessage(fix.MsgTypeReject).
		SetUint(fix.TagRefSeqNum, ref.Header.MsgSeqNum).
		Set(fix.TagRefMsgType, string(ref.MsgType)).
		Set(fix.TagSessionRejectReason, reason)
	if tag != 0 {
		rej.SetInt(fix.TagRefTagID, int(tag))
	}
	if text != "" {
		rej.Set(fix.TagText, text)
	}
	if err := s.sendLocked(rej); err != nil {
		s.logger.Error("failed to send reject", zap.Error(err))
	}
}

func (s *Session) sendBusinessReject(ref *fix.Message, reason, refID, text string) {
	rej := fix.NewMessage(fix.MsgTypeBusinessMessageReject).
		SetUint(fix.TagRefSeqNum, ref.Header.MsgSeqNum).
		Set(fix.TagRefMsgType, string(ref.MsgType))
	if refID != "" {
		rej.Set(fix.TagBusinessRejectRefID, refID)
	}
	rej.Set(fix.TagBusinessRejectReason, reason).Set(fix.TagText, text)

	s.logger.Info("business message reject",
		zap.String("ref_msg_type", string(ref.MsgType)),
		zap.Uint64("ref_seq_num", ref.Header.MsgSeqNum),
		zap.String("text", text),
	)
	if err := s.sendLocked(rej); err != nil {
		s.logger.Error("failed to send business reject", zap.Error(err))
	}
}

// resend answers a ResendRequest. Stored application messages go out again
// unchanged apart from PossDupFlag; admin messages and missing slots are
// covered by SequenceReset-GapFill. Nothing here is stored again.
func (s *Session) resend(begin, end uint64) {
	last := s.seq.PeekOut() - 1
	if begin == 0 {
		begin = 1
	}
	if end == 0 || end > last {
		end = last
	}
	if begin > end {
		s.logger.Warn("resend request beyond last sent message",
			zap.Uint64("begin_seq_no", begin), zap.Uint64("last_seq_num", last))
		return
	}
	s.logger.Info("resending messages", zap.Uint64("begin_seq_no", begin), zap.Uint64("end_seq_no", end))

	stored, err := s.store.FetchRange(context.Background(), begin, end)
	if err != nil {
		s.logger.Error("failed to fetch stored messages, gap filling", zap.Error(err))
		stored = nil
	}

	next := begin
	for _, sm := range stored {
		orig, err := fix.Decode(sm.Raw)
		if err != nil {
			s.logger.Error("stored message is corrupt", zap.Uint64("msg_seq_num", sm.SeqNum), zap.Error(err))
			continue
		}
		if orig.MsgType.IsAdmin() {
			continue
		}
		if next < sm.SeqNum {
			if !s.sendGapFill(next, sm.SeqNum) {
				return
			}
		}
		orig.Header.PossDupFlag = true
		raw, err := fix.Encode(orig)
		if err != nil {
			s.logger.Error("failed to re-encode stored message", zap.Uint64("msg_seq_num", sm.SeqNum), zap.Error(err))
			continue
		}
		if err := s.write(raw); err != nil {
			return
		}
		next = sm.SeqNum + 1
	}
	if next <= end {
		s.sendGapFill(next, end+1)
	}
}

func (s *Session) sendGapFill(seq, newSeq uint64) bool {
	m := fix.NewMessage(fix.MsgTypeSequenceReset).
		SetBool(fix.TagGapFillFlag, true).
		SetUint(fix.TagNewSeqNo, newSeq)
	s.stamp(m, seq)
	m.Header.PossDupFlag = true

	raw, err := fix.Encode(m)
	if err != nil {
		s.logger.Error("failed to encode gap fill", zap.Error(err))
		return false
	}
	return s.write(raw) == nil
}

// Tick is the watchdog step. It sends heartbeats and test requests and
// enforces the logon, logout and heartbeat timeouts.
func (s *Session) Tick(now time.Time) {
	s.abortStuckWrite(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil || s.ended {
		return
	}

	switch s.state {
	case StateLogonPending:
		if now.Sub(s.stateSince) >= s.settings.LogonTimeout {
			s.terminate(ErrLogonTimeout)
		}
	case StateLogoutPending:
		if now.Sub(s.stateSince) >= s.settings.LogoutTimeout {
			s.logger.Warn("no logout reply, closing")
			s.terminate(nil)
		}
	case StateActive:
		s.checkResend(now)
		s.checkHeartbeat(now)
	}
}

// abortStuckWrite closes the transport under a write that has outlived its
// deadline. The failed write then ends the session and releases mu.
func (s *Session) abortStuckWrite(now time.Time) {
	s.wmu.Lock()
	t := s.writing
	stuck := t != nil && !now.Before(s.writeDeadline)
	s.wmu.Unlock()

	if stuck {
		s.logger.Warn("transport write blocked past deadline, closing")
		if err := t.Close(); err != nil {
			s.logger.Debug("transport close failed", zap.Error(err))
		}
	}
}

// checkResend repeats an outstanding ResendRequest that has made no
// progress for a heartbeat interval; the resent messages may have been lost.
func (s *Session) checkResend(now time.Time) {
	if s.resendEnd == 0 || now.Sub(s.resendAt) < s.heartBtInt {
		return
	}
	s.logger.Warn("resend request stalled, requesting again",
		zap.Uint64("expected", s.seq.NextExpectedIn()),
		zap.Uint64("end_seq_no", s.resendEnd),
	)
	s.requestResend(s.seq.NextExpectedIn(), s.resendEnd)
}

func (s *Session) checkHeartbeat(now time.Time) {
	hb := s.heartBtInt

	if !s.testReqSentAt.IsZero() {
		if now.Sub(s.testReqSentAt) >= hb {
			s.terminate(ErrHeartbeatTimeout)
			return
		}
	} else if now.Sub(s.lastReceived) >= hb*6/5 {
		s.testReqCounter++
		id := "TEST-" + strconv.FormatUint(s.testReqCounter, 10)
		if err := s.sendLocked(newTestRequest(id)); err != nil {
			s.logger.Error("failed to send test request", zap.Error(err))
			return
		}
		s.testReqSentAt = now
		s.logger.Warn("no inbound traffic, sent test request", zap.String("test_req_id", id))
		return
	}

	if now.Sub(s.lastSent) >= hb {
		if err := s.sendLocked(newHeartbeat("")); err != nil {
			s.logger.Error("failed to send heartbeat", zap.Error(err))
		}
	}
}
