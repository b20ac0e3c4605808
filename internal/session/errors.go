package session

import (
	"errors"
	"fmt"
)

// Reasons a Run ends with an error. A clean logout ends with nil.
var (
	ErrHandshake        = errors.New("logon handshake failed")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrLogonTimeout     = errors.New("logon timeout")
	ErrSeqTooLow        = errors.New("msg seq num too low")
	ErrCompIDMismatch   = errors.New("comp id mismatch")
	ErrNotActive        = errors.New("session not active")
	ErrAlreadyRunning   = errors.New("session already attached to a transport")
)

// TransportError wraps a read or write failure on the attached transport
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BusinessRejectError is returned by Application.FromApp to have the
// session answer the message with a BusinessMessageReject.
type BusinessRejectError struct {
	Reason string
	RefID  string
	Text   string
}

func (e *BusinessRejectError) Error() string {
	return fmt.Sprintf("business reject (reason %s): %s", e.Reason, e.Text)
}
