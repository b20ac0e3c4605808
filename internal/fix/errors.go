package fix

import (
	"errors"
	"fmt"
)

// Decode failure kinds. A *DecodeError unwraps to exactly one of these.
var (
	ErrBadChecksum          = errors.New("bad checksum")
	ErrBadLength            = errors.New("bad body length")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnknownMsgType       = errors.New("unknown message type")
	ErrMalformed            = errors.New("malformed message")
)

// Field access failures
var (
	ErrFieldNotFound  = errors.New("field not found")
	ErrIncorrectValue = errors.New("incorrect field value")
)

// DecodeError describes why a frame could not be turned into a Message.
// MsgType and MsgSeqNum are filled in when they could be read, so the
// session can reference the offending message in a Reject.
type DecodeError struct {
	Err       error
	Tag       Tag
	MsgType   MsgType
	MsgSeqNum uint64
	Detail    string
}

func (e *DecodeError) Error() string {
	msg := "fix: " + e.Err.Error()
	if e.Tag != 0 {
		msg += fmt.Sprintf(" (tag %d)", e.Tag)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FieldError reports a missing or unparseable field
type FieldError struct {
	Tag Tag
	Err error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("tag %d: %v", e.Tag, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
