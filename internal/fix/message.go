package fix

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the UTCTimestamp format with millisecond precision
const TimestampLayout = "20060102-15:04:05.000"

// Field is a single tag=value pair
type Field struct {
	Tag   Tag
	Value string
}

// Header holds the standard header fields every session message carries.
// BeginString and BodyLength are derived during encoding and never stored.
type Header struct {
	SenderCompID    string
	TargetCompID    string
	MsgSeqNum       uint64
	SendingTime     time.Time
	PossDupFlag     bool
	OrigSendingTime time.Time
}

// Message is a decoded or to-be-encoded FIX message. Body fields keep wire order.
type Message struct {
	MsgType MsgType
	Header  Header
	Body    []Field
}

// NewMessage creates an empty message of the given type
func NewMessage(msgType MsgType) *Message {
	return &Message{MsgType: msgType}
}

// Set replaces the value of tag, appending it if absent
func (m *Message) Set(tag Tag, value string) *Message {
	for i := range m.Body {
		if m.Body[i].Tag == tag {
			m.Body[i].Value = value
			return m
		}
	}
	m.Body = append(m.Body, Field{Tag: tag, Value: value})
	return m
}

// SetUint sets an unsigned integer field
func (m *Message) SetUint(tag Tag, v uint64) *Message {
	return m.Set(tag, strconv.FormatUint(v, 10))
}

// SetInt sets a signed integer field
func (m *Message) SetInt(tag Tag, v int) *Message {
	return m.Set(tag, strconv.Itoa(v))
}

// SetDecimal sets a price or quantity field
func (m *Message) SetDecimal(tag Tag, d decimal.Decimal) *Message {
	return m.Set(tag, d.String())
}

// SetTime sets a UTCTimestamp field
func (m *Message) SetTime(tag Tag, t time.Time) *Message {
	return m.Set(tag, FormatTime(t))
}

// SetBool sets a Y/N field
func (m *Message) SetBool(tag Tag, b bool) *Message {
	if b {
		return m.Set(tag, "Y")
	}
	return m.Set(tag, "N")
}

// Get returns the value of a body field
func (m *Message) Get(tag Tag) (string, bool) {
	for _, f := range m.Body {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// Has reports whether a body field is present with a non-empty value
func (m *Message) Has(tag Tag) bool {
	v, ok := m.Get(tag)
	return ok && v != ""
}

// GetString returns the value of tag or an error if it is absent
func (m *Message) GetString(tag Tag) (string, error) {
	v, ok := m.Get(tag)
	if !ok || v == "" {
		return "", &FieldError{Tag: tag, Err: ErrFieldNotFound}
	}
	return v, nil
}

// GetUint parses an unsigned integer field
func (m *Message) GetUint(tag Tag) (uint64, error) {
	v, err := m.GetString(tag)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, &FieldError{Tag: tag, Err: ErrIncorrectValue}
	}
	return n, nil
}

// GetInt parses a signed integer field
func (m *Message) GetInt(tag Tag) (int, error) {
	v, err := m.GetString(tag)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &FieldError{Tag: tag, Err: ErrIncorrectValue}
	}
	return n, nil
}

// GetDecimal parses a price or quantity field
func (m *Message) GetDecimal(tag Tag) (decimal.Decimal, error) {
	v, err := m.GetString(tag)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, &FieldError{Tag: tag, Err: ErrIncorrectValue}
	}
	return d, nil
}

// GetBool parses a Y/N field; absent means false
func (m *Message) GetBool(tag Tag) bool {
	v, _ := m.Get(tag)
	return v == "Y"
}

// Clone returns a deep copy so the original stays immutable once encoded
func (m *Message) Clone() *Message {
	out := *m
	out.Body = append([]Field(nil), m.Body...)
	return &out
}

func (m *Message) String() string {
	return fmt.Sprintf("%s seq=%d %s->%s fields=%d",
		m.MsgType, m.Header.MsgSeqNum, m.Header.SenderCompID, m.Header.TargetCompID, len(m.Body))
}

// FormatTime renders a UTCTimestamp
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTime parses a UTCTimestamp with or without milliseconds
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse("20060102-15:04:05", s)
}
