package fix

import (
	"bytes"
	"fmt"
	"strconv"
)

// SOH is the field delimiter
const SOH byte = 0x01

// trailerLen is len("10=NNN\x01")
const trailerLen = 7

var reservedTags = map[Tag]bool{
	TagBeginString:     true,
	TagBodyLength:      true,
	TagCheckSum:        true,
	TagMsgType:         true,
	TagSenderCompID:    true,
	TagTargetCompID:    true,
	TagMsgSeqNum:       true,
	TagSendingTime:     true,
	TagPossDupFlag:     true,
	TagOrigSendingTime: true,
}

// Encode serializes a message: header fields in their fixed order, body
// fields in slice order, then the checksum trailer.
func Encode(m *Message) ([]byte, error) {
	if m.MsgType == "" {
		return nil, &DecodeError{Err: ErrMissingRequiredField, Tag: TagMsgType}
	}

	var body bytes.Buffer
	h := m.Header
	writeField(&body, TagMsgType, string(m.MsgType))
	writeField(&body, TagSenderCompID, h.SenderCompID)
	writeField(&body, TagTargetCompID, h.TargetCompID)
	writeField(&body, TagMsgSeqNum, strconv.FormatUint(h.MsgSeqNum, 10))
	writeField(&body, TagSendingTime, FormatTime(h.SendingTime))
	if h.PossDupFlag {
		writeField(&body, TagPossDupFlag, "Y")
	}
	if !h.OrigSendingTime.IsZero() {
		writeField(&body, TagOrigSendingTime, FormatTime(h.OrigSendingTime))
	}

	for _, f := range m.Body {
		if reservedTags[f.Tag] {
			return nil, &DecodeError{Err: ErrMalformed, Tag: f.Tag, Detail: "header tag in body"}
		}
		if f.Tag <= 0 || bytes.IndexByte([]byte(f.Value), SOH) >= 0 {
			return nil, &DecodeError{Err: ErrMalformed, Tag: f.Tag, Detail: "invalid field"}
		}
		writeField(&body, f.Tag, f.Value)
	}

	var out bytes.Buffer
	out.Grow(body.Len() + 32)
	writeField(&out, TagBeginString, BeginStringFIX44)
	writeField(&out, TagBodyLength, strconv.Itoa(body.Len()))
	out.Write(body.Bytes())
	fmt.Fprintf(&out, "10=%03d\x01", checksum(out.Bytes()))

	return out.Bytes(), nil
}

// Decode parses one complete frame. It has no side effects.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < trailerLen+1 || raw[len(raw)-1] != SOH {
		return nil, &DecodeError{Err: ErrMalformed, Detail: "frame too short or not SOH terminated"}
	}

	trailer := raw[len(raw)-trailerLen:]
	if !bytes.HasPrefix(trailer, []byte("10=")) || !isDigits(trailer[3:6]) {
		return nil, &DecodeError{Err: ErrMalformed, Tag: TagCheckSum, Detail: "missing checksum trailer"}
	}
	want, _ := strconv.Atoi(string(trailer[3:6]))
	payload := raw[:len(raw)-trailerLen]
	if got := checksum(payload); got != want {
		return nil, &DecodeError{
			Err:    ErrBadChecksum,
			Tag:    TagCheckSum,
			Detail: fmt.Sprintf("expected %03d, computed %03d", want, got),
		}
	}

	fields, offsets, err := splitFields(payload)
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 || fields[0].Tag != TagBeginString || fields[1].Tag != TagBodyLength {
		return nil, &DecodeError{Err: ErrMalformed, Detail: "frame must start with BeginString and BodyLength"}
	}
	if fields[0].Value != BeginStringFIX44 {
		return nil, &DecodeError{Err: ErrMalformed, Tag: TagBeginString, Detail: "unsupported version " + fields[0].Value}
	}

	declared, err := strconv.Atoi(fields[1].Value)
	if err != nil || declared < 0 {
		return nil, &DecodeError{Err: ErrBadLength, Tag: TagBodyLength, Detail: "unparseable value " + fields[1].Value}
	}
	bodyStart := len(payload)
	if len(fields) > 2 {
		bodyStart = offsets[2]
	}
	if actual := len(payload) - bodyStart; actual != declared {
		return nil, &DecodeError{
			Err:    ErrBadLength,
			Tag:    TagBodyLength,
			Detail: fmt.Sprintf("declared %d, observed %d", declared, actual),
		}
	}

	msg := &Message{}
	// BeginString and BodyLength are consumed and CheckSum is the trailer,
	// so any later occurrence is a repeat too
	seen := map[Tag]bool{TagBeginString: true, TagBodyLength: true, TagCheckSum: true}
	for _, f := range fields[2:] {
		if !reservedTags[f.Tag] {
			msg.Body = append(msg.Body, f)
			continue
		}
		if seen[f.Tag] {
			return nil, &DecodeError{Err: ErrMalformed, Tag: f.Tag, MsgType: msg.MsgType, Detail: "duplicate header tag"}
		}
		seen[f.Tag] = true

		switch f.Tag {
		case TagMsgType:
			msg.MsgType = MsgType(f.Value)
		case TagSenderCompID:
			msg.Header.SenderCompID = f.Value
		case TagTargetCompID:
			msg.Header.TargetCompID = f.Value
		case TagMsgSeqNum:
			n, err := strconv.ParseUint(f.Value, 10, 64)
			if err != nil {
				return nil, &DecodeError{Err: ErrMalformed, Tag: f.Tag, MsgType: msg.MsgType, Detail: "bad MsgSeqNum " + f.Value}
			}
			msg.Header.MsgSeqNum = n
		case TagSendingTime:
			t, err := ParseTime(f.Value)
			if err != nil {
				return nil, &DecodeError{Err: ErrMalformed, Tag: f.Tag, MsgType: msg.MsgType, Detail: "bad SendingTime " + f.Value}
			}
			msg.Header.SendingTime = t
		case TagOrigSendingTime:
			t, err := ParseTime(f.Value)
			if err != nil {
				return nil, &DecodeError{Err: ErrMalformed, Tag: f.Tag, MsgType: msg.MsgType, Detail: "bad OrigSendingTime " + f.Value}
			}
			msg.Header.OrigSendingTime = t
		case TagPossDupFlag:
			msg.Header.PossDupFlag = f.Value == "Y"
		default:
			return nil, &DecodeError{Err: ErrMalformed, Tag: f.Tag, Detail: "unexpected header tag"}
		}
	}

	if msg.MsgType == "" {
		return nil, &DecodeError{Err: ErrMissingRequiredField, Tag: TagMsgType, MsgSeqNum: msg.Header.MsgSeqNum}
	}
	if !msg.MsgType.Supported() {
		return nil, &DecodeError{Err: ErrUnknownMsgType, Tag: TagMsgType, MsgType: msg.MsgType, MsgSeqNum: msg.Header.MsgSeqNum}
	}
	for _, tag := range []Tag{TagSenderCompID, TagTargetCompID, TagMsgSeqNum} {
		if !seen[tag] || (tag != TagMsgSeqNum && fieldEmpty(msg, tag)) {
			return nil, &DecodeError{Err: ErrMissingRequiredField, Tag: tag, MsgType: msg.MsgType, MsgSeqNum: msg.Header.MsgSeqNum}
		}
	}

	return msg, nil
}

func fieldEmpty(m *Message, tag Tag) bool {
	switch tag {
	case TagSenderCompID:
		return m.Header.SenderCompID == ""
	case TagTargetCompID:
		return m.Header.TargetCompID == ""
	}
	return false
}

// splitFields cuts an SOH-terminated payload into fields, returning the byte
// offset at which each field starts.
func splitFields(payload []byte) ([]Field, []int, error) {
	var fields []Field
	var offsets []int
	pos := 0
	for pos < len(payload) {
		end := bytes.IndexByte(payload[pos:], SOH)
		if end < 0 {
			return nil, nil, &DecodeError{Err: ErrMalformed, Detail: fmt.Sprintf("unterminated field at offset %d", pos)}
		}
		raw := payload[pos : pos+end]
		eq := bytes.IndexByte(raw, '=')
		if eq <= 0 || !isDigits(raw[:eq]) {
			return nil, nil, &DecodeError{Err: ErrMalformed, Detail: fmt.Sprintf("bad field %q at offset %d", raw, pos)}
		}
		tag, err := strconv.Atoi(string(raw[:eq]))
		if err != nil || tag <= 0 {
			return nil, nil, &DecodeError{Err: ErrMalformed, Detail: fmt.Sprintf("bad tag %q", raw[:eq])}
		}
		fields = append(fields, Field{Tag: Tag(tag), Value: string(raw[eq+1:])})
		offsets = append(offsets, pos)
		pos += end + 1
	}
	return fields, offsets, nil
}

func writeField(buf *bytes.Buffer, tag Tag, value string) {
	buf.WriteString(strconv.Itoa(int(tag)))
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte(SOH)
}

func checksum(b []byte) int {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

func isDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
