package fix

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxFrameSize bounds a single frame so a peer that never sends a trailer
// cannot grow the buffer without limit.
const MaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned when no checksum trailer arrives within MaxFrameSize bytes
var ErrFrameTooLarge = errors.New("fix: frame exceeds maximum size")

// FrameReader splits a byte stream into raw frames. It does not trust
// BodyLength: a frame runs from a BeginString field up to and including the
// first CheckSum field, so Decode can still report BadLength.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadFrame blocks until a full frame is available. Bytes preceding a
// BeginString field are discarded. The returned slice is owned by the caller.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		field, err := fr.readField()
		if err != nil {
			return nil, err
		}

		if len(frame) == 0 {
			if !bytes.HasPrefix(field, []byte("8=")) {
				continue
			}
		} else if bytes.HasPrefix(field, []byte("8=")) {
			// a new frame started before the previous one finished
			frame = frame[:0]
		}

		frame = append(frame, field...)
		if len(frame) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if bytes.HasPrefix(field, []byte("10=")) {
			return frame, nil
		}
	}
}

func (fr *FrameReader) readField() ([]byte, error) {
	var field []byte
	for {
		chunk, err := fr.r.ReadSlice(SOH)
		field = append(field, chunk...)
		if err == nil {
			return field, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(field) > MaxFrameSize {
				return nil, ErrFrameTooLarge
			}
			continue
		}
		return nil, err
	}
}
