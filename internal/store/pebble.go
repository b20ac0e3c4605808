package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleFactory keeps all sessions' logs in one pebble database.
// keys: m:<session>\x00<8-byte seq>, s:<session>
type PebbleFactory struct {
	db *pebble.DB
}

// OpenPebble creates or opens the pebble directory at path
func OpenPebble(path string) (*PebbleFactory, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}
	return &PebbleFactory{db: db}, nil
}

// Create returns a handle scoped to sessionID
func (f *PebbleFactory) Create(sessionID string) (MessageStore, error) {
	return &pebbleStore{db: f.db, sessionID: sessionID}, nil
}

// Close closes the pebble database
func (f *PebbleFactory) Close() error {
	return f.db.Close()
}

func msgPrefix(sessionID string) []byte {
	p := append([]byte("m:"), sessionID...)
	return append(p, 0)
}

func msgKey(sessionID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(msgPrefix(sessionID), seq)
}

func seqKey(sessionID string) []byte {
	return append([]byte("s:"), sessionID...)
}

func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeSeqNums(s SeqNums) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], s.NextOut)
	binary.BigEndian.PutUint64(buf[8:], s.NextIn)
	return buf
}

func decodeSeqNums(buf []byte) (SeqNums, error) {
	if len(buf) != 16 {
		return SeqNums{}, fmt.Errorf("corrupt seqnums record: %d bytes", len(buf))
	}
	return SeqNums{
		NextOut: binary.BigEndian.Uint64(buf[:8]),
		NextIn:  binary.BigEndian.Uint64(buf[8:]),
	}, nil
}

type pebbleStore struct {
	db        *pebble.DB
	sessionID string

	// serializes the read-modify-write of the seqnums record
	mu     sync.Mutex
	closed bool
}

func (s *pebbleStore) loadSeqNums() (SeqNums, error) {
	val, closer, err := s.db.Get(seqKey(s.sessionID))
	if errors.Is(err, pebble.ErrNotFound) {
		return initialSeqNums(), nil
	}
	if err != nil {
		return SeqNums{}, fmt.Errorf("failed to get seqnums: %w", err)
	}
	defer closer.Close()
	return decodeSeqNums(val)
}

func (s *pebbleStore) Append(_ context.Context, seq uint64, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	seqs, err := s.loadSeqNums()
	if err != nil {
		return err
	}
	if seq+1 > seqs.NextOut {
		seqs.NextOut = seq + 1
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(s.sessionID, seq), raw, nil); err != nil {
		return fmt.Errorf("failed to stage message: %w", err)
	}
	if err := b.Set(seqKey(s.sessionID), encodeSeqNums(seqs), nil); err != nil {
		return fmt.Errorf("failed to stage seqnums: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

func (s *pebbleStore) FetchRange(_ context.Context, begin, end uint64) ([]StoredMessage, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	prefix := msgPrefix(s.sessionID)
	opts := &pebble.IterOptions{
		LowerBound: msgKey(s.sessionID, begin),
		UpperBound: keyUpperBound(prefix),
	}
	if end != 0 && end != ^uint64(0) {
		opts.UpperBound = msgKey(s.sessionID, end+1)
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []StoredMessage
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		seq := binary.BigEndian.Uint64(key[len(prefix):])
		out = append(out, StoredMessage{SeqNum: seq, Raw: append([]byte(nil), iter.Value()...)})
	}
	return out, iter.Error()
}

func (s *pebbleStore) SeqNums(_ context.Context) (SeqNums, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SeqNums{}, ErrClosed
	}
	return s.loadSeqNums()
}

func (s *pebbleStore) SaveSeqNums(_ context.Context, seqs SeqNums) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.db.Set(seqKey(s.sessionID), encodeSeqNums(seqs), pebble.Sync); err != nil {
		return fmt.Errorf("failed to save seqnums: %w", err)
	}
	return nil
}

func (s *pebbleStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	prefix := msgPrefix(s.sessionID)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("failed to stage delete: %w", err)
	}
	if err := b.Set(seqKey(s.sessionID), encodeSeqNums(initialSeqNums()), nil); err != nil {
		return fmt.Errorf("failed to stage seqnums: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

func (s *pebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
