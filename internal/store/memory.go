package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryFactory keeps every session's log in process memory
type MemoryFactory struct {
	mu     sync.Mutex
	stores map[string]*memoryData
}

type memoryData struct {
	mu       sync.RWMutex
	messages map[uint64][]byte
	seqs     SeqNums
}

// NewMemoryFactory creates an empty in-memory factory
func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{stores: make(map[string]*memoryData)}
}

// Create returns a handle onto the session's log, creating it on first use
func (f *MemoryFactory) Create(sessionID string) (MessageStore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.stores[sessionID]
	if !ok {
		data = &memoryData{messages: make(map[uint64][]byte), seqs: initialSeqNums()}
		f.stores[sessionID] = data
	}
	return &memoryStore{data: data}, nil
}

// Close is a no-op; memory stores live as long as the factory
func (f *MemoryFactory) Close() error {
	return nil
}

type memoryStore struct {
	data   *memoryData
	mu     sync.Mutex
	closed bool
}

func (s *memoryStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *memoryStore) Append(_ context.Context, seq uint64, raw []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	d := s.data
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages[seq] = append([]byte(nil), raw...)
	if seq+1 > d.seqs.NextOut {
		d.seqs.NextOut = seq + 1
	}
	return nil
}

func (s *memoryStore) FetchRange(_ context.Context, begin, end uint64) ([]StoredMessage, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	d := s.data
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []StoredMessage
	for seq, raw := range d.messages {
		if seq >= begin && (end == 0 || seq <= end) {
			out = append(out, StoredMessage{SeqNum: seq, Raw: append([]byte(nil), raw...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNum < out[j].SeqNum })
	return out, nil
}

func (s *memoryStore) SeqNums(_ context.Context) (SeqNums, error) {
	if s.isClosed() {
		return SeqNums{}, ErrClosed
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	return s.data.seqs, nil
}

func (s *memoryStore) SaveSeqNums(_ context.Context, seqs SeqNums) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	s.data.seqs = seqs
	return nil
}

func (s *memoryStore) Reset(_ context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	s.data.messages = make(map[uint64][]byte)
	s.data.seqs = initialSeqNums()
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
