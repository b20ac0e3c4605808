package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// StoredMessage is an outbound message exactly as it was handed to the transport
type StoredMessage struct {
	SeqNum uint64
	Raw    []byte
}

// SeqNums are the persisted sequence counters of one session identity
type SeqNums struct {
	NextOut uint64
	NextIn  uint64
}

// MessageStore is the append-only outbound log of one session, used for
// resends. Durability is the backend's concern.
type MessageStore interface {
	// Append records raw under seq and advances the stored NextOut to seq+1
	Append(ctx context.Context, seq uint64, raw []byte) error
	// FetchRange returns stored messages with begin <= seq <= end in order.
	// end == 0 means no upper bound.
	FetchRange(ctx context.Context, begin, end uint64) ([]StoredMessage, error)
	SeqNums(ctx context.Context) (SeqNums, error)
	SaveSeqNums(ctx context.Context, seqs SeqNums) error
	// Reset drops all messages and resets counters to 1
	Reset(ctx context.Context) error
	// Close releases this handle. Data survives for the next Create of the same id.
	Close() error
}

// Factory hands out per-session stores
type Factory interface {
	Create(sessionID string) (MessageStore, error)
	Close() error
}

// ErrClosed is returned by operations on a released handle
var ErrClosed = errors.New("message store closed")

// Backend names accepted by Open
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Open creates a factory for the named backend rooted at dataDir
func Open(backend, dataDir string) (Factory, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryFactory(), nil
	case BackendSQLite:
		return OpenSQLite(filepath.Join(dataDir, "messages.db"))
	case BackendPebble:
		return OpenPebble(filepath.Join(dataDir, "messages.pebble"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func initialSeqNums() SeqNums {
	return SeqNums{NextOut: 1, NextIn: 1}
}
