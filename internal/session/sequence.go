package session

import "fmt"

// Outcome classifies an inbound sequence number against the expected one
type Outcome int

const (
	InOrder Outcome = iota
	Gap
	PossibleDuplicate
)

func (o Outcome) String() string {
	switch o {
	case InOrder:
		return "in_order"
	case Gap:
		return "gap"
	case PossibleDuplicate:
		return "possible_duplicate"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Observation is the result of ObserveIn. For a Gap the missing range is
// [Expected, Received-1].
type Observation struct {
	Outcome  Outcome
	Expected uint64
	Received uint64
}

// SequenceTracker keeps the next inbound and outbound sequence numbers of
// one session identity. It is not safe for concurrent use; Session guards it.
type SequenceTracker struct {
	nextIn  uint64
	nextOut uint64
}

// NewSequenceTracker starts a tracker; zero values are treated as 1
func NewSequenceTracker(nextOut, nextIn uint64) *SequenceTracker {
	if nextOut == 0 {
		nextOut = 1
	}
	if nextIn == 0 {
		nextIn = 1
	}
	return &SequenceTracker{nextIn: nextIn, nextOut: nextOut}
}

// NextExpectedIn returns the sequence number the next inbound message must carry
func (t *SequenceTracker) NextExpectedIn() uint64 {
	return t.nextIn
}

// ObserveIn classifies seq and advances the expected number only when it matches
func (t *SequenceTracker) ObserveIn(seq uint64) Observation {
	obs := Observation{Expected: t.nextIn, Received: seq}
	switch {
	case seq == t.nextIn:
		obs.Outcome = InOrder
		t.nextIn++
	case seq > t.nextIn:
		obs.Outcome = Gap
	default:
		obs.Outcome = PossibleDuplicate
	}
	return obs
}

// NextOut allocates the next outbound sequence number
func (t *SequenceTracker) NextOut() uint64 {
	seq := t.nextOut
	t.nextOut++
	return seq
}

// PeekOut returns the number NextOut would allocate
func (t *SequenceTracker) PeekOut() uint64 {
	return t.nextOut
}

// AdvanceIn moves the expected inbound number forward, as a SequenceReset
// does. It never moves backwards.
func (t *SequenceTracker) AdvanceIn(next uint64) bool {
	if next <= t.nextIn {
		return false
	}
	t.nextIn = next
	return true
}

// Reset starts both directions over at 1, as a Logon with ResetSeqNumFlag does
func (t *SequenceTracker) Reset() {
	t.nextIn = 1
	t.nextOut = 1
}

// Restore raises both counters to at least the given values
func (t *SequenceTracker) Restore(nextOut, nextIn uint64) {
	if nextOut > t.nextOut {
		t.nextOut = nextOut
	}
	if nextIn > t.nextIn {
		t.nextIn = nextIn
	}
}
