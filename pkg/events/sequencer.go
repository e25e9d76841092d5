package events

import "sync/atomic"

// Sequencer hands out the strictly increasing per-run sequence numbers
// stamped on every sealed event, starting at 0.
type Sequencer struct {
	n atomic.Int64
}

// NewSequencer returns a sequencer whose first Next is 0.
func NewSequencer() *Sequencer {
	s := &Sequencer{}
	s.n.Store(-1)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() int64 {
	return s.n.Add(1)
}

// Current returns the most recently issued number, -1 before the first.
func (s *Sequencer) Current() int64 {
	return s.n.Load()
}
