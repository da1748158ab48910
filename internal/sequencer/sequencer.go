package sequencer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	nodeBits     = 10
	sequenceBits = 12

	maxNode     = 1<<nodeBits - 1
	maxSequence = 1<<sequenceBits - 1

	timeShift = nodeBits + sequenceBits
	nodeShift = sequenceBits
)

// Epoch is the zero point of the timestamp component (2024-01-01T00:00:00Z).
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Sequencer hands out unique, time-ordered int64 order ids.
//
// Layout: 41 bits of milliseconds since Epoch, 10 bits of node id, 12 bits of
// per-millisecond sequence. Ids issued by one Sequencer are strictly increasing.
type Sequencer struct {
	mu       sync.Mutex
	node     int64
	lastMs   int64
	sequence int64

	issued atomic.Uint64
	now    func() time.Time
}

// NewSequencer creates a sequencer for the given node id (0..1023).
func NewSequencer(node int64) (*Sequencer, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("sequencer node %d out of range [0,%d]", node, maxNode)
	}
	return &Sequencer{node: node, now: time.Now}, nil
}

// NextID returns the next id. If more than 4096 ids are requested within one
// millisecond it waits for the clock to advance.
func (s *Sequencer) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now().Sub(Epoch).Milliseconds()
	if ms < s.lastMs {
		// Clock moved backwards; keep ordering by staying on the last tick.
		ms = s.lastMs
	}

	if ms == s.lastMs {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			for ms <= s.lastMs {
				time.Sleep(100 * time.Microsecond)
				ms = s.now().Sub(Epoch).Milliseconds()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = ms

	s.issued.Add(1)
	return ms<<timeShift | s.node<<nodeShift | s.sequence
}

// Issued returns how many ids were handed out.
func (s *Sequencer) Issued() uint64 {
	return s.issued.Load()
}

// timestamp extracts the creation time encoded in id.
func timestamp(id int64) time.Time {
	return Epoch.Add(time.Duration(id>>timeShift) * time.Millisecond)
}
