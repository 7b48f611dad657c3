package database

import (
	"sync"
	"time"
)

// defaultEpoch is 2024-01-01T00:00:00Z in milliseconds
const defaultEpoch int64 = 1704067200000

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// Snowflake generates time-ordered 64-bit message IDs.
// Layout: 41 bits of milliseconds since epoch | 10 bits worker | 12 bits sequence.
// IDs from one generator are strictly increasing, so they double as an
// insertion-order tiebreaker for messages sharing a created_at millisecond.
type Snowflake struct {
	mu       sync.Mutex
	epoch    int64
	workerID int64
	lastMs   int64
	sequence int64
}

// NewSnowflake creates a generator; out-of-range worker IDs fall back to 0
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID returns the next unique ID
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.lastMs {
		// Clock went backwards: keep issuing from the last timestamp
		now = s.lastMs
	}

	if now == s.lastMs {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			for now <= s.lastMs {
				time.Sleep(100 * time.Microsecond)
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = now

	return ((now - s.epoch) << timestampShift) | (s.workerID << workerIDShift) | s.sequence
}
