package action

import "sync/atomic"

// Clock is a monotonic logical sequence for queued operations.
//
// Every operation is stamped at enqueue time. The sequence gives sorts a
// stable tie-break and the executed-mutation log a deterministic order;
// wall-clock time is never used for ordering.
//
// Thread-safety: atomic, though the owning queue is single-flow anyway.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
