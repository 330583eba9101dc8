package trace

import "sync/atomic"

// Clock is the monotonic logical clock that stamps trace steps.
//
// Steps are ordered by seq, never by wall-clock time, so replaying an
// evaluation yields the same seq values.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
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
