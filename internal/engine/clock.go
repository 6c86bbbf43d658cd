package engine

import "sync/atomic"

// Clock hands out runner ids in submission order: 0, 1, 2, ...
//
// Ids are unique for the session and never reused. Thread-safety: Submit
// numbers transitions on the caller's goroutine, so Next is atomic.
type Clock struct {
	next atomic.Uint64
}

// NewClock creates a clock whose first id is 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next id.
func (c *Clock) Next() uint64 {
	return c.next.Add(1) - 1
}

// Issued returns how many ids have been handed out.
func (c *Clock) Issued() uint64 {
	return c.next.Load()
}
