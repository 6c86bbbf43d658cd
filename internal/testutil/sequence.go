package testutil

import (
	"fmt"
	"sync"
)

// Sequence is a resettable counter for numbering trace entries and fake
// identifiers.
//
// Thread-safety: all methods are safe for concurrent use.
type Sequence struct {
	mu  sync.Mutex
	seq uint64
}

// Next increments and returns the next value. The first call returns 1.
func (s *Sequence) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Current returns the last value handed out, or 0.
func (s *Sequence) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Reset restarts the sequence so the next call to Next returns 1.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
}

// FixedIDGenerator returns predictable identifiers: prefix-1, prefix-2, ...
//
// Used in place of UUIDv7 session and host ids so golden traces are
// byte-identical across runs.
type FixedIDGenerator struct {
	prefix string
	seq    Sequence
}

// NewFixedIDGenerator creates a generator. An empty prefix becomes "test".
func NewFixedIDGenerator(prefix string) *FixedIDGenerator {
	if prefix == "" {
		prefix = "test"
	}
	return &FixedIDGenerator{prefix: prefix}
}

// Generate returns the next identifier.
func (g *FixedIDGenerator) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.seq.Next())
}
