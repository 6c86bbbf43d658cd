// Package testutil provides deterministic fakes shared by package tests and
// the scenario harness.
package testutil

import (
	"errors"
	"sync"

	"github.com/roach88/lofi/internal/wire"
)

// ErrSendFailed is returned by a FakeSender that has been told to fail.
var ErrSendFailed = errors.New("fake sender: send failed")

// FakeSender records every message sent through it.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeSender struct {
	mu   sync.Mutex
	sent []wire.Message
	fail bool
}

// NewFakeSender creates a sender that accepts every message.
func NewFakeSender() *FakeSender {
	return &FakeSender{}
}

// Send implements wire.Sender.
func (s *FakeSender) Send(m wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrSendFailed
	}
	s.sent = append(s.sent, m)
	return nil
}

// FailSends makes subsequent sends fail (true) or succeed (false).
func (s *FakeSender) FailSends(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// Sent returns a copy of the messages sent so far.
func (s *FakeSender) Sent() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Message, len(s.sent))
	copy(out, s.sent)
	return out
}

// Transitions returns the transition messages sent so far.
func (s *FakeSender) Transitions() []wire.Transition {
	var out []wire.Transition
	for _, m := range s.Sent() {
		if tr, ok := m.(wire.Transition); ok {
			out = append(out, tr)
		}
	}
	return out
}

// Reset forgets every recorded message.
func (s *FakeSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}
