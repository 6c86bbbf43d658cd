package hosting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/lofi/internal/engine"
)

// ErrNotHeld is returned by Release for a key with no live session.
var ErrNotHeld = errors.New("hosting: key not held")

// ErrRegistryClosed is returned by Acquire after Close.
var ErrRegistryClosed = errors.New("hosting: registry closed")

// Factory builds the engine and configuration for key. The registry
// initializes and runs the engine it returns.
type Factory func(key string) (*engine.Engine, engine.Config, error)

// Session is one running engine shared by every holder of its key.
type Session struct {
	Key    string
	Engine *engine.Engine
	Hub    *Hub

	refs    int
	unwatch func()
	cancel  context.CancelFunc
	done    chan struct{}
}

// Registry hands out one engine per key and closes it exactly when the last
// holder releases it.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates a registry that builds engines with factory. A nil
// logger uses slog.Default().
func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{factory: factory, logger: logger, sessions: make(map[string]*Session)}
}

// Acquire returns the session for key, starting it on first use, and takes
// one reference. ctx bounds the engine's lifetime in addition to Release.
func (r *Registry) Acquire(ctx context.Context, key string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[key]; ok {
		s.refs++
		return s, nil
	}

	e, cfg, err := r.factory(key)
	if err != nil {
		return nil, fmt.Errorf("build engine %q: %w", key, err)
	}
	if err := e.Initialize(cfg); err != nil {
		return nil, fmt.Errorf("initialize engine %q: %w", key, err)
	}

	s := &Session{
		Key:    key,
		Engine: e,
		Hub:    NewHub(r.logger.With("key", key)),
		refs:   1,
		done:   make(chan struct{}),
	}
	s.unwatch = e.Watch(s.Hub)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		if err := e.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("engine stopped", "key", key, "error", err)
		}
	}()

	r.sessions[key] = s
	r.logger.Info("engine started", "key", key, "session", e.Session())
	return s, nil
}

// Release drops one reference to key. The engine is stopped, and Release
// waits for it, when the count reaches zero. Returns whether it was evicted.
func (r *Registry) Release(key string) (bool, error) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrNotHeld, key)
	}
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.sessions, key)
	r.mu.Unlock()

	r.stop(s)
	return true, nil
}

// Refs returns the reference count for key, or 0 when it is not held.
func (r *Registry) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s.refs
	}
	return 0
}

// Keys returns the held keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.sessions))
}

// Close stops every session regardless of references.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, key := range slices.Sorted(maps.Keys(sessions)) {
		r.stop(sessions[key])
	}
}

func (r *Registry) stop(s *Session) {
	s.unwatch()
	s.Engine.Stop()
	s.cancel()
	<-s.done
	r.logger.Info("engine evicted", "key", s.Key)
}
