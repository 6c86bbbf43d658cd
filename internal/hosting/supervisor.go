package hosting

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator names attached hosts. testutil.FixedIDGenerator satisfies it.
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Attachment is one host attached to a session.
type Attachment struct {
	ID      string
	Session *Session

	once   sync.Once
	detach func()
}

// Detach removes the host and releases its reference. Safe to call more
// than once.
func (a *Attachment) Detach() {
	a.once.Do(a.detach)
}

// Supervisor attaches hosts to shared engines.
type Supervisor struct {
	registry *Registry
	ids      IDGenerator
	logger   *slog.Logger
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithHostIDs replaces the UUIDv7 host id generator.
func WithHostIDs(g IDGenerator) SupervisorOption {
	return func(s *Supervisor) { s.ids = g }
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor creates a supervisor over registry.
func NewSupervisor(registry *Registry, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{registry: registry, ids: uuidGenerator{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach acquires the session for key and adds host to its hub. The host
// receives the current model, then every transformation until Detach.
func (s *Supervisor) Attach(ctx context.Context, key string, host Host) (*Attachment, error) {
	sess, err := s.registry.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	id := s.ids.Generate()
	sess.Hub.Add(id, host)
	s.logger.Debug("host attached", "key", key, "host_id", id)

	return &Attachment{
		ID:      id,
		Session: sess,
		detach: func() {
			sess.Hub.Remove(id)
			evicted, err := s.registry.Release(key)
			if err != nil {
				s.logger.Warn("releasing host failed", "key", key, "host_id", id, "error", err)
				return
			}
			s.logger.Debug("host detached", "key", key, "host_id", id, "evicted", evicted)
		},
	}, nil
}
