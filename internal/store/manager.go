package store

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("lofi.store")

// ManagerConfig describes the database a Manager brings up.
type ManagerConfig struct {
	// Path is the SQLite file path, or ":memory:".
	Path string

	// MaxBytes caps the database size. Zero means no cap.
	MaxBytes int64

	// Migrations are applied in order after the cap is set.
	Migrations []Migration
}

// Manager runs the one-shot storage init sequence: open, probe size, cap
// size, migrate. A failure at any step is terminal for the session.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
}

// NewManager creates a storage manager. A nil logger uses slog.Default().
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Connect runs the init sequence and returns a migrated database. On failure
// the returned error is an *InitError naming the failing step, and no
// database handle is left open.
func (m *Manager) Connect(ctx context.Context) (*DB, error) {
	ctx, span := tracer.Start(ctx, "store.Connect",
		trace.WithAttributes(
			attribute.String("store.path", m.cfg.Path),
			attribute.Int64("store.max_bytes", m.cfg.MaxBytes),
			attribute.Int("store.migrations", len(m.cfg.Migrations)),
		),
	)
	defer span.End()

	db, err := m.connect(ctx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("storage will never connect", "path", m.cfg.Path, "error", err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	m.logger.Info("storage connected and migrated", "path", m.cfg.Path)
	return db, nil
}

func (m *Manager) connect(ctx context.Context, span trace.Span) (*DB, error) {
	db, err := Open(ctx, m.cfg.Path)
	if err != nil {
		return nil, &InitError{Step: StepOpen, Err: err}
	}

	fail := func(step InitStep, err error) (*DB, error) {
		db.Close()
		return nil, &InitError{Step: step, Err: err}
	}

	size, err := db.Size(ctx)
	if err != nil {
		return fail(StepProbe, err)
	}
	span.SetAttributes(attribute.Int64("store.size_bytes", size))

	if m.cfg.MaxBytes > 0 {
		if size > m.cfg.MaxBytes {
			return fail(StepCap, fmt.Errorf("%w: %d > %d bytes", ErrSizeLimit, size, m.cfg.MaxBytes))
		}
		if _, err := db.LimitSize(ctx, m.cfg.MaxBytes); err != nil {
			return fail(StepCap, err)
		}
	}

	applied, err := db.Migrate(ctx, m.cfg.Migrations)
	if err != nil {
		return fail(StepMigrate, err)
	}
	span.SetAttributes(attribute.Int("store.migrations_applied", len(applied)))
	for _, mig := range applied {
		m.logger.Debug("migration applied", "tag", mig.Tag, "when", mig.When, "hash", mig.Hash)
	}

	return db, nil
}
