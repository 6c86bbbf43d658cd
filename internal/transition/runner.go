package transition

import (
	"context"
	"log/slog"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/memory"
	"github.com/roach88/lofi/internal/resource"
	"github.com/roach88/lofi/internal/wire"
)

// Runner drives one transition instance.
type Runner interface {
	// ID returns the id the coordinator assigned.
	ID() uint64

	// Impact returns the runner's impact class.
	Impact() Impact

	// SyncResources replaces the runner's resource records with the non-nil
	// records of partial and reacts to status flips.
	SyncResources(partial resource.Bundle)

	// Done reports whether no further event can affect the runner. The
	// coordinator drops done runners.
	Done() bool

	// Status describes the runner's current state for logs and traces.
	Status() string
}

// Answerable is implemented by runners that expect an answer from the
// authority.
type Answerable interface {
	Runner
	Confirm()
	Reject(reason string)
}

// Config carries everything a runner is constructed with.
type Config struct {
	ID         uint64
	Transition Transition
	Handler    Handler
	Resources  resource.Bundle
	Tree       *memory.Tree
	Scheduler  Scheduler

	// OnComplete is called at most once, when the transition completes.
	OnComplete func(id uint64)

	Logger *slog.Logger
}

// New creates the runner for cfg.Transition.Impact and starts it.
// Panics with *InternalError for an impact that has no runner.
func New(cfg Config) Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnComplete == nil {
		cfg.OnComplete = func(uint64) {}
	}

	switch cfg.Transition.Impact {
	case LocalOnly:
		return newLocalOnly(cfg)
	case OptimisticPush:
		return newOptimisticPush(cfg)
	case WsOnlyNudge:
		return newNudge(cfg, false)
	case UnreliableWsOnlyNudge:
		return newNudge(cfg, true)
	default:
		panic(&InternalError{
			Code:     ErrCodeUnknownImpact,
			Message:  "no runner for impact " + cfg.Transition.Impact.String(),
			RunnerID: cfg.ID,
		})
	}
}

// hooks are the extension points the base calls on availability flips.
type hooks interface {
	onStorageConnected()
	onStorageConfirmedNeverConnecting()
	onConnectionEstablished()
}

// base holds what every runner shares: resources, completion, and an inbox
// that serialises the runner's own reactions. Memory work settles inline,
// so without the inbox a settle could re-enter a step still in progress.
type base struct {
	cfg       Config
	res       resource.Bundle
	logger    *slog.Logger
	hooks     hooks
	completed bool

	inbox    []func()
	draining bool
}

func newBase(cfg Config) base {
	return base{
		cfg:    cfg,
		res:    cfg.Resources,
		logger: cfg.Logger.With("runner_id", cfg.ID, "action", cfg.Transition.Action, "impact", cfg.Transition.Impact.String()),
	}
}

func (b *base) ID() uint64 {
	return b.cfg.ID
}

func (b *base) Impact() Impact {
	return b.cfg.Transition.Impact
}

func (b *base) SyncResources(partial resource.Bundle) {
	prev := b.res
	b.res = prev.Merge(partial)

	if partial.DB != nil && partial.DB != prev.DB {
		from, to := prev.StorageStatus(), partial.DB.Status
		if from != resource.DBDisconnected {
			panic(newStorageFlippedTwice(b.cfg.ID, from.String(), to.String()))
		}
		switch to {
		case resource.DBConnectedAndMigrated:
			b.post(b.hooks.onStorageConnected)
		case resource.DBNeverConnecting:
			b.post(b.hooks.onStorageConfirmedNeverConnecting)
		}
	}

	if partial.WS != nil && partial.WS != prev.WS && partial.WS.Status == resource.WSConnected {
		b.post(b.hooks.onConnectionEstablished)
	}
}

// post queues fn and drains the inbox unless a drain is already running
// further up the stack.
func (b *base) post(fn func()) {
	b.inbox = append(b.inbox, fn)
	if b.draining {
		return
	}
	b.draining = true
	defer func() { b.draining = false }()
	for len(b.inbox) > 0 {
		next := b.inbox[0]
		b.inbox = b.inbox[1:]
		next()
	}
}

// complete fires the completion callback once.
func (b *base) complete() {
	if b.completed {
		return
	}
	b.completed = true
	b.cfg.OnComplete(b.cfg.ID)
}

// runMemory schedules fn against the memory model and posts the result.
func (b *base) runMemory(fn MemoryFunc, settle func(error)) {
	data := b.cfg.Transition.Data
	tree := b.cfg.Tree
	b.schedule(DimMemory, func(ctx context.Context) error {
		return fn(ctx, tree, data)
	}, settle)
}

// runStorage schedules fn against the database currently in the bundle.
func (b *base) runStorage(fn StorageFunc, settle func(error)) {
	data := b.cfg.Transition.Data
	db := b.res.DB.DB
	b.schedule(DimStorage, func(ctx context.Context) error {
		return fn(ctx, db, data)
	}, settle)
}

func (b *base) schedule(dim Dimension, work func(context.Context) error, settle func(error)) {
	settled := false
	b.cfg.Scheduler.Schedule(dim, work, func(err error) {
		if settled {
			panic(&InternalError{
				Code:     ErrCodeDoubleSettle,
				Message:  "handler work settled twice",
				RunnerID: b.cfg.ID,
				Details:  map[string]string{"dimension": dim.String()},
			})
		}
		settled = true
		b.post(func() { settle(err) })
	})
}

// send delivers the transition over the current channel.
func (b *base) send() error {
	if !b.res.Connected() {
		return errNotConnected
	}
	return b.res.WS.Sender.Send(wire.Transition{
		ID:     b.cfg.ID,
		Action: b.cfg.Transition.Action,
		Impact: b.cfg.Transition.Impact.String(),
		Data:   b.data(),
	})
}

func (b *base) data() ir.IRObject {
	return b.cfg.Transition.Data
}

// logHandlerError records a failed handler call with its context.
func (b *base) logHandlerError(dim Dimension, op string, err error) {
	b.logger.Error("transition handler failed",
		"dimension", dim.String(),
		"op", op,
		"data", b.data(),
		"error", err,
	)
}
