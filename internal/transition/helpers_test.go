package transition

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/memory"
	"github.com/roach88/lofi/internal/resource"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/testutil"
)

// fixture wires a runner to a manual scheduler, a fake channel and counters.
type fixture struct {
	t           *testing.T
	sched       *ManualScheduler
	tree        *memory.Tree
	sender      *testutil.FakeSender
	logs        *bytes.Buffer
	completions int
	calls       map[string]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &fixture{
		t:      t,
		sched:  NewManualScheduler(),
		tree:   memory.New(nil, memory.WithLogger(logger)),
		sender: testutil.NewFakeSender(),
		logs:   logs,
		calls:  make(map[string]int),
	}
}

func (f *fixture) start(impact Impact, h Handler, res resource.Bundle) Runner {
	f.t.Helper()
	return New(Config{
		ID:         7,
		Transition: Transition{Action: "addTodo", Impact: impact, Data: ir.IRObject{"title": ir.IRString("milk")}},
		Handler:    h,
		Resources:  res,
		Tree:       f.tree,
		Scheduler:  f.sched,
		OnComplete: func(uint64) { f.completions++ },
		Logger:     slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
}

// memoryFn counts calls under name and optionally fails.
func (f *fixture) memoryFn(name string, err error) MemoryFunc {
	return func(_ context.Context, tree *memory.Tree, data ir.IRObject) error {
		f.calls[name]++
		if err != nil {
			return err
		}
		tree.Set(ir.P(name), ir.IRInt(f.calls[name]))
		return nil
	}
}

// storageFn counts calls under name and optionally fails.
func (f *fixture) storageFn(name string, err error) StorageFunc {
	return func(_ context.Context, db *store.DB, _ ir.IRObject) error {
		f.calls[name]++
		if db == nil {
			f.t.Errorf("%s called without a database", name)
		}
		return err
	}
}

func (f *fixture) readyDB() *resource.DB {
	f.t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(f.t.TempDir(), "runner.db"))
	require.NoError(f.t, err)
	f.t.Cleanup(func() { db.Close() })
	return resource.Ready(db)
}

func (f *fixture) connected() *resource.WS {
	return resource.Connected(f.sender)
}

func offline() resource.Bundle {
	return resource.Initial()
}
