package transition

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/resource"
)

func pushHandler(f *fixture) Handler {
	return Handler{
		EditMemoryModel:   f.memoryFn("mem", nil),
		RevertMemoryModel: f.memoryFn("memRevert", nil),
		EditDB:            f.storageFn("db", nil),
		RevertDB:          f.storageFn("dbRevert", nil),
	}
}

func regions(t *testing.T, r Runner) (RemoteState, DimState, DimState) {
	t.Helper()
	p, ok := r.(*optimisticPushRunner)
	require.True(t, ok)
	return p.Regions()
}

func TestOptimisticPush_SendsWhenConnected(t *testing.T) {
	f := newFixture(t)
	r := f.start(OptimisticPush, Handler{EditMemoryModel: f.memoryFn("mem", nil)}, resource.Bundle{WS: f.connected(), DB: resource.Pending()})

	sent := f.sender.Transitions()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(7), sent[0].ID)
	assert.Equal(t, "addTodo", sent[0].Action)
	assert.Equal(t, "optimistic_push", sent[0].Impact)
	assert.Equal(t, ir.IRString("milk"), sent[0].Data["title"])

	remote, _, _ := regions(t, r)
	assert.Equal(t, RemoteSent, remote)
}

func TestOptimisticPush_WaitsForConnection(t *testing.T) {
	f := newFixture(t)
	r := f.start(OptimisticPush, Handler{EditMemoryModel: f.memoryFn("mem", nil)}, offline())

	require.True(t, f.sched.Run(DimMemory))
	assert.Empty(t, f.sender.Sent())
	assert.Equal(t, 1, f.calls["mem"], "local effect applies before the authority is reachable")

	r.SyncResources(resource.Bundle{WS: f.connected()})
	assert.Len(t, f.sender.Transitions(), 1)
}

func TestOptimisticPush_ResendsOnEveryNewConnectionUntilAnswered(t *testing.T) {
	f := newFixture(t)
	r := f.start(OptimisticPush, Handler{}, resource.Bundle{WS: f.connected(), DB: resource.Pending()})

	r.SyncResources(resource.Bundle{WS: resource.Disconnected()})
	r.SyncResources(resource.Bundle{WS: f.connected()})
	assert.Len(t, f.sender.Transitions(), 2)

	r.(Answerable).Confirm()
	assert.Equal(t, 1, f.completions)

	r.SyncResources(resource.Bundle{WS: resource.Disconnected()})
	r.SyncResources(resource.Bundle{WS: f.connected()})
	assert.Len(t, f.sender.Transitions(), 2)
}

func TestOptimisticPush_SendFailureWaitsForNextConnection(t *testing.T) {
	f := newFixture(t)
	f.sender.FailSends(true)
	r := f.start(OptimisticPush, Handler{}, resource.Bundle{WS: f.connected(), DB: resource.Pending()})

	remote, _, _ := regions(t, r)
	assert.Equal(t, RemoteAwaitingConnection, remote)
	assert.Contains(t, f.logs.String(), "push send failed")

	f.sender.FailSends(false)
	r.SyncResources(resource.Bundle{WS: f.connected()})
	remote, _, _ = regions(t, r)
	assert.Equal(t, RemoteSent, remote)
	assert.Len(t, f.sender.Transitions(), 1)
}

func TestOptimisticPush_ConfirmWaitsForLocalEffects(t *testing.T) {
	f := newFixture(t)
	r := f.start(OptimisticPush, Handler{EditMemoryModel: f.memoryFn("mem", nil)}, resource.Bundle{WS: f.connected(), DB: resource.Pending()})

	r.(Answerable).Confirm()
	assert.Equal(t, 0, f.completions)
	assert.False(t, r.Done())

	require.True(t, f.sched.Run(DimMemory))
	assert.Equal(t, 1, f.completions)
	assert.True(t, r.Done())
	assert.Equal(t, "remote=confirmed memory=completed db=not_required", r.Status())
}

func TestOptimisticPush_CompletedEditIsNotFinalUntilConfirmed(t *testing.T) {
	f := newFixture(t)
	r := f.start(OptimisticPush, pushHandler(f), resource.Bundle{WS: f.connected(), DB: f.readyDB()})

	f.sched.RunAll()
	assert.Equal(t, 0, f.completions)
	assert.False(t, r.Done())

	r.(Answerable).Confirm()
	assert.Equal(t, 1, f.completions)
	assert.Zero(t, f.calls["memRevert"])
	assert.Zero(t, f.calls["dbRevert"])
}

func TestOptimisticPush_RejectRevertsEachAppliedEditOnce(t *testing.T) {
	f := newFixture(t)
	r := f.start(OptimisticPush, pushHandler(f), resource.Bundle{WS: f.connected(), DB: f.readyDB()})
	f.sched.RunAll()

	r.(Answerable).Reject("title taken")
	assert.Equal(t, 1, f.sched.Pending(DimMemory))
	assert.Equal(t, 1, f.sched.Pending(DimStorage))
	assert.Equal(t, 0, f.completions)

	f.sched.RunAll()
	assert.Equal(t, 1, f.calls["memRevert"])
	assert.Equal(t, 1, f.calls["dbRevert"])
	assert.Equal(t, 1, f.completions)
	assert.Equal(t, "remote=rejected memory=reverted db=reverted", r.Status())

	// A second answer changes nothing.
	r.(Answerable).Reject("again")
	r.(Answerable).Confirm()
	assert.Zero(t, f.sched.RunAll())
	assert.Equal(t, 1, f.calls["memRevert"])
	assert.Equal(t, 1, f.calls["dbRevert"])
	assert.Equal(t, 1, f.completions)
}

func TestOptimisticPush_RejectWithStorageNeverConnecting(t *testing.T) {
	f := newFixture(t)
	r := f.start(OptimisticPush, pushHandler(f), resource.Bundle{WS: f.connected(), DB: resource.Pending()})
	require.True(t, f.sched.Run(DimMemory))

	r.SyncResources(resource.Bundle{DB: resource.NeverConnecting()})
	r.(Answerable).Reject("nope")
	f.sched.RunAll()

	assert.Equal(t, 1, f.calls["memRevert"])
	assert.Zero(t, f.calls["db"])
	assert.Zero(t, f.calls["dbRevert"])
	assert.Equal(t, 1, f.completions)
	assert.Equal(t, "remote=rejected memory=reverted db=not_possible", r.Status())
}

func TestOptimisticPush_RejectBeforeStorageAvailable(t *testing.T) {
	f := newFixture(t)
	r := f.start(OptimisticPush, pushHandler(f), resource.Bundle{WS: f.connected(), DB: resource.Pending()})
	require.True(t, f.sched.Run(DimMemory))

	r.(Answerable).Reject("nope")
	f.sched.RunAll()
	assert.Equal(t, 1, f.completions)

	// Storage arriving later must not start the edit.
	r.SyncResources(resource.Bundle{DB: f.readyDB()})
	assert.Zero(t, f.sched.Pending(DimStorage))
	assert.Zero(t, f.calls["db"])
	_, _, db := regions(t, r)
	assert.Equal(t, DimDidNotBegin, db)
}

func TestOptimisticPush_RejectWhileEditInFlight(t *testing.T) {
	f := newFixture(t)
	r := f.start(OptimisticPush, pushHandler(f), resource.Bundle{WS: f.connected(), DB: resource.Pending()})

	r.(Answerable).Reject("nope")
	_, mem, _ := regions(t, r)
	assert.Equal(t, DimInProgressRejected, mem)
	assert.Zero(t, f.calls["memRevert"])

	// The edit lands, then is reverted.
	require.True(t, f.sched.Run(DimMemory))
	assert.Equal(t, 1, f.sched.Pending(DimMemory))
	require.True(t, f.sched.Run(DimMemory))

	assert.Equal(t, 1, f.calls["mem"])
	assert.Equal(t, 1, f.calls["memRevert"])
	assert.Equal(t, 1, f.completions)
}

func TestOptimisticPush_RejectAfterFailedEditDoesNotRevert(t *testing.T) {
	f := newFixture(t)
	h := pushHandler(f)
	h.EditMemoryModel = f.memoryFn("mem", errors.New("boom"))
	r := f.start(OptimisticPush, h, resource.Bundle{WS: f.connected(), DB: resource.NeverConnecting()})

	require.True(t, f.sched.Run(DimMemory))
	r.(Answerable).Reject("nope")

	assert.Zero(t, f.sched.RunAll())
	assert.Zero(t, f.calls["memRevert"])
	assert.Equal(t, 1, f.completions)
	assert.Contains(t, f.logs.String(), "finalized with a failed edit")
}

func TestOptimisticPush_MissingRevertHandlerKeepsEffect(t *testing.T) {
	f := newFixture(t)
	r := f.start(OptimisticPush, Handler{EditMemoryModel: f.memoryFn("mem", nil)}, resource.Bundle{WS: f.connected(), DB: resource.Pending()})
	require.True(t, f.sched.Run(DimMemory))

	r.(Answerable).Reject("nope")
	assert.Equal(t, 1, f.completions)
	assert.Equal(t, ir.IRInt(1), f.tree.Get(ir.P("mem")))
	assert.Contains(t, f.logs.String(), "no memory model revert handler")
}

func TestOptimisticPush_FailedRevertIsLogged(t *testing.T) {
	f := newFixture(t)
	h := pushHandler(f)
	h.RevertMemoryModel = f.memoryFn("memRevert", errors.New("cannot undo"))
	r := f.start(OptimisticPush, h, resource.Bundle{WS: f.connected(), DB: resource.NeverConnecting()})
	require.True(t, f.sched.Run(DimMemory))

	r.(Answerable).Reject("nope")
	require.True(t, f.sched.Run(DimMemory))

	assert.Equal(t, 1, f.completions)
	assert.Equal(t, "remote=rejected memory=revert_failed db=not_possible", r.Status())
	assert.Contains(t, f.logs.String(), "failed revert")
}
