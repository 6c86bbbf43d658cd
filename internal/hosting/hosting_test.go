package hosting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/engine"
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/memory"
	"github.com/roach88/lofi/internal/testutil"
	"github.com/roach88/lofi/internal/transition"
)

type recordingHost struct {
	mu         sync.Mutex
	snapshots  []ir.IRObject
	transforms []ir.Transformation
}

func (h *recordingHost) Snapshot(o ir.IRObject) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots = append(h.snapshots, o)
}

func (h *recordingHost) Transform(t ir.Transformation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transforms = append(h.transforms, t)
}

func (h *recordingHost) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.snapshots), len(h.transforms)
}

type panickyHost struct{}

func (panickyHost) Snapshot(ir.IRObject)        { panic("boom") }
func (panickyHost) Transform(ir.Transformation) { panic("boom") }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestHub_LateHostStartsFromMirror(t *testing.T) {
	hub := NewHub(quietLogger())
	hub.Snapshot(ir.IRObject{"todos": ir.IRArray{}})
	hub.Transform(ir.SetTransformation(ir.P("todos", 0), ir.IRString("milk")))

	late := &recordingHost{}
	hub.Add("late", late)

	require.Len(t, late.snapshots, 1)
	assert.Equal(t, ir.IRObject{"todos": ir.IRArray{ir.IRString("milk")}}, late.snapshots[0])
	assert.Empty(t, late.transforms)
}

func TestHub_BroadcastsInAttachOrder(t *testing.T) {
	hub := NewHub(quietLogger())
	var order []string
	for _, id := range []string{"b", "a", "c"} {
		hub.Add(id, hostFunc(func() { order = append(order, id) }))
	}

	hub.Transform(ir.SetTransformation(ir.P("x"), ir.IRInt(1)))
	assert.Equal(t, []string{"b", "a", "c"}, order)
}

type hostFunc func()

func (f hostFunc) Snapshot(ir.IRObject)        { f() }
func (f hostFunc) Transform(ir.Transformation) { f() }

func TestHub_PanickingHostDoesNotStopOthers(t *testing.T) {
	hub := NewHub(quietLogger())
	hub.Add("bad", panickyHost{})
	good := &recordingHost{}
	hub.Add("good", good)

	hub.Snapshot(ir.IRObject{})
	hub.Transform(ir.SetTransformation(ir.P("x"), ir.IRInt(1)))

	snaps, transforms := good.counts()
	assert.Equal(t, 1, snaps)
	assert.Equal(t, 1, transforms)
	assert.Equal(t, ir.IRObject{"x": ir.IRInt(1)}, hub.Model())
}

func TestHub_Remove(t *testing.T) {
	hub := NewHub(quietLogger())
	hub.Add("a", &recordingHost{})
	assert.True(t, hub.Remove("a"))
	assert.False(t, hub.Remove("a"))
	assert.Equal(t, 0, hub.Len())
	assert.Nil(t, hub.Model())
}

func setTitle(_ context.Context, tree *memory.Tree, data ir.IRObject) error {
	tree.Set(ir.P("title"), data["title"])
	return nil
}

type countingFactory struct {
	mu    sync.Mutex
	built map[string]int
}

func (f *countingFactory) build(key string) (*engine.Engine, engine.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.built == nil {
		f.built = make(map[string]int)
	}
	f.built[key]++
	if key == "broken" {
		return nil, engine.Config{}, errors.New("no such document")
	}
	e := engine.New(
		engine.WithExternalResources(),
		engine.WithLogger(quietLogger()),
		engine.WithSessionIDs(testutil.NewFixedIDGenerator(key)),
	)
	return e, engine.Config{
		InitialModel: ir.IRObject{"title": ir.IRString(key)},
		Actions: map[string]engine.Action{
			"rename": {Impact: transition.LocalOnly, Handler: transition.Handler{EditMemoryModel: setTitle}},
		},
	}, nil
}

func (f *countingFactory) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[key]
}

func TestRegistry_SharesOneEnginePerKey(t *testing.T) {
	f := &countingFactory{}
	reg := NewRegistry(f.build, quietLogger())
	t.Cleanup(reg.Close)
	ctx := context.Background()

	a, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	b, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, f.count("doc-1"))
	assert.Equal(t, 2, reg.Refs("doc-1"))
	assert.Equal(t, []string{"doc-1"}, reg.Keys())
}

func TestRegistry_EvictsExactlyAtZero(t *testing.T) {
	f := &countingFactory{}
	reg := NewRegistry(f.build, quietLogger())
	t.Cleanup(reg.Close)
	ctx := context.Background()

	s, err := reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	_, err = reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)

	evicted, err := reg.Release("doc-1")
	require.NoError(t, err)
	assert.False(t, evicted)
	_, err = s.Engine.Status(ctx)
	assert.NoError(t, err, "engine still running with one holder")

	evicted, err = reg.Release("doc-1")
	require.NoError(t, err)
	assert.True(t, evicted)
	assert.Equal(t, 0, reg.Refs("doc-1"))
	_, err = s.Engine.Status(ctx)
	assert.ErrorIs(t, err, engine.ErrStopped)

	_, err = reg.Release("doc-1")
	assert.ErrorIs(t, err, ErrNotHeld)

	// A fresh acquire builds a new engine.
	_, err = reg.Acquire(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.count("doc-1"))
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := NewRegistry((&countingFactory{}).build, quietLogger())
	_, err := reg.Acquire(context.Background(), "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such document")
	assert.Empty(t, reg.Keys())
}

func TestRegistry_AcquireAfterClose(t *testing.T) {
	reg := NewRegistry((&countingFactory{}).build, quietLogger())
	reg.Close()
	_, err := reg.Acquire(context.Background(), "doc-1")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestSupervisor_AttachSendsSnapshotThenTransforms(t *testing.T) {
	reg := NewRegistry((&countingFactory{}).build, quietLogger())
	t.Cleanup(reg.Close)
	sup := NewSupervisor(reg, WithHostIDs(testutil.NewFixedIDGenerator("host")), WithSupervisorLogger(quietLogger()))
	ctx := context.Background()

	host := &recordingHost{}
	att, err := sup.Attach(ctx, "doc-1", host)
	require.NoError(t, err)
	assert.Equal(t, "host-1", att.ID)

	require.Eventually(t, func() bool {
		snaps, _ := host.counts()
		return snaps == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, err = att.Session.Engine.Submit("rename", ir.IRObject{"title": ir.IRString("groceries")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, transforms := host.counts()
		return transforms == 1
	}, 5*time.Second, 5*time.Millisecond)

	host.mu.Lock()
	assert.Equal(t, ir.IRObject{"title": ir.IRString("doc-1")}, host.snapshots[0])
	assert.Equal(t, ir.SetTransformation(ir.P("title"), ir.IRString("groceries")), host.transforms[0])
	host.mu.Unlock()

	att.Detach()
	att.Detach()
	assert.Equal(t, 0, reg.Refs("doc-1"))
}

func TestSupervisor_SecondHostSharesEngine(t *testing.T) {
	reg := NewRegistry((&countingFactory{}).build, quietLogger())
	t.Cleanup(reg.Close)
	sup := NewSupervisor(reg, WithSupervisorLogger(quietLogger()))
	ctx := context.Background()

	first, err := sup.Attach(ctx, "doc-1", &recordingHost{})
	require.NoError(t, err)
	second, err := sup.Attach(ctx, "doc-1", &recordingHost{})
	require.NoError(t, err)

	assert.Same(t, first.Session, second.Session)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, reg.Refs("doc-1"))

	first.Detach()
	assert.Equal(t, 1, reg.Refs("doc-1"))
	second.Detach()
	assert.Empty(t, reg.Keys())
}
