package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/lofi/internal/config"
	"github.com/roach88/lofi/internal/conn"
	"github.com/roach88/lofi/internal/engine"
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/testutil"
	"github.com/roach88/lofi/internal/transition"
	"github.com/roach88/lofi/internal/wire"
)

// errStorageUnavailable is reported for a "storage: never" step.
var errStorageUnavailable = errors.New("storage unavailable")

// Harness drives one engine through a scenario's steps. It owns the fake
// authority side: the sender runners push to and the frames they receive.
type Harness struct {
	engine  *engine.Engine
	ctx     context.Context
	codec   wire.Codec
	sender  *testutil.FakeSender
	seq     testutil.Sequence
	result  *Result
	attempt uint64

	migrations []store.Migration
	scratch    string
	db         *store.DB
}

// Run executes a scenario against a fresh engine and returns the result.
//
// Execution flow:
//  1. Load the CUE config and its migrations
//  2. Initialize the engine with external resources and inline scheduling
//  3. Apply each step and drain the engine
//  4. Capture the final model and runner count
//  5. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	cfg, err := config.Load(scenario.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	migrations, err := cfg.LoadMigrations()
	if err != nil {
		return nil, err
	}
	ec, err := cfg.EngineConfig(migrations)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "lofi-scenario-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	h := &Harness{
		ctx:        context.Background(),
		codec:      wire.JSONCodec{},
		sender:     testutil.NewFakeSender(),
		result:     NewResult(),
		migrations: migrations,
		scratch:    scratch,
	}
	h.engine = engine.New(
		engine.WithExternalResources(),
		engine.WithScheduler(transition.InlineScheduler{}),
		engine.WithSessionIDs(testutil.NewFixedIDGenerator("scenario")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithTrace(h.record),
	)
	defer h.engine.Close()

	if err := h.engine.Initialize(ec); err != nil {
		return nil, err
	}
	h.engine.Drain(h.ctx)

	for i, step := range scenario.Steps {
		if err := h.apply(step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		h.engine.Drain(h.ctx)
	}

	if h.result.Model, err = h.engine.Snapshot(h.ctx); err != nil {
		return nil, err
	}
	status, err := h.engine.Status(h.ctx)
	if err != nil {
		return nil, err
	}
	h.result.LiveRunners = status.LiveRunners

	actx := &AssertionContext{Ctx: h.ctx, DB: h.db, Sent: h.sender.Transitions()}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) apply(st Step) error {
	switch {
	case st.Submit != "":
		data, err := toObject(st.Data)
		if err != nil {
			return err
		}
		_, err = h.engine.Submit(st.Submit, data)
		return err
	case st.Connect:
		h.attempt++
		h.engine.ReportConnection(conn.Event{
			Attempt: h.attempt,
			Kind:    conn.EventConnected,
			Sender:  recordingSender{h},
		})
	case st.Disconnect:
		h.engine.ReportConnection(conn.Event{Attempt: h.attempt, Kind: conn.EventDisconnected})
	case st.Storage == StorageReady:
		return h.openStorage()
	case st.Storage == StorageNever:
		h.engine.ReportStorage(nil, errStorageUnavailable)
	case st.Resolve != nil:
		return h.answer(wire.Resolve{ID: *st.Resolve})
	case st.Reject != nil:
		return h.answer(wire.Reject{ID: st.Reject.ID, Reason: st.Reject.Reason})
	case st.Patch != nil:
		p, err := toPatch(st.Patch)
		if err != nil {
			return err
		}
		return h.answer(p)
	case st.Frame != "":
		h.deliver([]byte(st.Frame))
	case st.FailSends != nil:
		h.sender.FailSends(*st.FailSends)
	}
	return nil
}

// openStorage opens a scratch database, migrates it and hands it to the
// engine, which owns it from then on.
func (h *Harness) openStorage() error {
	db, err := store.Open(h.ctx, filepath.Join(h.scratch, "scenario.db"))
	if err != nil {
		return err
	}
	if _, err := db.Migrate(h.ctx, h.migrations); err != nil {
		db.Close()
		return err
	}
	h.db = db
	h.engine.ReportStorage(db, nil)
	return nil
}

func (h *Harness) answer(m wire.Message) error {
	frame, err := h.codec.Encode(m)
	if err != nil {
		return err
	}
	h.deliver(frame)
	return nil
}

func (h *Harness) deliver(frame []byte) {
	h.engine.ReportConnection(conn.Event{Attempt: h.attempt, Kind: conn.EventMessage, Frame: frame})
}

// record numbers an engine trace event. Runner ids are kept for every kind
// that addresses a runner.
func (h *Harness) record(ev engine.TraceEvent) {
	out := TraceEvent{Kind: string(ev.Kind), Action: ev.Action, Detail: ev.Detail}
	switch ev.Kind {
	case engine.TraceSubmitted, engine.TraceCompleted, engine.TraceAnswer:
		out.Runner = &ev.RunnerID
	case engine.TraceDiscarded:
		if ev.Detail != "malformed" {
			out.Runner = &ev.RunnerID
		}
	}
	h.append(out)
}

func (h *Harness) append(ev TraceEvent) {
	ev.Seq = h.seq.Next()
	h.result.Trace = append(h.result.Trace, ev)
}

// recordingSender is the fake authority's receiving end. Successful
// transition sends are added to the trace.
type recordingSender struct {
	h *Harness
}

func (s recordingSender) Send(m wire.Message) error {
	if err := s.h.sender.Send(m); err != nil {
		return err
	}
	if tr, ok := m.(wire.Transition); ok {
		id := tr.ID
		s.h.append(TraceEvent{Kind: KindSent, Runner: &id, Action: tr.Action})
	}
	return nil
}

func toObject(m map[string]any) (ir.IRObject, error) {
	if m == nil {
		return ir.IRObject{}, nil
	}
	v, err := ir.FromGo(m)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	return v.(ir.IRObject), nil
}

func toPatch(ops []PatchOp) (wire.Patch, error) {
	p := wire.Patch{Transformations: make([]ir.Transformation, 0, len(ops))}
	for i, op := range ops {
		path, err := ir.ParsePath(op.Path...)
		if err != nil {
			return wire.Patch{}, fmt.Errorf("patch[%d]: %w", i, err)
		}
		if op.Op == "delete" {
			p.Transformations = append(p.Transformations, ir.DeleteTransformation(path))
			continue
		}
		v, err := ir.FromGo(op.Value)
		if err != nil {
			return wire.Patch{}, fmt.Errorf("patch[%d]: %w", i, err)
		}
		p.Transformations = append(p.Transformations, ir.SetTransformation(path, v))
	}
	return p, nil
}
