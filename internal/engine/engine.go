package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/lofi/internal/conn"
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/memory"
	"github.com/roach88/lofi/internal/metrics"
	"github.com/roach88/lofi/internal/resource"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/subscription"
	"github.com/roach88/lofi/internal/transition"
	"github.com/roach88/lofi/internal/wire"
)

// Connector runs a connection manager until ctx ends. *conn.Manager
// implements it.
type Connector interface {
	Run(ctx context.Context, report func(conn.Event)) error
}

// StorageOpener runs the one-shot storage init sequence. *store.Manager
// implements it.
type StorageOpener interface {
	Connect(ctx context.Context) (*store.DB, error)
}

// Action binds an action name to its impact and local effects.
type Action struct {
	Impact  transition.Impact
	Handler transition.Handler
}

// Config is the application configuration passed to Initialize.
type Config struct {
	InitialModel ir.IRObject
	Actions      map[string]Action

	// URL is the authority endpoint. Empty means no connection manager is
	// started unless one was supplied with WithConnector.
	URL             string
	ProtocolVersion string

	// StoragePath is the SQLite file. Empty means storage never connects
	// unless an opener was supplied with WithStorage.
	StoragePath     string
	MaxStorageBytes int64
	Migrations      []store.Migration

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	MaxMissedPongs    int
}

// Watcher mirrors the memory model: one Snapshot, then every transformation
// in order. Both are called on the loop goroutine and must not block.
type Watcher interface {
	Snapshot(ir.IRObject)
	Transform(ir.Transformation)
}

// TraceKind names a coordinator milestone reported to the trace hook.
type TraceKind string

const (
	TraceSubmitted TraceKind = "submitted"
	TraceCompleted TraceKind = "completed"
	TraceResources TraceKind = "resources"
	TraceAnswer    TraceKind = "answer"
	TraceDiscarded TraceKind = "discarded"
	TracePatch     TraceKind = "patch"
)

// TraceEvent is one milestone. Detail is a short human-readable summary.
type TraceEvent struct {
	Kind     TraceKind `json:"kind"`
	RunnerID uint64    `json:"runner_id,omitempty"`
	Action   string    `json:"action,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Regions     Regions
	LiveRunners int
	Issued      uint64
	Session     string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Runners and managers inherit it.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records coordinator metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithConnector replaces the connection manager built from Config.URL.
func WithConnector(c Connector) Option {
	return func(e *Engine) { e.connector = c }
}

// WithStorage replaces the storage manager built from Config.StoragePath.
func WithStorage(s StorageOpener) Option {
	return func(e *Engine) { e.storage = s }
}

// WithExternalResources starts no managers. Resource events arrive only
// through ReportConnection and ReportStorage.
func WithExternalResources() Option {
	return func(e *Engine) { e.external = true }
}

// WithSessionIDs replaces the UUIDv7 session id generator.
func WithSessionIDs(g SessionIDGenerator) Option {
	return func(e *Engine) { e.sessions = g }
}

// WithCodec replaces the wire codec used to decode authority frames.
func WithCodec(c wire.Codec) Option {
	return func(e *Engine) { e.codec = c }
}

// WithScheduler replaces the scheduler runners use for handler work.
func WithScheduler(s transition.Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithTrace registers a hook called on the loop for every milestone.
func WithTrace(fn func(TraceEvent)) Option {
	return func(e *Engine) { e.trace = fn }
}

// Engine is the Transition Lifecycle Coordinator.
//
// All coordinator state is owned by one goroutine: the one running Run (or
// Drain). Initialize, Submit, Subscribe, Watch and the Report methods are
// safe from any goroutine; they enqueue events and return without waiting.
type Engine struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	codec     wire.Codec
	sessions  SessionIDGenerator
	session   string
	connector Connector
	storage   StorageOpener
	external  bool
	sched     transition.Scheduler
	trace     func(TraceEvent)

	queue    *eventQueue
	clock    *Clock
	cfg      atomic.Pointer[Config]
	submitMu sync.Mutex
	handles  atomic.Uint64
	running  atomic.Bool
	manual   atomic.Bool
	stopped  chan struct{}

	// Loop-owned.
	ctx      context.Context
	cancel   context.CancelFunc
	bg       *errgroup.Group
	tree     *memory.Tree
	subs     *subscription.Registry
	subIDs   map[uint64]subHandle
	watchers map[uint64]Watcher
	actions  map[string]Action
	runners  map[uint64]transition.Runner
	res      resource.Bundle
	regions  Regions
	attempt  uint64
	db       *store.DB
}

type subHandle struct {
	path  ir.Path
	token subscription.Token
}

// New creates an engine. Call Initialize before submitting transitions.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:   slog.Default(),
		codec:    wire.JSONCodec{},
		sessions: UUIDv7Generator{},
		queue:    newEventQueue(),
		clock:    NewClock(),
		stopped:  make(chan struct{}),
		subIDs:   make(map[uint64]subHandle),
		watchers: make(map[uint64]Watcher),
		runners:  make(map[uint64]transition.Runner),
		res:      resource.Initial(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sched == nil {
		e.sched = loopScheduler{e}
	}
	e.session = e.sessions.Generate()
	e.logger = e.logger.With("session", e.session)
	e.subs = subscription.New(subscription.WithLogger(e.logger))
	return e
}

// Session returns the session id sent in every handshake.
func (e *Engine) Session() string {
	return e.session
}

// Initialize installs cfg. It may be called once; subscriptions made
// earlier are honoured once the model exists.
func (e *Engine) Initialize(cfg Config) error {
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = ir.ProtocolVersion
	}
	cfg.Actions = maps.Clone(cfg.Actions)
	if !e.cfg.CompareAndSwap(nil, &cfg) {
		return ErrAlreadyInitialized
	}
	if !e.queue.Enqueue(Event{Type: EventTypeInit, Init: &cfg}) {
		return ErrStopped
	}
	return nil
}

// Submit numbers a transition for action and queues it. It never blocks on
// handler work; the returned id addresses the runner on the wire.
func (e *Engine) Submit(action string, data ir.IRObject) (uint64, error) {
	cfg := e.cfg.Load()
	if cfg == nil {
		return 0, ErrNotInitialized
	}
	if _, ok := cfg.Actions[action]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if data != nil {
		data = ir.Clone(data).(ir.IRObject)
	}

	// Ids are handed out in queue order.
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	id := e.clock.Next()
	if !e.queue.Enqueue(Event{Type: EventTypeTransition, Transition: &Submission{ID: id, Action: action, Data: data}}) {
		return 0, ErrStopped
	}
	return id, nil
}

// Subscribe registers cb for changes at or below path, and above it on the
// way to the root. cb first runs with the current value once the model
// exists. Values passed to cb are live and must not be modified.
func (e *Engine) Subscribe(path ir.Path, cb subscription.Callback) (unsubscribe func()) {
	path = slices.Clone(path)
	h := e.handles.Add(1)
	e.queue.Enqueue(Event{Type: EventTypeCall, Call: func() {
		tok := e.subs.Subscribe(path, cb, e.root())
		e.subIDs[h] = subHandle{path: path, token: tok}
	}})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.queue.Enqueue(Event{Type: EventTypeCall, Call: func() {
				if sh, ok := e.subIDs[h]; ok {
					e.subs.Unsubscribe(sh.path, sh.token)
					delete(e.subIDs, h)
				}
			}})
		})
	}
}

// Watch registers w. It receives a snapshot of the model (immediately if
// the model exists, otherwise at initialization) and then every
// transformation.
func (e *Engine) Watch(w Watcher) (cancel func()) {
	h := e.handles.Add(1)
	e.queue.Enqueue(Event{Type: EventTypeCall, Call: func() {
		e.watchers[h] = w
		if e.tree != nil {
			w.Snapshot(e.tree.Snapshot())
		}
	}})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.queue.Enqueue(Event{Type: EventTypeCall, Call: func() {
				delete(e.watchers, h)
			}})
		})
	}
}

// ReportConnection feeds a connection manager event to the loop.
func (e *Engine) ReportConnection(ev conn.Event) bool {
	return e.queue.Enqueue(Event{Type: EventTypeConnection, Conn: &ev})
}

// ReportStorage feeds the storage manager's result to the loop.
func (e *Engine) ReportStorage(db *store.DB, err error) bool {
	return e.queue.Enqueue(Event{Type: EventTypeStorage, Storage: &StorageResult{DB: db, Err: err}})
}

// Snapshot returns a deep copy of the memory model, or nil before
// initialization.
func (e *Engine) Snapshot(ctx context.Context) (ir.IRObject, error) {
	var out ir.IRObject
	err := e.Do(ctx, func() {
		if e.tree != nil {
			out = e.tree.Snapshot()
		}
	})
	return out, err
}

// Status returns the coordinator's regions and runner count.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var out Status
	err := e.Do(ctx, func() {
		out = Status{
			Regions:     e.regions,
			LiveRunners: len(e.runners),
			Issued:      e.clock.Issued(),
			Session:     e.session,
		}
	})
	return out, err
}

// Do runs fn on the loop and waits for it. For an engine stepped with
// Drain, Do drains the queue on the caller's goroutine instead.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.queue.Enqueue(Event{Type: EventTypeCall, Call: func() { fn(); close(done) }}) {
		return ErrStopped
	}
	if e.manual.Load() && !e.running.Load() {
		e.Drain(ctx)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

// Run starts the single-writer event loop. It blocks until ctx is
// cancelled or Stop is called.
//
// Must be called from exactly one goroutine. Event processing errors are
// logged with the event and processing continues. An *InternalError is not
// an error: it panics out of Run.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	e.start(ctx)
	defer e.shutdown()
	e.logger.Info("engine starting")

	for {
		event, ok := e.queue.TryDequeue()
		if ok {
			e.handle(event)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()

		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain processes queued events on the caller's goroutine until the queue
// is empty and returns how many it handled. It is the loop for callers that
// step the engine themselves and must not be used while Run is active.
func (e *Engine) Drain(ctx context.Context) int {
	e.manual.Store(true)
	e.start(ctx)
	n := 0
	for {
		event, ok := e.queue.TryDequeue()
		if !ok {
			return n
		}
		e.handle(event)
		n++
	}
}

// Stop closes the queue; Run returns once it has drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Close stops an engine driven with Drain and releases its resources.
func (e *Engine) Close() {
	e.queue.Close()
	if !e.running.Load() {
		e.shutdown()
	}
}

func (e *Engine) start(ctx context.Context) {
	if e.bg != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.bg, e.ctx = errgroup.WithContext(ctx)
}

func (e *Engine) shutdown() {
	e.queue.Close()
	if e.bg != nil {
		e.cancel()
		_ = e.bg.Wait()
	}
	// A storage result nobody processed still owns its handle.
	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			break
		}
		if ev.Type == EventTypeStorage && ev.Storage.DB != nil {
			ev.Storage.DB.Close()
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Warn("closing storage failed", "error", err)
		}
		e.db = nil
	}
	select {
	case <-e.stopped:
	default:
		close(e.stopped)
	}
}

func (e *Engine) handle(event Event) {
	if err := e.processEvent(event); err != nil {
		logEventError(e.logger, event, err)
	}
	e.prune()
}

func (e *Engine) processEvent(event Event) error {
	switch event.Type {
	case EventTypeInit:
		if event.Init == nil {
			return errors.New("init event missing config")
		}
		e.initialize(*event.Init)
	case EventTypeTransition:
		if event.Transition == nil {
			return errors.New("transition event missing submission")
		}
		return e.startRunner(event.Transition)
	case EventTypeConnection:
		if event.Conn == nil {
			return errors.New("connection event missing payload")
		}
		e.onConnection(*event.Conn)
	case EventTypeStorage:
		if event.Storage == nil {
			return errors.New("storage event missing result")
		}
		e.onStorage(*event.Storage)
	case EventTypeCall:
		if event.Call != nil {
			event.Call()
		}
	default:
		return fmt.Errorf("unknown event type: %d", event.Type)
	}
	return nil
}

func (e *Engine) initialize(cfg Config) {
	e.actions = cfg.Actions
	model := cfg.InitialModel
	if model != nil {
		model = ir.Clone(model).(ir.IRObject)
	}
	e.tree = memory.New(model, memory.WithLogger(e.logger))
	e.tree.OnTransform(e.onTransform)
	e.regions.Init = InitComplete
	e.logger.Info("engine initialized", "actions", len(cfg.Actions), "protocol_version", cfg.ProtocolVersion)

	e.subs.Dispatch(nil, e.root())
	for _, id := range slices.Sorted(maps.Keys(e.watchers)) {
		e.watchers[id].Snapshot(e.tree.Snapshot())
	}

	if e.external {
		return
	}
	e.startConnection(cfg)
	e.startStorage(cfg)
}

func (e *Engine) startConnection(cfg Config) {
	c := e.connector
	if c == nil && cfg.URL != "" {
		c = conn.New(conn.Config{
			URL:               cfg.URL,
			Version:           cfg.ProtocolVersion,
			Session:           e.session,
			ReconnectDelay:    cfg.ReconnectDelay,
			HeartbeatInterval: cfg.HeartbeatInterval,
			MaxMissedPongs:    cfg.MaxMissedPongs,
		}, conn.WithLogger(e.logger), conn.WithMetrics(e.metrics), conn.WithCodec(e.codec))
	}
	if c == nil {
		e.logger.Info("no authority configured; running offline")
		return
	}
	e.bg.Go(func() error {
		err := c.Run(e.ctx, func(ev conn.Event) { e.ReportConnection(ev) })
		if errors.Is(err, conn.ErrIncompatible) {
			e.logger.Error("authority rejected protocol version; not reconnecting", "version", cfg.ProtocolVersion)
		} else if err != nil {
			e.logger.Error("connection manager stopped", "error", err)
		}
		return nil
	})
}

func (e *Engine) startStorage(cfg Config) {
	s := e.storage
	if s == nil && cfg.StoragePath != "" {
		s = store.NewManager(store.ManagerConfig{
			Path:       cfg.StoragePath,
			MaxBytes:   cfg.MaxStorageBytes,
			Migrations: cfg.Migrations,
		}, e.logger)
	}
	if s == nil {
		e.onStorage(StorageResult{Err: errNoStorage})
		return
	}
	e.bg.Go(func() error {
		db, err := s.Connect(e.ctx)
		if !e.ReportStorage(db, err) && db != nil {
			db.Close()
		}
		return nil
	})
}

// root is the live model root, read-only, or nil before initialization.
func (e *Engine) root() ir.IRValue {
	if e.tree == nil {
		return nil
	}
	return e.tree.Lookup(nil)
}

func (e *Engine) onTransform(t ir.Transformation) {
	e.subs.Dispatch(t.Path, e.root())
	for _, id := range slices.Sorted(maps.Keys(e.watchers)) {
		e.watchers[id].Transform(t)
	}
}

func (e *Engine) startRunner(s *Submission) error {
	a, ok := e.actions[s.Action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, s.Action)
	}
	impact := a.Impact.String()
	e.metrics.TransitionSubmitted(impact)
	e.emit(TraceEvent{Kind: TraceSubmitted, RunnerID: s.ID, Action: s.Action, Detail: impact})

	action := s.Action
	r := transition.New(transition.Config{
		ID:         s.ID,
		Transition: transition.Transition{Action: s.Action, Impact: a.Impact, Data: s.Data},
		Handler:    a.Handler,
		Resources:  e.res,
		Tree:       e.tree,
		Scheduler:  e.sched,
		OnComplete: func(id uint64) {
			e.metrics.TransitionCompleted(impact)
			e.emit(TraceEvent{Kind: TraceCompleted, RunnerID: id, Action: action})
			e.logger.Debug("transition completed", "runner_id", id, "action", action)
		},
		Logger: e.logger,
	})
	e.runners[s.ID] = r
	return nil
}

// prune drops runners no event can affect any more.
func (e *Engine) prune() {
	for id, r := range e.runners {
		if r.Done() {
			delete(e.runners, id)
		}
	}
	e.metrics.RunnersLive(len(e.runners))
}

// fanOut publishes partial to every live runner in submission order.
func (e *Engine) fanOut(partial resource.Bundle) {
	e.res = e.res.Merge(partial)
	e.emit(TraceEvent{Kind: TraceResources, Detail: fmt.Sprintf("ws=%s db=%s", e.res.WS.Status, e.res.DB.Status)})
	for _, id := range slices.Sorted(maps.Keys(e.runners)) {
		e.runners[id].SyncResources(partial)
	}
}

func (e *Engine) onConnection(ev conn.Event) {
	if ev.Attempt < e.attempt {
		e.logger.Debug("dropping event from stale attempt", "attempt", ev.Attempt, "current", e.attempt, "kind", ev.Kind.String())
		return
	}
	e.attempt = ev.Attempt

	if ev.Kind == conn.EventMessage {
		e.onFrame(ev.Frame)
		return
	}

	prev := e.regions.Connection
	next := StepConnection(prev, ev.Kind)
	e.regions.Connection = next
	e.metrics.ConnectionStatus(next.gauge())

	switch ev.Kind {
	case conn.EventConnected:
		e.logger.Info("connection established", "attempt", ev.Attempt)
		e.fanOut(resource.Bundle{WS: resource.Connected(ev.Sender)})
	case conn.EventDisconnected:
		if prev.Connected() {
			e.logger.Info("connection lost", "attempt", ev.Attempt, "code", ev.Code, "error", ev.Err)
			e.fanOut(resource.Bundle{WS: resource.Disconnected()})
		}
	default:
		if next != prev {
			e.logger.Debug("connection health changed", "from", prev.String(), "to", next.String())
		}
	}
}

func (e *Engine) onStorage(res StorageResult) {
	if e.regions.Storage != StorageDisconnected {
		if res.DB != nil {
			res.DB.Close()
		}
		panic(&InternalError{
			Code:    transition.ErrCodeStorageFlippedTwice,
			Message: "storage manager resolved twice",
			Details: map[string]string{"state": e.regions.Storage.String()},
		})
	}

	var rec *resource.DB
	if res.Err != nil || res.DB == nil {
		rec = resource.NeverConnecting()
		e.logger.Warn("storage will never connect", "error", res.Err)
	} else {
		e.db = res.DB
		rec = resource.Ready(res.DB)
		e.logger.Info("storage connected", "path", res.DB.Path())
	}
	e.regions.Storage = storageState(rec.Status)
	e.metrics.StorageStatus(int(e.regions.Storage))
	e.fanOut(resource.Bundle{DB: rec})
}

func (e *Engine) onFrame(frame []byte) {
	msg, err := e.codec.Decode(frame)
	if err != nil {
		e.logger.Warn("discarding malformed frame", "error", err, "frame", truncate(frame))
		e.metrics.FrameDiscarded("malformed")
		e.emit(TraceEvent{Kind: TraceDiscarded, Detail: "malformed"})
		return
	}

	switch m := msg.(type) {
	case wire.Resolve:
		e.answer(m.ID, "resolve", func(a transition.Answerable) { a.Confirm() })
	case wire.Reject:
		e.answer(m.ID, "reject", func(a transition.Answerable) { a.Reject(m.Reason) })
	case wire.Patch:
		e.applyPatch(m)
	default:
		e.logger.Debug("ignoring frame", "type", string(msg.MessageType()))
		e.metrics.FrameDiscarded("unexpected")
	}
}

func (e *Engine) answer(id uint64, kind string, deliver func(transition.Answerable)) {
	r, ok := e.runners[id]
	if !ok {
		e.logger.Debug("answer for unknown or finished runner", "runner_id", id, "answer", kind)
		e.metrics.FrameDiscarded("unknown_runner")
		e.emit(TraceEvent{Kind: TraceDiscarded, RunnerID: id, Detail: kind})
		return
	}
	a, ok := r.(transition.Answerable)
	if !ok {
		e.logger.Warn("answer for a runner that expects none", "runner_id", id, "answer", kind, "impact", r.Impact().String())
		e.metrics.FrameDiscarded("unanswerable")
		return
	}
	e.emit(TraceEvent{Kind: TraceAnswer, RunnerID: id, Detail: kind})
	deliver(a)
}

func (e *Engine) applyPatch(p wire.Patch) {
	if e.tree == nil {
		e.logger.Warn("patch before initialization", "transformations", len(p.Transformations))
		return
	}
	e.emit(TraceEvent{Kind: TracePatch, Detail: fmt.Sprintf("%d transformations", len(p.Transformations))})
	for _, t := range p.Transformations {
		switch t.Action {
		case ir.ActionSet:
			e.tree.Set(t.Path, t.NewValue)
		case ir.ActionDelete:
			e.tree.Delete(t.Path)
		default:
			e.logger.Warn("patch with unknown action", "action", string(t.Action), "path", t.Path.String())
		}
	}
}

func (e *Engine) emit(ev TraceEvent) {
	if e.trace != nil {
		e.trace(ev)
	}
}

func truncate(frame []byte) string {
	const limit = 256
	if len(frame) > limit {
		return string(frame[:limit]) + "..."
	}
	return string(frame)
}

// loopScheduler runs memory work inline on the loop and storage work on a
// background goroutine whose result is settled back on the loop.
type loopScheduler struct {
	e *Engine
}

func (s loopScheduler) Schedule(dim transition.Dimension, work func(context.Context) error, settle func(error)) {
	e := s.e
	if dim == transition.DimMemory {
		settle(transition.RunGuarded(e.ctx, work))
		return
	}
	e.bg.Go(func() error {
		err := transition.RunGuarded(e.ctx, work)
		e.queue.Enqueue(Event{Type: EventTypeCall, Call: func() { settle(err) }})
		return nil
	})
}
