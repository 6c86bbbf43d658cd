// Package hosting connects hosting objects (UI bindings, views, remote
// mirrors) to engines. A Hub mirrors one engine's model and broadcasts its
// transformations; a Registry shares one engine per key among all hosts
// that ask for it; a Supervisor attaches and detaches hosts.
package hosting

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/lofi/internal/ir"
)

// Host mirrors a memory model: one Snapshot when it attaches (or when the
// model is first created), then every transformation in order. Calls come
// from the engine's loop goroutine and must not block.
type Host interface {
	Snapshot(ir.IRObject)
	Transform(ir.Transformation)
}

// Hub is an engine watcher that fans the model out to many hosts. It keeps
// its own mirror of the model so a host that attaches late starts from the
// current state without a round trip through the engine.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	model  ir.IRObject
	hosts  map[string]Host
	order  []string
	logger *slog.Logger
}

// NewHub creates an empty hub. A nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{hosts: make(map[string]Host), logger: logger}
}

// Snapshot replaces the mirror and resends it to every host.
func (h *Hub) Snapshot(model ir.IRObject) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.model = model
	for _, id := range h.order {
		h.deliver(id, func(host Host) { host.Snapshot(ir.Clone(model).(ir.IRObject)) })
	}
}

// Transform applies t to the mirror and forwards it to every host.
func (h *Hub) Transform(t ir.Transformation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model != nil && !t.Apply(h.model) {
		h.logger.Warn("hub mirror could not apply transformation", "path", t.Path.String(), "action", string(t.Action))
	}
	for _, id := range h.order {
		h.deliver(id, func(host Host) { host.Transform(t) })
	}
}

// Add attaches host under id. The host receives the mirror immediately when
// the model exists. Adding an id twice replaces the earlier host.
func (h *Hub) Add(id string, host Host) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.hosts[id]; !ok {
		h.order = append(h.order, id)
	}
	h.hosts[id] = host
	if h.model != nil {
		h.deliver(id, func(host Host) { host.Snapshot(ir.Clone(h.model).(ir.IRObject)) })
	}
}

// Remove detaches the host with id. Returns false when no such host exists.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.hosts[id]; !ok {
		return false
	}
	delete(h.hosts, id)
	h.order = slices.DeleteFunc(h.order, func(s string) bool { return s == id })
	return true
}

// Len returns the number of attached hosts.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hosts)
}

// Model returns a copy of the mirror, or nil before the first snapshot.
func (h *Hub) Model() ir.IRObject {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model == nil {
		return nil
	}
	return ir.Clone(h.model).(ir.IRObject)
}

// deliver calls fn for one host. A panicking host is logged; the others
// still receive the update.
func (h *Hub) deliver(id string, fn func(Host)) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Warn("host panicked", "host_id", id, "panic", fmt.Sprint(rec))
		}
	}()
	fn(h.hosts[id])
}
