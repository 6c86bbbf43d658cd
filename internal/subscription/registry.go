// Package subscription implements the path subscription registry: a trie of
// path segments whose nodes hold subscriber callbacks and a reference count of
// the subscriptions registered at or below them.
//
// The registry is independent of the memory model. Callers hand it the
// current model snapshot on every call; it never reads the model itself.
//
// A Registry is not safe for concurrent use. The engine owns one and calls it
// from its event loop.
package subscription

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/lofi/internal/ir"
)

// Callback receives the value found at the subscribed path. A nil value means
// the path does not resolve in the current snapshot. Values are shared with
// the snapshot passed to the registry and must be treated as read-only.
type Callback func(ir.IRValue)

// Token identifies one subscription.
type Token uint64

type subscriber struct {
	token Token
	fn    Callback
}

type node struct {
	refs     int
	subs     []subscriber
	children map[string]*node
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Registry is the path subscription trie.
type Registry struct {
	root      *node
	nextToken Token
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for swallowed callback panics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		root:   newNode(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn at path and immediately invokes it with the value at
// path in snapshot. A panic raised by that first invocation is logged and
// swallowed; the subscription stays registered.
func (r *Registry) Subscribe(path ir.Path, fn Callback, snapshot ir.IRValue) Token {
	cur := r.root
	for _, seg := range path {
		key := seg.String()
		child, ok := cur.children[key]
		if !ok {
			child = newNode()
			cur.children[key] = child
		}
		child.refs++
		cur = child
	}

	r.nextToken++
	token := r.nextToken
	cur.subs = append(cur.subs, subscriber{token: token, fn: fn})

	r.invoke(path, fn, ir.Lookup(snapshot, path))
	return token
}

// Unsubscribe removes the subscription identified by token at path. Returns
// false when no such subscription exists, in which case nothing changes.
func (r *Registry) Unsubscribe(path ir.Path, token Token) bool {
	if !r.holds(path, token) {
		return false
	}

	cur := r.root
	for _, seg := range path {
		key := seg.String()
		child := cur.children[key]
		child.refs--
		if child.refs <= 0 {
			// Dropping the child drops its whole subtree, including the token.
			delete(cur.children, key)
			return true
		}
		cur = child
	}
	cur.subs = slices.DeleteFunc(cur.subs, func(s subscriber) bool {
		return s.token == token
	})
	return true
}

// Dispatch notifies subscribers affected by a change at path: every
// subscriber on the way from the root to path, and every subscriber anywhere
// below path. Each receives the value at its own location in snapshot.
func (r *Registry) Dispatch(path ir.Path, snapshot ir.IRValue) {
	cur := r.root
	var at ir.Path
	value := snapshot
	r.notify(cur, at, value)

	for _, seg := range path {
		child, ok := cur.children[seg.String()]
		if !ok {
			return
		}
		at = at.Child(seg)
		value = stepValue(value, seg)
		cur = child
		r.notify(cur, at, value)
	}

	r.notifyDescendants(cur, at, value)
}

// Empty reports whether the registry holds no subscriptions.
func (r *Registry) Empty() bool {
	return len(r.root.children) == 0 && len(r.root.subs) == 0
}

// Has reports whether a node exists for path. Lookup never creates nodes.
func (r *Registry) Has(path ir.Path) bool {
	return r.find(path) != nil
}

// RefCount returns the reference count of the node at path, or 0 when the node
// does not exist. The root is not counted.
func (r *Registry) RefCount(path ir.Path) int {
	n := r.find(path)
	if n == nil || n == r.root {
		return 0
	}
	return n.refs
}

func (r *Registry) find(path ir.Path) *node {
	cur := r.root
	for _, seg := range path {
		child, ok := cur.children[seg.String()]
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

func (r *Registry) holds(path ir.Path, token Token) bool {
	n := r.find(path)
	if n == nil {
		return false
	}
	return slices.ContainsFunc(n.subs, func(s subscriber) bool {
		return s.token == token
	})
}

func (r *Registry) notifyDescendants(n *node, at ir.Path, value ir.IRValue) {
	for _, key := range slices.Sorted(maps.Keys(n.children)) {
		seg := ir.K(key)
		child := n.children[key]
		childPath := at.Child(seg)
		childValue := stepValue(value, seg)
		r.notify(child, childPath, childValue)
		r.notifyDescendants(child, childPath, childValue)
	}
}

func (r *Registry) notify(n *node, at ir.Path, value ir.IRValue) {
	// Copy so a callback that unsubscribes does not disturb iteration.
	for _, s := range slices.Clone(n.subs) {
		r.invoke(at, s.fn, value)
	}
}

func (r *Registry) invoke(at ir.Path, fn Callback, value ir.IRValue) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("subscriber callback panicked",
				"path", at.String(),
				"panic", fmt.Sprint(rec),
			)
		}
	}()
	fn(value)
}

func stepValue(v ir.IRValue, seg ir.Segment) ir.IRValue {
	if v == nil {
		return nil
	}
	return ir.Step(v, seg)
}
