package memory

import (
	"log/slog"

	"github.com/roach88/lofi/internal/ir"
)

// Listener receives every transformation the tree emits, in mutation order.
type Listener func(ir.Transformation)

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the logger used for diagnostic warnings.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tree) {
		t.logger = l
	}
}

// Tree is the memory model. It is not safe for concurrent use: the engine
// owns it and mutates it from its single event loop goroutine.
type Tree struct {
	root      ir.IRObject
	guard     map[uintptr]ir.Path
	listeners []Listener
	logger    *slog.Logger

	aliasWarned bool
}

// New wraps initial. The tree takes ownership of initial; the caller must not
// mutate it afterwards. A nil initial model starts empty.
func New(initial ir.IRObject, opts ...Option) *Tree {
	t := &Tree{
		root:   initial,
		guard:  make(map[uintptr]ir.Path),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.root == nil {
		t.root = ir.IRObject{}
	}
	t.guard[ir.Identity(t.root)] = ir.Path{}
	for k, v := range t.root {
		t.wrap(v, ir.Path{ir.K(k)})
	}
	return t
}

// OnTransform registers a listener for emitted transformations.
func (t *Tree) OnTransform(l Listener) {
	t.listeners = append(t.listeners, l)
}

// Set assigns v at path and emits a Set transformation. Returns false (and
// logs a warning) when the assignment is not a plain property write.
func (t *Tree) Set(path ir.Path, v ir.IRValue) bool {
	if v == nil {
		t.reject("set", path, "value is undefined; use Delete")
		return false
	}
	if len(path) == 0 {
		t.reject("set", path, "the root cannot be replaced")
		return false
	}
	parentPath, last := path[:len(path)-1], path[len(path)-1]
	parent := ir.Lookup(t.root, parentPath)

	switch p := parent.(type) {
	case ir.IRObject:
		key := last.String()
		if old, ok := p[key]; ok {
			t.release(old, path)
		}
		t.wrap(v, path)
		p[key] = v
	case ir.IRArray:
		idx, ok := last.AsIndex()
		if !ok {
			t.reject("set", path, "array element addressed by a non-index key")
			return false
		}
		switch {
		case idx < len(p):
			t.release(p[idx], path)
			t.wrap(v, path)
			p[idx] = v
		case idx == len(p):
			// Appending grows a new slice stored only at parentPath, so an
			// alias of this array elsewhere keeps the old length and
			// stops sharing elements from here on.
			t.wrap(v, path)
			t.replaceContainer(parentPath, append(p, v))
		default:
			t.reject("set", path, "index past the end of the array")
			return false
		}
	case nil:
		t.reject("set", path, "parent does not exist")
		return false
	default:
		t.reject("set", path, "parent is not an object or array")
		return false
	}

	t.emit(ir.SetTransformation(path, t.unwrap(v)))
	return true
}

// Delete removes the value at path and emits a Delete transformation.
// Deleting an array element leaves a null hole so indices stay stable.
func (t *Tree) Delete(path ir.Path) bool {
	if len(path) == 0 {
		t.reject("delete", path, "the root cannot be deleted")
		return false
	}
	parent := ir.Lookup(t.root, path[:len(path)-1])
	last := path[len(path)-1]

	switch p := parent.(type) {
	case ir.IRObject:
		key := last.String()
		if old, ok := p[key]; ok {
			t.release(old, path)
			delete(p, key)
		}
	case ir.IRArray:
		idx, ok := last.AsIndex()
		if !ok || idx >= len(p) {
			t.reject("delete", path, "no such array element")
			return false
		}
		t.release(p[idx], path)
		p[idx] = ir.IRNull{}
	default:
		t.reject("delete", path, "parent is not an object or array")
		return false
	}

	t.emit(ir.DeleteTransformation(path))
	return true
}

// Get returns a plain copy of the value at path, or nil when the path does
// not resolve.
func (t *Tree) Get(path ir.Path) ir.IRValue {
	v := ir.Lookup(t.root, path)
	if v == nil {
		return nil
	}
	return t.unwrap(v)
}

// Has reports whether path resolves to a value.
func (t *Tree) Has(path ir.Path) bool {
	return ir.Lookup(t.root, path) != nil
}

// Snapshot returns a deep plain copy of the whole model. It is what crosses
// serialization boundaries (hosts, the wire, golden traces).
func (t *Tree) Snapshot() ir.IRObject {
	return t.unwrap(t.root).(ir.IRObject)
}

// Lookup resolves path against the live model without copying. Callers must
// treat the result as read-only; it exists so the subscription registry can
// dispatch without a snapshot per transformation.
func (t *Tree) Lookup(path ir.Path) ir.IRValue {
	return ir.Lookup(t.root, path)
}

// At returns a cursor positioned at the given path.
// Panics on path element types other than string, int and ir.Segment.
func (t *Tree) At(parts ...any) Cursor {
	return Cursor{tree: t, base: ir.P(parts...)}
}

func (t *Tree) emit(tr ir.Transformation) {
	for _, l := range t.listeners {
		l(tr)
	}
}

func (t *Tree) reject(op string, path ir.Path, reason string) {
	t.logger.Warn("memory model operation rejected",
		"op", op,
		"path", path.String(),
		"reason", reason,
	)
}

// replaceContainer writes a grown slice back into its parent slot. Appending
// may reallocate, so the parent must observe the new slice header.
func (t *Tree) replaceContainer(path ir.Path, grown ir.IRArray) {
	parent := ir.Lookup(t.root, path[:len(path)-1])
	last := path[len(path)-1]
	old := ir.Lookup(t.root, path)
	delete(t.guard, ir.Identity(old))
	switch p := parent.(type) {
	case ir.IRObject:
		p[last.String()] = grown
	case ir.IRArray:
		idx, _ := last.AsIndex()
		p[idx] = grown
	}
	t.guard[ir.Identity(grown)] = path
}
