package memory

import (
	"github.com/roach88/lofi/internal/ir"
)

// wrap records the identity of every container in v, rooted at path.
// A container that is already recorded is left as an alias and not walked
// again, which also stops recursion on cyclic input.
func (t *Tree) wrap(v ir.IRValue, path ir.Path) {
	id := ir.Identity(v)
	if id == 0 {
		return
	}
	if first, seen := t.guard[id]; seen {
		t.warnAlias(path, first)
		return
	}
	t.guard[id] = path

	switch c := v.(type) {
	case ir.IRObject:
		for k, child := range c {
			t.wrap(child, path.Child(ir.K(k)))
		}
	case ir.IRArray:
		for i, child := range c {
			t.wrap(child, path.Child(ir.I(i)))
		}
	}
}

// release forgets the identities recorded at or below path. Containers
// recorded elsewhere (aliases, or a cycle back to an ancestor) are kept.
func (t *Tree) release(v ir.IRValue, path ir.Path) {
	id := ir.Identity(v)
	if id == 0 {
		return
	}
	registered, ok := t.guard[id]
	if !ok || !registered.HasPrefix(path) {
		return
	}
	delete(t.guard, id)

	switch c := v.(type) {
	case ir.IRObject:
		for k, child := range c {
			t.release(child, path.Child(ir.K(k)))
		}
	case ir.IRArray:
		for i, child := range c {
			t.release(child, path.Child(ir.I(i)))
		}
	}
}

// warnAlias logs the first shared reference. Objects and in-place array
// element writes stay visible through every alias; an array append does not.
func (t *Tree) warnAlias(path, first ir.Path) {
	if t.aliasWarned {
		return
	}
	t.aliasWarned = true
	t.logger.Warn("memory model holds a shared or cyclic reference; aliasing instead of copying",
		"path", path.String(),
		"first_seen_at", first.String(),
	)
}

// unwrap returns a plain deep copy of v. A container that appears inside
// itself is replaced with null.
func (t *Tree) unwrap(v ir.IRValue) ir.IRValue {
	return t.unwrapVisiting(v, make(map[uintptr]bool))
}

func (t *Tree) unwrapVisiting(v ir.IRValue, visiting map[uintptr]bool) ir.IRValue {
	switch c := v.(type) {
	case ir.IRObject:
		if id := ir.Identity(c); id != 0 {
			if visiting[id] {
				t.logger.Warn("cycle cut while unwrapping memory model")
				return ir.IRNull{}
			}
			visiting[id] = true
			defer delete(visiting, id)
		}
		out := make(ir.IRObject, len(c))
		for k, child := range c {
			out[k] = t.unwrapVisiting(child, visiting)
		}
		return out
	case ir.IRArray:
		if id := ir.Identity(c); id != 0 {
			if visiting[id] {
				t.logger.Warn("cycle cut while unwrapping memory model")
				return ir.IRNull{}
			}
			visiting[id] = true
			defer delete(visiting, id)
		}
		out := make(ir.IRArray, len(c))
		for i, child := range c {
			out[i] = t.unwrapVisiting(child, visiting)
		}
		return out
	default:
		return v
	}
}
