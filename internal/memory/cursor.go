package memory

import (
	"github.com/roach88/lofi/internal/ir"
)

// Cursor is a handle on a location in the tree. It carries no state beyond
// its path, so it stays valid across mutations; operations through it behave
// exactly like the corresponding Tree call with the joined path.
type Cursor struct {
	tree *Tree
	base ir.Path
}

// Path returns the cursor's absolute path.
func (c Cursor) Path() ir.Path {
	return c.base
}

// At returns a cursor below c.
func (c Cursor) At(parts ...any) Cursor {
	return Cursor{tree: c.tree, base: c.base.Join(ir.P(parts...))}
}

// Get returns a plain copy of the value at the cursor.
func (c Cursor) Get() ir.IRValue {
	return c.tree.Get(c.base)
}

// Set assigns v to the child key or index of the cursor.
func (c Cursor) Set(seg any, v ir.IRValue) bool {
	return c.tree.Set(c.base.Join(ir.P(seg)), v)
}

// Delete removes the child key or index of the cursor.
func (c Cursor) Delete(seg any) bool {
	return c.tree.Delete(c.base.Join(ir.P(seg)))
}

// Append sets v at the index one past the end of the array at the cursor.
func (c Cursor) Append(v ir.IRValue) bool {
	arr, ok := c.tree.Lookup(c.base).(ir.IRArray)
	if !ok {
		c.tree.reject("append", c.base, "cursor is not positioned on an array")
		return false
	}
	return c.Set(len(arr), v)
}
