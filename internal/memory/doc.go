// Package memory implements the reactive memory model: a tree of plain IR
// data whose every mutation is turned into an ir.Transformation.
//
// Mutations go through an explicit API (Tree.Set, Tree.Delete, Cursor)
// rather than transparent field assignment. Each accepted mutation emits
// exactly one transformation carrying the full path from the root; nothing
// is coalesced.
//
// # Recursion guard
//
// The tree records the identity of every container reachable from the root.
// Assigning a container that is already part of the tree does not copy it:
// the same map is reachable from both places (an alias) and a single warning
// is logged, because the model is expected to be a tree. Cyclic input is
// tolerated the same way. Snapshot cuts cycles, replacing the repeated
// reference with null.
//
// # Rejected operations
//
// Operations that do not map onto plain get/set/delete (replacing the root,
// writing below a scalar or a missing parent, indexing past the end of an
// array) are warned no-ops. They never panic, so one bad mutation cannot take
// the model down.
package memory
