package transition

import (
	"context"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/memory"
	"github.com/roach88/lofi/internal/store"
)

// MemoryFunc edits or reverts the memory model. It runs on the coordinator's
// goroutine, which owns the tree.
type MemoryFunc func(ctx context.Context, tree *memory.Tree, data ir.IRObject) error

// StorageFunc edits or reverts the database. It runs on its own goroutine;
// the runner learns its result through the Scheduler.
type StorageFunc func(ctx context.Context, db *store.DB, data ir.IRObject) error

// Handler holds the local effects of one action. Any field may be nil; a
// missing edit function makes its dimension vacuously complete.
type Handler struct {
	EditMemoryModel   MemoryFunc
	RevertMemoryModel MemoryFunc
	EditDB            StorageFunc
	RevertDB          StorageFunc
}

// Dimension names the resource a unit of handler work touches.
type Dimension uint8

const (
	DimMemory Dimension = iota
	DimStorage
)

func (d Dimension) String() string {
	switch d {
	case DimMemory:
		return "memory"
	case DimStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Scheduler runs handler work for a runner. settle must be called exactly
// once with work's result, on the coordinator's goroutine. A runner never has
// more than one outstanding call per dimension.
type Scheduler interface {
	Schedule(dim Dimension, work func(context.Context) error, settle func(error))
}
