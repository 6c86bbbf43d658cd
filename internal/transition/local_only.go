package transition

import (
	"fmt"

	"github.com/roach88/lofi/internal/resource"
)

// localOnlyRunner applies local effects only. It completes once both the
// memory and storage dimensions have settled; connection status is never
// inspected.
type localOnlyRunner struct {
	base
	mem DimState
	db  DimState
}

func newLocalOnly(cfg Config) *localOnlyRunner {
	r := &localOnlyRunner{base: newBase(cfg)}
	r.hooks = r

	r.mem, r.db = DimNotRequired, DimNotRequired
	if cfg.Handler.EditMemoryModel != nil {
		r.mem = DimNotEvaluated
	}
	if cfg.Handler.EditDB != nil {
		r.db = DimAwaitingResources
	}

	r.post(func() {
		r.stepMemory(EvResourcesReady)
		switch r.res.StorageStatus() {
		case resource.DBConnectedAndMigrated:
			r.stepStorage(EvResourcesReady)
		case resource.DBNeverConnecting:
			r.stepStorage(EvResourcesNever)
		}
		r.maybeComplete()
	})
	return r
}

func (r *localOnlyRunner) onStorageConnected() {
	r.stepStorage(EvResourcesReady)
	r.maybeComplete()
}

func (r *localOnlyRunner) onStorageConfirmedNeverConnecting() {
	r.stepStorage(EvResourcesNever)
	r.maybeComplete()
}

func (r *localOnlyRunner) onConnectionEstablished() {}

func (r *localOnlyRunner) stepMemory(ev DimEvent) {
	next, eff := StepDim(r.mem, ev)
	r.mem = next
	if eff == EffectEdit {
		r.runMemory(r.cfg.Handler.EditMemoryModel, func(err error) {
			r.stepMemory(settleEvent(DimMemory, "edit", err, &r.base))
			r.maybeComplete()
		})
	}
}

func (r *localOnlyRunner) stepStorage(ev DimEvent) {
	next, eff := StepDim(r.db, ev)
	r.db = next
	if eff == EffectEdit {
		r.runStorage(r.cfg.Handler.EditDB, func(err error) {
			r.stepStorage(settleEvent(DimStorage, "edit", err, &r.base))
			r.maybeComplete()
		})
	}
}

func (r *localOnlyRunner) maybeComplete() {
	if r.completed || !r.mem.Settled() || !r.db.Settled() {
		return
	}
	if r.db == DimNotPossible {
		r.logger.Debug("storage will never connect; storage edit skipped")
	}
	r.complete()
}

func (r *localOnlyRunner) Done() bool {
	return r.completed
}

func (r *localOnlyRunner) Status() string {
	return fmt.Sprintf("memory=%s db=%s", r.mem, r.db)
}

// settleEvent maps a handler result to a dimension event, logging failures.
func settleEvent(dim Dimension, op string, err error, b *base) DimEvent {
	failed := err != nil
	if failed {
		b.logHandlerError(dim, op, err)
	}
	switch {
	case op == "edit" && failed:
		return EvEditFailed
	case op == "edit":
		return EvEditSucceeded
	case failed:
		return EvRevertFailed
	default:
		return EvRevertSucceeded
	}
}
