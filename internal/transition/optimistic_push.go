package transition

import (
	"fmt"

	"github.com/roach88/lofi/internal/resource"
)

// optimisticPushRunner applies local effects speculatively, pushes the
// transition to the authority and reverts the local effects on rejection.
// It has three regions (remote, memory, storage) and finalizes once all of
// them are terminal.
type optimisticPushRunner struct {
	base
	remote RemoteState
	mem    DimState
	db     DimState

	rejectReason string
	finalized    bool
}

func newOptimisticPush(cfg Config) *optimisticPushRunner {
	r := &optimisticPushRunner{base: newBase(cfg)}
	r.hooks = r

	r.remote = RemoteAwaitingConnection
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
		if r.res.Connected() {
			r.stepRemote(EvConnected)
		}
		r.maybeFinalize()
	})
	return r
}

func (r *optimisticPushRunner) onStorageConnected() {
	r.stepStorage(EvResourcesReady)
	r.maybeFinalize()
}

func (r *optimisticPushRunner) onStorageConfirmedNeverConnecting() {
	r.stepStorage(EvResourcesNever)
	r.maybeFinalize()
}

func (r *optimisticPushRunner) onConnectionEstablished() {
	r.stepRemote(EvConnected)
	r.maybeFinalize()
}

// Confirm records the authority's confirmation.
func (r *optimisticPushRunner) Confirm() {
	r.post(func() {
		r.stepRemote(EvConfirmed)
		r.maybeFinalize()
	})
}

// Reject records the authority's rejection and reverts whatever completed.
func (r *optimisticPushRunner) Reject(reason string) {
	r.post(func() {
		if r.remote.Terminal() {
			r.logger.Warn("rejection after the authority already answered; ignored", "reason", reason)
			return
		}
		r.rejectReason = reason
		r.stepRemote(EvRemoteRejected)
		r.stepMemory(EvRejected)
		r.stepStorage(EvRejected)
		r.maybeFinalize()
	})
}

func (r *optimisticPushRunner) stepRemote(ev RemoteEvent) {
	next, eff := StepPush(r.remote, ev)
	r.remote = next
	if eff != EffectSend {
		return
	}
	if err := r.send(); err != nil {
		r.logger.Warn("push send failed; will resend on reconnect", "error", err)
		r.remote, _ = StepPush(r.remote, EvSendFailed)
		return
	}
	r.logger.Debug("push sent")
}

func (r *optimisticPushRunner) stepMemory(ev DimEvent) {
	next, eff := StepDim(r.mem, ev)
	r.mem = next

	h := r.cfg.Handler
	switch eff {
	case EffectEdit:
		r.runMemory(h.EditMemoryModel, func(err error) {
			r.stepMemory(settleEvent(DimMemory, "edit", err, &r.base))
			r.maybeFinalize()
		})
	case EffectRevert:
		if h.RevertMemoryModel == nil {
			r.logger.Warn("rejected with no memory model revert handler; local effect kept")
			r.mem, _ = StepDim(r.mem, EvRevertSucceeded)
			return
		}
		r.runMemory(h.RevertMemoryModel, func(err error) {
			r.stepMemory(settleEvent(DimMemory, "revert", err, &r.base))
			r.maybeFinalize()
		})
	}
}

func (r *optimisticPushRunner) stepStorage(ev DimEvent) {
	next, eff := StepDim(r.db, ev)
	r.db = next

	h := r.cfg.Handler
	switch eff {
	case EffectEdit:
		r.runStorage(h.EditDB, func(err error) {
			r.stepStorage(settleEvent(DimStorage, "edit", err, &r.base))
			r.maybeFinalize()
		})
	case EffectRevert:
		if h.RevertDB == nil {
			r.logger.Warn("rejected with no storage revert handler; local effect kept")
			r.db, _ = StepDim(r.db, EvRevertSucceeded)
			return
		}
		r.runStorage(h.RevertDB, func(err error) {
			r.stepStorage(settleEvent(DimStorage, "revert", err, &r.base))
			r.maybeFinalize()
		})
	}
}

// regionDone reports whether a dimension can no longer change. A completed
// edit is only final once the authority has confirmed it.
func (r *optimisticPushRunner) regionDone(s DimState) bool {
	return s.Terminal() || (s == DimCompleted && r.remote == RemoteConfirmed)
}

func (r *optimisticPushRunner) maybeFinalize() {
	if r.finalized || !r.remote.Terminal() || !r.regionDone(r.mem) || !r.regionDone(r.db) {
		return
	}
	r.finalized = true

	attrs := []any{"remote", r.remote.String(), "memory", r.mem.String(), "db", r.db.String()}
	if r.remote == RemoteRejected {
		attrs = append(attrs, "reason", r.rejectReason)
	}
	switch {
	case r.mem == DimFailed || r.db == DimFailed:
		r.logger.Warn("optimistic push finalized with a failed edit", attrs...)
	case r.mem == DimRevertFailed || r.db == DimRevertFailed:
		r.logger.Error("optimistic push finalized with a failed revert; local state may be inconsistent", attrs...)
	case r.db == DimNotPossible:
		r.logger.Warn("optimistic push finalized without its storage edit", attrs...)
	default:
		r.logger.Debug("optimistic push finalized", attrs...)
	}
	r.complete()
}

func (r *optimisticPushRunner) Done() bool {
	return r.finalized
}

func (r *optimisticPushRunner) Status() string {
	return fmt.Sprintf("remote=%s memory=%s db=%s", r.remote, r.mem, r.db)
}

// Regions returns the current state of each region.
func (r *optimisticPushRunner) Regions() (RemoteState, DimState, DimState) {
	return r.remote, r.mem, r.db
}
