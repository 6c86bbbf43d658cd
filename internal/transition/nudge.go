package transition

import (
	"fmt"
)

// nudgeRunner sends the transition as soon as a connection is available. A
// reliable nudge completes when the authority answers; an unreliable one
// completes on send. Storage events are ignored.
type nudgeRunner struct {
	base
	unreliable bool
	state      RemoteState
}

func newNudge(cfg Config, unreliable bool) *nudgeRunner {
	r := &nudgeRunner{base: newBase(cfg), unreliable: unreliable}
	r.hooks = r
	r.state = RemoteAwaitingConnection

	r.post(func() {
		if r.res.Connected() {
			r.step(EvConnected)
		}
	})
	return r
}

func (r *nudgeRunner) onStorageConnected()                {}
func (r *nudgeRunner) onStorageConfirmedNeverConnecting() {}

func (r *nudgeRunner) onConnectionEstablished() {
	r.step(EvConnected)
}

// Confirm acknowledges the nudge.
func (r *nudgeRunner) Confirm() {
	r.post(func() { r.step(EvConfirmed) })
}

// Reject acknowledges the nudge; the authority has answered either way.
func (r *nudgeRunner) Reject(reason string) {
	r.post(func() {
		if !r.state.Terminal() {
			r.logger.Info("nudge rejected by authority", "reason", reason)
		}
		r.step(EvRemoteRejected)
	})
}

func (r *nudgeRunner) step(ev RemoteEvent) {
	next, eff := StepNudge(r.state, ev)
	r.state = next

	if eff == EffectSend {
		if err := r.send(); err != nil {
			r.logger.Warn("nudge send failed; waiting for the next connection", "error", err)
			r.state, _ = StepNudge(r.state, EvSendFailed)
			return
		}
		r.logger.Debug("nudge sent")
		if r.unreliable {
			r.complete()
			return
		}
	}

	if r.state.Terminal() {
		r.complete()
	}
}

func (r *nudgeRunner) Done() bool {
	return r.completed
}

func (r *nudgeRunner) Status() string {
	return fmt.Sprintf("send=%s", r.state)
}
