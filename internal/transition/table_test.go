package transition

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepDim_EveryPairIsDefined(t *testing.T) {
	for _, from := range DimStates {
		for _, ev := range DimEvents {
			to, eff := StepDim(from, ev)
			assert.True(t, slices.Contains(DimStates, to), "%s + %s -> unknown state %d", from, ev, to)
			if eff == EffectSend {
				t.Errorf("%s + %s: dimensions never send", from, ev)
			}
		}
	}
}

func TestStepDim_TerminalStatesAbsorbEverything(t *testing.T) {
	for _, from := range DimStates {
		if !from.Terminal() {
			continue
		}
		for _, ev := range DimEvents {
			to, eff := StepDim(from, ev)
			assert.Equal(t, from, to, "%s + %s", from, ev)
			assert.Equal(t, EffectNone, eff, "%s + %s", from, ev)
		}
	}
}

func TestStepDim_Edges(t *testing.T) {
	tests := []struct {
		from DimState
		ev   DimEvent
		to   DimState
		eff  Effect
	}{
		{DimNotEvaluated, EvResourcesReady, DimInProgress, EffectEdit},
		{DimAwaitingResources, EvResourcesReady, DimInProgress, EffectEdit},
		{DimAwaitingResources, EvResourcesNever, DimNotPossible, EffectNone},
		{DimAwaitingResources, EvRejected, DimDidNotBegin, EffectNone},
		{DimInProgress, EvEditSucceeded, DimCompleted, EffectNone},
		{DimInProgress, EvEditFailed, DimFailed, EffectNone},
		{DimInProgress, EvRejected, DimInProgressRejected, EffectNone},
		{DimInProgressRejected, EvEditSucceeded, DimReverting, EffectRevert},
		{DimInProgressRejected, EvEditFailed, DimFailed, EffectNone},
		{DimCompleted, EvRejected, DimReverting, EffectRevert},
		{DimCompleted, EvResourcesReady, DimCompleted, EffectNone},
		{DimReverting, EvRevertSucceeded, DimReverted, EffectNone},
		{DimReverting, EvRevertFailed, DimRevertFailed, EffectNone},
		{DimReverting, EvRejected, DimReverting, EffectNone},
	}
	for _, tt := range tests {
		to, eff := StepDim(tt.from, tt.ev)
		assert.Equal(t, tt.to, to, "%s + %s", tt.from, tt.ev)
		assert.Equal(t, tt.eff, eff, "%s + %s", tt.from, tt.ev)
	}
}

func TestStepRemote_TerminalStatesAbsorbEverything(t *testing.T) {
	steps := map[string]func(RemoteState, RemoteEvent) (RemoteState, Effect){
		"push":  StepPush,
		"nudge": StepNudge,
	}
	for name, step := range steps {
		for _, from := range RemoteStates {
			for _, ev := range RemoteEvents {
				to, eff := step(from, ev)
				assert.True(t, slices.Contains(RemoteStates, to), "%s: %s + %s", name, from, ev)
				if from.Terminal() {
					assert.Equal(t, from, to, "%s: %s + %s", name, from, ev)
					assert.Equal(t, EffectNone, eff, "%s: %s + %s", name, from, ev)
				}
			}
		}
	}
}

func TestStepPush_ResendsOnEveryConnection(t *testing.T) {
	to, eff := StepPush(RemoteAwaitingConnection, EvConnected)
	assert.Equal(t, RemoteSent, to)
	assert.Equal(t, EffectSend, eff)

	to, eff = StepPush(RemoteSent, EvConnected)
	assert.Equal(t, RemoteSent, to)
	assert.Equal(t, EffectSend, eff)
}

func TestStepNudge_SendsOnce(t *testing.T) {
	to, eff := StepNudge(RemoteAwaitingConnection, EvConnected)
	assert.Equal(t, RemoteSent, to)
	assert.Equal(t, EffectSend, eff)

	to, eff = StepNudge(RemoteSent, EvConnected)
	assert.Equal(t, RemoteSent, to)
	assert.Equal(t, EffectNone, eff)
}

func TestStateNames(t *testing.T) {
	for _, s := range DimStates {
		assert.NotEqual(t, "unknown", s.String())
	}
	for _, e := range DimEvents {
		assert.NotEqual(t, "unknown", e.String())
	}
	for _, s := range RemoteStates {
		assert.NotEqual(t, "unknown", s.String())
	}
	for _, e := range RemoteEvents {
		assert.NotEqual(t, "unknown", e.String())
	}
	assert.Equal(t, "did_not_begin_executing_before_rejection", DimDidNotBegin.String())
}

func TestParseImpact(t *testing.T) {
	for _, impact := range Impacts {
		parsed, err := ParseImpact(impact.String())
		assert.NoError(t, err)
		assert.Equal(t, impact, parsed)
	}
	_, err := ParseImpact("sometimes")
	assert.Error(t, err)

	var i Impact
	assert.NoError(t, i.UnmarshalText([]byte("ws_only_nudge")))
	assert.Equal(t, WsOnlyNudge, i)
}
