// Package harness runs YAML scenarios against a real engine with fake
// resources and checks the resulting trace.
//
// # Scenario Format
//
//	name: push_rejected
//	description: "A rejected push reverts its local effects"
//	config: todo.cue
//	steps:
//	  - submit: addTodo
//	    data: { id: t1, title: milk }
//	  - connect: true
//	  - reject: { id: 0, reason: duplicate }
//	assertions:
//	  - type: trace_order
//	    events: [submitted 0, sent 0, answer 0, completed 0]
//	  - type: model
//	    path: [todos, t1]
//	    absent: true
//
// config names a CUE application config relative to the scenario file; its
// actions, model and migrations are used as-is.
//
// # Steps
//
// Each step sets exactly one of:
//
//   - submit: action name, with optional data
//   - connect: a new connection attempt succeeds
//   - disconnect: the current attempt ends
//   - storage: "ready" opens and migrates a scratch SQLite database,
//     "never" reports that storage will never connect
//   - resolve / reject: the authority answers a runner id
//   - patch: the authority broadcasts transformations
//   - frame: a raw frame arrives on the current attempt
//   - fail_sends: later sends fail (true) or succeed (false)
//
// The engine is drained after every step, so each step's effects are
// complete before the next one starts.
//
// # Assertion Types
//
//   - trace_contains: an event of kind (and runner, action) was recorded
//   - trace_order: events appear in the given relative order
//   - trace_count: kind (and runner) was recorded exactly count times
//   - model: the value at path equals expect, or is absent
//   - sent: transitions reached the authority with these runner ids, in order
//   - live_runners: the engine holds exactly count runners
//   - final_state: a row of table matching where has the expect columns
//
// # Deterministic Testing
//
// Handler work runs inline, session ids are fixed and trace entries are
// numbered from 1, so a scenario always yields the same trace. Golden files
// live under testdata/golden and are compared with goldie.
package harness
