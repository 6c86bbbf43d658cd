// Package engine implements the Transition Lifecycle Coordinator.
//
// The coordinator owns the memory model, the path subscription registry and
// one runner per live transition. It tracks three parallel regions (init,
// connection, storage), fans resource changes out to runners, and routes
// authority answers to the runner they address.
//
// Single-Writer Event Loop:
// Every mutation happens on one goroutine. Submissions, connection events,
// the storage result and handler settles are queued and processed in FIFO
// order, so a runner never observes two events at once.
//
// Event Processing Flow:
//  1. Submit numbers a transition from the Clock and queues it.
//  2. Run (or Drain) dequeues events one at a time.
//  3. processEvent routes the event; resource changes reach every live
//     runner in submission order.
//  4. Runners that report Done are dropped after every event.
//
// Storage handler work runs off the loop; its result is queued back as a
// call event. Memory handler work runs on the loop because the tree is
// loop-owned.
package engine
