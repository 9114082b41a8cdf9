// Package dispatch coalesces entity change notifications per dashboard and invokes each
// interested widget at most once per window.
//
// Each dashboard runs its own IDLE -> ACCUMULATING -> IDLE cycle. The first notification
// for an idle dashboard starts a fixed timer; later notifications only grow the pending
// set, so a steady stream of updates cannot postpone a flush. When the timer fires the
// dispatcher asks its Resolver (the listener registry) which registrations match the
// pending set and invokes every match exactly once, in registration order.
//
// Callbacks from all dashboards are serialized: no two callbacks ever run at the same
// time. A panicking callback is recovered and logged and the rest of the batch still runs.
// A callback may call Flush: the batch is queued and runs right after the current one.
package dispatch
