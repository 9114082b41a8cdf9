// Package listener tracks which widgets are interested in which entities.
//
// Each widget owns at most one Registration. Registering the same widget again replaces
// the previous registration atomically, so a widget is never invoked twice for one
// change. The returned Unregister is bound to the registration it came from: calling
// it after the widget re-registered leaves the newer registration in place.
//
// The registry never invokes callbacks on its own. TriggerAll forwards changed ids to
// a Notifier (the batching dispatcher), which later asks the registry, through
// Matching, which registrations to invoke. Resolving at flush time means a widget
// that unregisters mid-window is simply not found.
package listener
