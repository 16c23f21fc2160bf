// Package bus implements the typed message router the three workflow
// agents use to reach one another. Agents never call each other
// directly; every cross-agent call is a Bus.Send keyed by
// (target agent, action), carrying a typed payload and a context with
// deadline/cancellation.
//
// A handler is registered once per (target, action) pair at wiring time
// and invoked synchronously from Send; the router adds no queueing or
// concurrency of its own; each agent method decides its own locking
// (the single-flight chat guard, the SessionStore transition lock).
package bus
