package bus

import (
	"context"
	"fmt"
	"sync"
)

// Target names one of the three workflow agents.
type Target string

const (
	TargetConversation Target = "conversation"
	TargetConversion   Target = "conversion"
	TargetEvaluation   Target = "evaluation"
)

// Action names one operation a Target exposes on the Bus.
type Action string

// Request is one Bus.Send call: a target/action pair and an arbitrary
// typed payload. Send takes the context carrying deadline/cancellation
// as a separate argument.
type Request struct {
	Target  Target
	Action  Action
	Payload any
}

// Response is whatever a handler returns; Status is the status string a
// handler reports back up the call chain (e.g. "conversation_continues",
// "busy") when the caller needs one.
type Response struct {
	Status  string
	Payload any
}

// Handler implements one (target, action) pair.
type Handler func(ctx context.Context, req Request) (Response, error)

type key struct {
	target Target
	action Action
}

// Bus is a registry of (target, action) handlers. Agents reach each
// other only through Send; there is no direct agent-to-agent call
// anywhere in this codebase.
type Bus struct {
	mu       sync.RWMutex
	handlers map[key]Handler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[key]Handler)}
}

// Register attaches a handler to a (target, action) pair. Registering
// the same pair twice is a programmer error and panics, since it can
// only happen during wiring, never at request time.
func (b *Bus) Register(target Target, action Action, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{target, action}
	if _, exists := b.handlers[k]; exists {
		panic(fmt.Sprintf("bus: handler already registered for %s.%s", target, action))
	}
	b.handlers[k] = handler
}

// Send looks up the handler for req.Target/req.Action and invokes it.
// Returns an error if no handler is registered; ctx cancellation is the
// handler's responsibility to honor.
func (b *Bus) Send(ctx context.Context, req Request) (Response, error) {
	b.mu.RLock()
	handler, ok := b.handlers[key{req.Target, req.Action}]
	b.mu.RUnlock()
	if !ok {
		return Response{}, fmt.Errorf("bus: no handler registered for %s.%s", req.Target, req.Action)
	}
	return handler(ctx, req)
}
