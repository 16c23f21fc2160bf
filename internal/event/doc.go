/*
Package event provides the bounded, per-subscriber event stream that
backs the orchestrator's SSE endpoint and internal progress reporting.

# Architecture

The bus is built on watermill's gochannel for infrastructure (every
published event is mirrored onto a watermill topic accessible via
PubSub()), while the typed subscriber API is implemented directly on top
of per-subscriber Go channels so that payload types survive without a
decode step.

# Delivery Semantics

Subscribe returns a receive-only channel and a cancel function:

	ch, cancel := bus.Subscribe()
	defer cancel()
	for ev := range ch {
		switch ev.Kind {
		case event.KindProgress:
			p := ev.Payload.(event.ProgressPayload)
			...
		}
	}

Each subscriber has a bounded queue. A publisher never blocks: if a
subscriber's queue is full, the oldest buffered event is dropped and the
subscriber receives a KindLagged event reporting how many were lost
before resuming in-order, real-time delivery. This trades slow-consumer
durability for publisher responsiveness: a stalled SSE client cannot
stall the agents driving the workflow.

# Event Kinds

  - status_update: Session.Status/ConversationPhase changed
  - progress: ConversionAgent's best-effort percent/message updates
  - log: a structured log line worth surfacing to clients
  - conversation_message: a new chat turn, from the user or an agent
  - validation_report: EvaluationAgent finished a run_validation call
  - finalized: the workflow reached a terminal status
  - reset: the session returned to IDLE
  - metadata_request: ConversationAgent is asking for metadata fields
  - lagged: synthesized by the bus itself when delivery fell behind

# History Replay

The bus retains a bounded ring of recently published events; History
backs the read-only /api/events/history endpoint so a client that missed
the SSE connection's opening moments can catch up without racing
Subscribe against the first few agent-driven events.
*/
package event
