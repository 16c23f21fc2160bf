package event

import "github.com/dandi-tools/nwbflow/pkg/types"

// Kind identifies the shape of an Event's Payload.
type Kind string

const (
	KindStatusUpdate         Kind = "status_update"
	KindProgress             Kind = "progress"
	KindLog                  Kind = "log"
	KindConversationMessage  Kind = "conversation_message"
	KindValidationReport     Kind = "validation_report"
	KindFinalized            Kind = "finalized"
	KindReset                Kind = "reset"
	KindMetadataRequest      Kind = "metadata_request"

	// KindLagged is synthesized by the bus itself, never published by a
	// caller, when a slow subscriber's queue had to drop events.
	KindLagged Kind = "lagged"
)

// StatusUpdatePayload mirrors a Session's top-level status transition.
type StatusUpdatePayload struct {
	Status ConversionStatus `json:"status"`
	Phase  ConversationPhase `json:"phase"`
}

// Re-exported aliases so subscribers never need to import pkg/types just
// to read an event's status/phase fields.
type ConversionStatus = types.ConversionStatus
type ConversationPhase = types.ConversationPhase

// ProgressPayload reports ConversionAgent's best-effort progress within a
// single run_conversion call.
type ProgressPayload struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// LogPayload is a structured log line surfaced to the event stream, not
// just the server's own log file.
type LogPayload struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// ConversationMessagePayload is one chat turn, either the user's or an
// agent's reply.
type ConversationMessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidationReportPayload carries a short human-readable summary; the
// full types.ValidationReport is available via GET /api/validation.
type ValidationReportPayload struct {
	Outcome types.ValidationOutcome `json:"outcome"`
	Summary string                  `json:"summary"`
}

// FinalizedPayload marks the terminal outcome of one upload/convert/
// validate cycle.
type FinalizedPayload struct {
	TerminalStatus types.TerminalValidationStatus `json:"terminalStatus"`
}

// ResetPayload carries no data; it announces that the session has
// returned to IDLE.
type ResetPayload struct{}

// MetadataRequestPayload wraps a types.MetadataRequest for streaming.
type MetadataRequestPayload struct {
	Request types.MetadataRequest `json:"request"`
}

// LaggedPayload tells a subscriber how many events it missed because its
// queue was full.
type LaggedPayload struct {
	Dropped int `json:"dropped"`
}
