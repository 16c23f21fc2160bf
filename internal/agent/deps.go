// Package agent implements the three workflow agents (conversation,
// conversion, and evaluation) as Bus handlers operating on the single
// process-wide Session through SessionStore and WorkflowPolicy.
package agent

import (
	"time"

	"github.com/dandi-tools/nwbflow/internal/bus"
	"github.com/dandi-tools/nwbflow/internal/capability"
	"github.com/dandi-tools/nwbflow/internal/event"
	"github.com/dandi-tools/nwbflow/internal/sessionstore"
	"github.com/dandi-tools/nwbflow/internal/storage"
)

// Deps is the shared set of collaborators every agent is built with.
// Agents hold no state of their own beyond this; the session itself
// lives in Sessions.
type Deps struct {
	Bus       *bus.Bus
	Sessions  *sessionstore.Store
	Events    *event.Bus
	Storage   *storage.Store
	Converter capability.Converter
	Validator capability.Validator
	Reporter  capability.Reporter
	Model     capability.LanguageModel

	RequiredMetadataFields []string
	MaxRetryAttempts       int

	LanguageModelDeadline time.Duration
	ConverterDeadline     time.Duration
	ValidatorDeadline     time.Duration
	ReporterDeadline      time.Duration
}

// RegisterAll wires every agent's actions onto deps.Bus. Call once
// during application startup. A zero LanguageModelDeadline picks up the
// capability default; converter/validator/reporter deadlines stay as
// given (zero means no deadline).
func RegisterAll(deps *Deps) {
	if deps.LanguageModelDeadline == 0 {
		deps.LanguageModelDeadline = capability.DefaultDeadline
	}
	NewConversationAgent(deps).Register()
	NewConversionAgent(deps).Register()
	NewEvaluationAgent(deps).Register()
}
