// Package types holds the wire- and store-level data model shared by every
// package in the orchestrator: the Session value, its enumerations, and the
// conversation/metadata/validation structures that hang off it.
package types

import "time"

// ConversionStatus is the top-level workflow status of the single active
// session.
type ConversionStatus string

const (
	StatusIdle                        ConversionStatus = "IDLE"
	StatusUploading                   ConversionStatus = "UPLOADING"
	StatusUploaded                    ConversionStatus = "UPLOADED"
	StatusDetectingFormat             ConversionStatus = "DETECTING_FORMAT"
	StatusAwaitingUserInput           ConversionStatus = "AWAITING_USER_INPUT"
	StatusConverting                  ConversionStatus = "CONVERTING"
	StatusValidating                  ConversionStatus = "VALIDATING"
	StatusAwaitingRetryApproval       ConversionStatus = "AWAITING_RETRY_APPROVAL"
	StatusAwaitingImprovementDecision ConversionStatus = "AWAITING_IMPROVEMENT_DECISION"
	StatusCompleted                   ConversionStatus = "COMPLETED"
	StatusFailed                      ConversionStatus = "FAILED"

	// StatusAny is only valid as the `from` argument of SessionStore.Transition;
	// it matches any current status.
	StatusAny ConversionStatus = ""
)

// ValidationOutcome is produced only by EvaluationAgent.
type ValidationOutcome string

const (
	OutcomeNone             ValidationOutcome = ""
	OutcomePassed           ValidationOutcome = "PASSED"
	OutcomePassedWithIssues ValidationOutcome = "PASSED_WITH_ISSUES"
	OutcomeFailed           ValidationOutcome = "FAILED"
)

// ConversationPhase tracks where ConversationAgent is within a single
// upload/convert/validate cycle.
type ConversationPhase string

const (
	PhaseIdle                ConversationPhase = "IDLE"
	PhaseMetadataCollection  ConversationPhase = "METADATA_COLLECTION"
	PhaseValidationAnalysis  ConversationPhase = "VALIDATION_ANALYSIS"
	PhaseImprovementDecision ConversationPhase = "IMPROVEMENT_DECISION"
)

// MetadataRequestPolicy tracks whether/how the user has been asked for
// metadata this session.
type MetadataRequestPolicy string

const (
	MetadataNotAsked          MetadataRequestPolicy = "NOT_ASKED"
	MetadataAskedOnce         MetadataRequestPolicy = "ASKED_ONCE"
	MetadataUserProvided      MetadataRequestPolicy = "USER_PROVIDED"
	MetadataUserDeclined      MetadataRequestPolicy = "USER_DECLINED"
	MetadataProceedingMinimal MetadataRequestPolicy = "PROCEEDING_MINIMAL"
)

// TerminalValidationStatus is recorded only in the Finalized event; it is
// never a live Session.status value.
type TerminalValidationStatus string

const (
	TerminalPassed              TerminalValidationStatus = "PASSED"
	TerminalPassedImproved      TerminalValidationStatus = "PASSED_IMPROVED"
	TerminalPassedAccepted      TerminalValidationStatus = "PASSED_ACCEPTED"
	TerminalFailedUserDeclined  TerminalValidationStatus = "FAILED_USER_DECLINED"
	TerminalFailedUserAbandoned TerminalValidationStatus = "FAILED_USER_ABANDONED"
)

// Message is one turn of the bounded conversation history.
type Message struct {
	Role    string `json:"role"` // "user" | "assistant" | "system"
	Content string `json:"content"`
}

// MaxConversationHistory is the rolling-window size enforced by
// SessionStore.AppendMessage.
const MaxConversationHistory = 50

// Session is the single process-wide workflow session. Every field is
// mutated only through SessionStore methods (see internal/sessionstore);
// this struct itself carries no behavior.
type Session struct {
	// Identity & lifecycle
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Workflow status
	Status            ConversionStatus      `json:"status"`
	ValidationOutcome ValidationOutcome     `json:"validationOutcome"`
	ConversationPhase ConversationPhase     `json:"conversationPhase"`
	MetadataPolicy    MetadataRequestPolicy `json:"metadataPolicy"`

	// Inputs
	InputPath                  string   `json:"inputPath"`
	UploadedFilenames          []string `json:"uploadedFilenames"`
	PendingConversionInputPath string   `json:"pendingConversionInputPath"`
	InputChecksum              string   `json:"inputChecksum"`

	// Metadata layers
	AutoExtractedMetadata map[string]any `json:"autoExtractedMetadata"`
	UserProvidedMetadata  map[string]any `json:"userProvidedMetadata"`

	// Conversion output
	OutputPath        string            `json:"outputPath"`
	OutputChecksums   map[string]string `json:"outputChecksums"`
	CorrectionAttempt int               `json:"correctionAttempt"`

	// Validation result
	ValidationReport *ValidationReport `json:"validationReport,omitempty"`

	// Retry / no-progress tracking
	PreviousValidationIssues          []IssueKey `json:"previousValidationIssues"`
	UserProvidedInputThisAttempt      bool       `json:"userProvidedInputThisAttempt"`
	AutoCorrectionsAppliedThisAttempt bool       `json:"autoCorrectionsAppliedThisAttempt"`

	// Conversation
	ConversationHistory []Message       `json:"conversationHistory"`
	DeclinedFields      map[string]bool `json:"declinedFields"`

	// LLMInflight is the single-flight guard preventing two concurrent
	// language-model calls from racing on the same session. It is not
	// serialized; it exists only as in-memory coordination state.
	LLMInflight bool `json:"-"`

	// PendingResumeAction names the Bus action to invoke once
	// AWAITING_USER_INPUT is resolved (set by whichever agent put the
	// session into that state).
	PendingResumeAction string `json:"pendingResumeAction,omitempty"`
}

// EffectiveMetadata computes the merged metadata view: auto-extracted
// values overlaid by user-provided ones. User always wins. Pure function,
// safe to call on a Snapshot.
func EffectiveMetadata(s *Session) map[string]any {
	merged := make(map[string]any, len(s.AutoExtractedMetadata)+len(s.UserProvidedMetadata))
	for k, v := range s.AutoExtractedMetadata {
		merged[k] = v
	}
	for k, v := range s.UserProvidedMetadata {
		merged[k] = v
	}
	return merged
}

// ZeroSession returns a fresh Session with every field at its zero value
// except timestamps, which are stamped "now" by the caller.
func ZeroSession(now time.Time) *Session {
	return &Session{
		CreatedAt:                now,
		UpdatedAt:                now,
		Status:                   StatusIdle,
		ValidationOutcome:        OutcomeNone,
		ConversationPhase:        PhaseIdle,
		MetadataPolicy:           MetadataNotAsked,
		UploadedFilenames:        nil,
		AutoExtractedMetadata:    map[string]any{},
		UserProvidedMetadata:     map[string]any{},
		OutputChecksums:          map[string]string{},
		PreviousValidationIssues: nil,
		ConversationHistory:      nil,
		DeclinedFields:           map[string]bool{},
	}
}
