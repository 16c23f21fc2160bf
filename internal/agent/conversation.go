package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/dandi-tools/nwbflow/internal/bus"
	"github.com/dandi-tools/nwbflow/internal/capability"
	"github.com/dandi-tools/nwbflow/internal/event"
	"github.com/dandi-tools/nwbflow/internal/logging"
	"github.com/dandi-tools/nwbflow/internal/policy"
	"github.com/dandi-tools/nwbflow/internal/workflowerr"
	"github.com/dandi-tools/nwbflow/pkg/types"
)

const (
	ActionStartConversion         bus.Action = "start_conversion"
	ActionChatMessage             bus.Action = "chat_message"
	ActionRetryDecision           bus.Action = "retry_decision"
	ActionImprovementDecision     bus.Action = "improvement_decision"
	ActionUserInput               bus.Action = "user_input"
	ActionReceiveValidationResult bus.Action = "receive_validation_result"
	ActionHandleError             bus.Action = "handle_error"
)

// Chat response statuses. Every chat_message response sets exactly one
// of these; there is no default fall-through.
const (
	ChatStatusContinues    = "conversation_continues"
	ChatStatusReadyConvert = "ready_to_convert"
	ChatStatusBusy         = "busy"
	ChatStatusError        = "error"
)

// ConversationAgent orchestrates the user-visible workflow: metadata
// collection, retry/improvement decisions, error surfacing, and
// dispatch into the conversion/evaluation pipeline.
type ConversationAgent struct {
	deps *Deps
}

func NewConversationAgent(deps *Deps) *ConversationAgent {
	return &ConversationAgent{deps: deps}
}

func (a *ConversationAgent) Register() {
	a.deps.Bus.Register(bus.TargetConversation, ActionStartConversion, a.handleStartConversion)
	a.deps.Bus.Register(bus.TargetConversation, ActionChatMessage, a.handleChatMessage)
	a.deps.Bus.Register(bus.TargetConversation, ActionRetryDecision, a.handleRetryDecision)
	a.deps.Bus.Register(bus.TargetConversation, ActionImprovementDecision, a.handleImprovementDecision)
	a.deps.Bus.Register(bus.TargetConversation, ActionUserInput, a.handleUserInput)
	a.deps.Bus.Register(bus.TargetConversation, ActionReceiveValidationResult, a.handleReceiveValidationResult)
	a.deps.Bus.Register(bus.TargetConversation, ActionHandleError, a.handleError)
}

func (a *ConversationAgent) handleStartConversion(ctx context.Context, req bus.Request) (bus.Response, error) {
	snap := a.deps.Sessions.Snapshot()
	if !policy.CanStartConversion(snap) {
		return bus.Response{}, workflowerr.Conflict("cannot start a conversion from the current state", map[string]any{"status": snap.Status})
	}

	if policy.ShouldRequestMetadata(snap, a.deps.RequiredMetadataFields) {
		return a.requestMetadata(ctx, snap)
	}

	return a.deps.Bus.Send(ctx, bus.Request{Target: bus.TargetConversion, Action: ActionDetectFormat})
}

func (a *ConversationAgent) requestMetadata(ctx context.Context, snap *types.Session) (bus.Response, error) {
	companions := companionFiles(snap.InputPath)
	autoExtracted := autoExtractMetadata(snap.InputPath, companions)

	err := a.deps.Sessions.Transition(types.StatusAny, types.StatusAwaitingUserInput, func(s *types.Session) {
		s.ConversationPhase = types.PhaseMetadataCollection
		s.MetadataPolicy = types.MetadataAskedOnce
		for k, v := range autoExtracted {
			if _, exists := s.AutoExtractedMetadata[k]; !exists {
				s.AutoExtractedMetadata[k] = v
			}
		}
		s.PendingResumeAction = string(ActionDetectFormat)
	})
	if err != nil {
		return bus.Response{}, err
	}

	effective := types.EffectiveMetadata(snap)
	missing := missingRequiredFields(effective, a.deps.RequiredMetadataFields)
	hints := a.metadataHints(ctx, missing, snap.InputPath)
	fields := buildMetadataFields(missing, autoExtracted, hints.Fields)

	request := types.MetadataRequest{
		Fields:           fields,
		Suggestions:      hints.Suggestions,
		DetectedDataType: hints.DetectedDataType,
	}
	if a.deps.Events != nil {
		a.deps.Events.Publish(event.KindMetadataRequest, event.MetadataRequestPayload{Request: request})
	}
	return bus.Response{Status: ChatStatusContinues, Payload: request}, nil
}

type metadataHintsResult struct {
	Fields           map[string]llmMetadataFieldHint `json:"fields"`
	Suggestions      string                          `json:"suggestions"`
	DetectedDataType string                          `json:"detected_data_type"`
}

func (a *ConversationAgent) metadataHints(ctx context.Context, missing []string, inputPath string) metadataHintsResult {
	var result metadataHintsResult
	if a.deps.Model == nil || len(missing) == 0 {
		return result
	}
	err := a.deps.Model.Call(ctx, capability.StructuredCall{
		SystemPrompt: "Describe why each DANDI metadata field is needed and give a short example value.",
		Messages: []capability.ChatTurn{
			{Role: "user", Content: inputPath},
		},
		SchemaName:        "metadata_hints",
		SchemaDescription: "Per-field description/example text for a metadata request.",
		Parameters: map[string]*schema.ParameterInfo{
			"fields":             {Type: schema.Object},
			"suggestions":        {Type: schema.String},
			"detected_data_type": {Type: schema.String},
		},
	}, &result)
	if err != nil {
		return metadataHintsResult{}
	}
	return result
}

// ChatMessagePayload is one user turn in the conversational flow.
type ChatMessagePayload struct {
	Content string
}

// ChatResult is the payload of a conversation_continues or
// ready_to_convert chat response: the assistant's reply plus whatever
// metadata the model extracted from this turn.
type ChatResult struct {
	Message           string
	ExtractedMetadata map[string]any
	NeedsMoreInfo     bool
}

type chatModelResponse struct {
	Message           string         `json:"message"`
	ExtractedMetadata map[string]any `json:"extracted_metadata"`
	ReadyToProceed    bool           `json:"ready_to_proceed"`
	NeedsMoreInfo     bool           `json:"needs_more_info"`
	DeclinedFields    []string       `json:"declined_fields"`
}

func (a *ConversationAgent) handleChatMessage(ctx context.Context, req bus.Request) (bus.Response, error) {
	payload, _ := req.Payload.(ChatMessagePayload)

	if a.deps.Model == nil {
		explained := explainError(ctx, nil, workflowerr.DependencyFailed("language_model", errNoModel))
		return bus.Response{Status: ChatStatusError, Payload: explained}, nil
	}

	if !a.deps.Sessions.TryAcquireLLM() {
		return bus.Response{Status: ChatStatusBusy}, nil
	}
	defer a.deps.Sessions.ReleaseLLM()

	a.deps.Sessions.AppendMessage("user", payload.Content)

	if a.deps.LanguageModelDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = contextWithTimeout(ctx, a.deps.LanguageModelDeadline)
		defer cancel()
	}

	history := a.deps.Sessions.HistorySnapshot()
	turns := make([]capability.ChatTurn, 0, len(history))
	for _, m := range history {
		turns = append(turns, capability.ChatTurn{Role: m.Role, Content: m.Content})
	}

	var result chatModelResponse
	err := a.deps.Model.Call(ctx, capability.StructuredCall{
		SystemPrompt:      "Collect any missing DANDI metadata from the user and decide whether enough information exists to proceed.",
		Messages:          turns,
		SchemaName:        "chat_turn",
		SchemaDescription: "One conversational turn in the metadata-collection flow.",
		Parameters: map[string]*schema.ParameterInfo{
			"message":            {Type: schema.String, Required: true},
			"extracted_metadata": {Type: schema.Object},
			"ready_to_proceed":   {Type: schema.Boolean, Required: true},
			"needs_more_info":    {Type: schema.Boolean, Required: true},
			"declined_fields":    {Type: schema.Array, ElemInfo: &schema.ParameterInfo{Type: schema.String}},
		},
	}, &result)
	if err != nil {
		explained := explainError(ctx, a.deps.Model, capabilityError("language_model", err))
		return bus.Response{Status: ChatStatusError, Payload: explained}, nil
	}

	a.deps.Sessions.AppendMessage("assistant", result.Message)

	// Persist any extracted metadata immediately, before checking
	// ready_to_proceed, so a retried request with ready_to_proceed=false
	// never loses what was already captured.
	if len(result.ExtractedMetadata) > 0 {
		a.deps.Sessions.MutateSession(func(s *types.Session) {
			for k, v := range result.ExtractedMetadata {
				s.UserProvidedMetadata[k] = v
			}
			s.UserProvidedInputThisAttempt = true
		})
	}

	if len(result.DeclinedFields) > 0 {
		a.deps.Sessions.MutateSession(func(s *types.Session) {
			for _, typed := range result.DeclinedFields {
				if canonical, ok := matchDeclinedField(typed); ok {
					s.DeclinedFields[canonical] = true
				}
			}
			s.MetadataPolicy = types.MetadataUserDeclined
		})
	}

	if result.ReadyToProceed {
		if err := a.deps.Sessions.Transition(types.StatusAny, types.StatusConverting, nil); err != nil {
			return bus.Response{}, err
		}
		convResp, err := a.deps.Bus.Send(ctx, bus.Request{Target: bus.TargetConversion, Action: ActionDetectFormat})
		if err != nil {
			if convResp.Status == ChatStatusError {
				return convResp, nil
			}
			return bus.Response{}, err
		}
		return bus.Response{Status: ChatStatusReadyConvert, Payload: ChatResult{
			Message:           result.Message,
			ExtractedMetadata: result.ExtractedMetadata,
		}}, nil
	}

	return bus.Response{Status: ChatStatusContinues, Payload: ChatResult{
		Message:       result.Message,
		NeedsMoreInfo: result.NeedsMoreInfo,
	}}, nil
}

// RetryDecisionPayload is the user's response to an AWAITING_RETRY_APPROVAL pause.
type RetryDecisionPayload struct {
	Approve     bool
	RetryAnyway bool
}

func (a *ConversationAgent) handleRetryDecision(ctx context.Context, req bus.Request) (bus.Response, error) {
	payload, _ := req.Payload.(RetryDecisionPayload)
	snap := a.deps.Sessions.Snapshot()

	if snap.Status != types.StatusAwaitingRetryApproval {
		return bus.Response{}, workflowerr.Conflict("retry_decision is only valid while awaiting retry approval", map[string]any{"status": snap.Status})
	}

	if !payload.Approve {
		if err := a.deps.Sessions.Finalize(types.TerminalFailedUserDeclined); err != nil {
			return bus.Response{}, err
		}
		return bus.Response{Status: "finalized"}, nil
	}

	return a.startCorrectionAttempt(ctx, snap, payload.RetryAnyway)
}

// ImprovementDecisionPayload is the user's response to an
// AWAITING_IMPROVEMENT_DECISION pause. RetryAnyway carries the same
// override as a retry_decision, since declining accept-as-is proceeds
// through the identical correction-attempt gate.
type ImprovementDecisionPayload struct {
	Accept      bool
	RetryAnyway bool
}

func (a *ConversationAgent) handleImprovementDecision(ctx context.Context, req bus.Request) (bus.Response, error) {
	payload, _ := req.Payload.(ImprovementDecisionPayload)
	snap := a.deps.Sessions.Snapshot()

	if snap.Status != types.StatusAwaitingImprovementDecision {
		return bus.Response{}, workflowerr.Conflict("improvement_decision is only valid while awaiting an improvement decision", map[string]any{"status": snap.Status})
	}

	if payload.Accept {
		if err := a.deps.Sessions.Finalize(types.TerminalPassedAccepted); err != nil {
			return bus.Response{}, err
		}
		return bus.Response{Status: "finalized"}, nil
	}

	return a.startCorrectionAttempt(ctx, snap, payload.RetryAnyway)
}

// startCorrectionAttempt is the single path into a new correction
// attempt, shared by retry_decision approval and improvement_decision
// "improve": it gates on the no-progress policy, then begins the next
// attempt and dispatches the corrections derived from the last
// validation report.
func (a *ConversationAgent) startCorrectionAttempt(ctx context.Context, snap *types.Session, retryAnyway bool) (bus.Response, error) {
	var lastIssues []types.RawIssue
	if snap.ValidationReport != nil {
		lastIssues = snap.ValidationReport.RawIssues
	}
	noProgress := policy.DetectNoProgress(snap, lastIssues)

	if !policy.CanRetry(snap, retryAnyway, a.deps.MaxRetryAttempts) {
		digest := policy.IssueSetDigest(lastIssues)
		logging.Component("conversation").Warn().
			Str("issueDigest", digest).
			Int("attempt", snap.CorrectionAttempt).
			Msg("correction attempt blocked")
		if a.deps.Events != nil {
			a.deps.Events.Publish(event.KindLog, event.LogPayload{
				Level:   "warn",
				Message: "correction attempt blocked",
				Context: map[string]any{"issue_digest": digest, "attempt": snap.CorrectionAttempt},
			})
		}
		if a.deps.MaxRetryAttempts > 0 && snap.CorrectionAttempt >= a.deps.MaxRetryAttempts {
			return bus.Response{Status: ChatStatusContinues, Payload: map[string]any{"no_progress_warning": noProgress}},
				workflowerr.NoProgress(fmt.Sprintf("the safety cap of %d attempts was reached; send retry_anyway to continue", a.deps.MaxRetryAttempts))
		}
		return bus.Response{Status: ChatStatusContinues, Payload: map[string]any{"no_progress_warning": true}},
			workflowerr.NoProgress("the previous attempt made no progress")
	}

	a.deps.Sessions.BeginAttempt()
	resp, err := a.deps.Bus.Send(ctx, bus.Request{Target: bus.TargetConversion, Action: ActionApplyCorrections, Payload: collectCorrections(snap)})
	if err != nil {
		return bus.Response{}, err
	}
	return bus.Response{Status: resp.Status, Payload: map[string]any{"no_progress_warning": noProgress}}, nil
}

// collectCorrections derives the auto-fix payload for the next attempt
// from the enriched validation report: every issue the triage step
// produced a concrete fix action for becomes a converter parameter
// change keyed by the issue's location. User-supplied metadata flows
// through user_input, never through this payload.
func collectCorrections(snap *types.Session) ApplyCorrectionsPayload {
	payload := ApplyCorrectionsPayload{}
	if snap.ValidationReport == nil {
		return payload
	}
	for _, iss := range snap.ValidationReport.Issues {
		if iss.SuggestedFix == "" {
			continue
		}
		if payload.ParameterChanges == nil {
			payload.ParameterChanges = map[string]any{}
		}
		payload.ParameterChanges[iss.Location] = iss.SuggestedFix
	}
	return payload
}

// UserInputPayload accepts either a field-value map or a cancellation.
type UserInputPayload struct {
	Fields map[string]any
	Cancel bool
}

func (a *ConversationAgent) handleUserInput(ctx context.Context, req bus.Request) (bus.Response, error) {
	payload, _ := req.Payload.(UserInputPayload)
	snap := a.deps.Sessions.Snapshot()

	switch snap.Status {
	case types.StatusAwaitingUserInput:
		// fall through to the resume path below
	case types.StatusAwaitingRetryApproval, types.StatusAwaitingImprovementDecision:
		// Supplying corrected metadata while a retry/improvement decision
		// is pending: record it for the next attempt but stay parked; the
		// decision itself still has to arrive via retry_decision or
		// improvement_decision.
		if payload.Cancel {
			if err := a.deps.Sessions.Finalize(types.TerminalFailedUserAbandoned); err != nil {
				return bus.Response{}, err
			}
			return bus.Response{Status: "finalized"}, nil
		}
		a.deps.Sessions.MutateSession(func(s *types.Session) {
			for k, v := range payload.Fields {
				s.UserProvidedMetadata[k] = v
			}
			s.UserProvidedInputThisAttempt = true
			s.MetadataPolicy = types.MetadataUserProvided
		})
		return bus.Response{Status: "metadata_recorded"}, nil
	default:
		return bus.Response{}, workflowerr.Conflict("user_input is only valid while awaiting user input or a retry/improvement decision", map[string]any{"status": snap.Status})
	}

	if payload.Cancel {
		if err := a.deps.Sessions.Finalize(types.TerminalFailedUserAbandoned); err != nil {
			return bus.Response{}, err
		}
		return bus.Response{Status: "finalized"}, nil
	}

	pendingAction := snap.PendingResumeAction
	err := a.deps.Sessions.Transition(types.StatusAny, types.StatusConverting, func(s *types.Session) {
		for k, v := range payload.Fields {
			s.UserProvidedMetadata[k] = v
		}
		s.UserProvidedInputThisAttempt = true
		s.MetadataPolicy = types.MetadataUserProvided
		s.PendingResumeAction = ""
	})
	if err != nil {
		return bus.Response{}, err
	}

	if pendingAction == "" {
		pendingAction = string(ActionDetectFormat)
	}
	return a.deps.Bus.Send(ctx, bus.Request{Target: bus.TargetConversion, Action: bus.Action(pendingAction)})
}

func (a *ConversationAgent) handleReceiveValidationResult(ctx context.Context, req bus.Request) (bus.Response, error) {
	payload, _ := req.Payload.(ReceiveValidationResultPayload)
	snap := a.deps.Sessions.Snapshot()

	switch payload.Outcome {
	case types.OutcomePassed:
		terminal := types.TerminalPassed
		if snap.CorrectionAttempt > 0 {
			terminal = types.TerminalPassedImproved
		}
		if err := a.deps.Sessions.Finalize(terminal); err != nil {
			return bus.Response{}, err
		}
		return bus.Response{Status: "finalized", Payload: terminal}, nil

	case types.OutcomePassedWithIssues:
		if err := a.deps.Sessions.Transition(types.StatusAny, types.StatusAwaitingImprovementDecision, func(s *types.Session) {
			s.ConversationPhase = types.PhaseImprovementDecision
		}); err != nil {
			return bus.Response{}, err
		}
		return bus.Response{Status: "awaiting_improvement_decision"}, nil

	default: // OutcomeFailed
		if err := a.deps.Sessions.Transition(types.StatusAny, types.StatusAwaitingRetryApproval, func(s *types.Session) {
			s.ConversationPhase = types.PhaseValidationAnalysis
		}); err != nil {
			return bus.Response{}, err
		}
		return bus.Response{Status: "awaiting_retry_approval"}, nil
	}
}

func (a *ConversationAgent) handleError(ctx context.Context, req bus.Request) (bus.Response, error) {
	werr, _ := req.Payload.(*workflowerr.Error)
	if werr == nil {
		werr = workflowerr.Fatal("unknown error", nil)
	}

	snap := a.deps.Sessions.Snapshot()
	if snap.ValidationReport != nil {
		a.deps.Sessions.Transition(types.StatusAny, types.StatusAwaitingRetryApproval, nil)
	} else {
		a.deps.Sessions.Transition(types.StatusAny, types.StatusFailed, nil)
	}

	explained := explainError(ctx, a.deps.Model, werr)
	return bus.Response{Status: ChatStatusError, Payload: explained}, werr
}
