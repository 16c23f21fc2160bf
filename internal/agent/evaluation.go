package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/dandi-tools/nwbflow/internal/bus"
	"github.com/dandi-tools/nwbflow/internal/capability"
	"github.com/dandi-tools/nwbflow/internal/event"
	"github.com/dandi-tools/nwbflow/internal/logging"
	"github.com/dandi-tools/nwbflow/pkg/types"
)

const ActionRunValidation bus.Action = "run_validation"

// EvaluationAgent invokes the external Validator and turns its raw
// issue list into a prioritized, enriched report.
type EvaluationAgent struct {
	deps *Deps
}

func NewEvaluationAgent(deps *Deps) *EvaluationAgent {
	return &EvaluationAgent{deps: deps}
}

func (a *EvaluationAgent) Register() {
	a.deps.Bus.Register(bus.TargetEvaluation, ActionRunValidation, a.handleRunValidation)
}

func (a *EvaluationAgent) handleRunValidation(ctx context.Context, req bus.Request) (bus.Response, error) {
	snap := a.deps.Sessions.Snapshot()

	if a.deps.ValidatorDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = contextWithTimeout(ctx, a.deps.ValidatorDeadline)
		defer cancel()
	}

	var rawIssues []capability.ValidationIssue
	err := retryCapability(ctx, func() error {
		var err error
		rawIssues, err = a.deps.Validator.Validate(ctx, snap.OutputPath)
		return err
	})
	if err != nil {
		logging.ForAttempt(logging.Component("evaluation"), snap.CorrectionAttempt).Error().
			Err(err).Str("output", snap.OutputPath).Msg("validator unavailable")
		if a.deps.Events != nil {
			a.deps.Events.Publish(event.KindLog, event.LogPayload{
				Level:   "error",
				Message: "validator unavailable; treating this attempt as failed",
			})
		}
		rawIssues = []capability.ValidationIssue{
			{Severity: string(types.SeverityError), Message: "validator_unavailable"},
		}
	}

	typed := a.normalizeIssues(rawIssues)
	outcome := types.ClassifyOutcome(typed)
	enriched := a.enrichIssues(ctx, typed)

	report := &types.ValidationReport{
		Outcome:         outcome,
		RawIssues:       typed,
		Issues:          enriched,
		CountBySeverity: types.CountBySeverity(typed),
	}

	a.deps.Sessions.SetValidationResult(report)

	keys := make([]types.IssueKey, 0, len(typed))
	for _, iss := range typed {
		keys = append(keys, types.KeyOf(iss))
	}
	a.deps.Sessions.SetPreviousIssues(keys)

	a.writeReport(ctx, snap, report)

	return a.deps.Bus.Send(ctx, bus.Request{
		Target: bus.TargetConversation,
		Action: ActionReceiveValidationResult,
		Payload: ReceiveValidationResultPayload{Outcome: outcome, Report: report},
	})
}

var knownSeverities = map[types.Severity]bool{
	types.SeverityInfo:         true,
	types.SeverityBestPractice: true,
	types.SeverityWarning:      true,
	types.SeverityError:        true,
	types.SeverityCritical:     true,
}

// normalizeIssues converts the validator's wire issues to typed ones. A
// severity this package does not recognize is logged and treated as
// ERROR, failing the attempt rather than silently downgrading it.
func (a *EvaluationAgent) normalizeIssues(issues []capability.ValidationIssue) []types.RawIssue {
	out := make([]types.RawIssue, 0, len(issues))
	for _, iss := range issues {
		sev := types.Severity(iss.Severity)
		if !knownSeverities[sev] {
			logging.Component("evaluation").Warn().Str("severity", iss.Severity).Str("message", iss.Message).Msg("validator reported an unrecognized severity; treating as ERROR")
			if a.deps.Events != nil {
				a.deps.Events.Publish(event.KindLog, event.LogPayload{
					Level:   "warn",
					Message: "unrecognized validator severity treated as ERROR",
					Context: map[string]any{"severity": iss.Severity, "location": iss.Location},
				})
			}
			sev = types.SeverityError
		}
		out = append(out, types.RawIssue{
			Severity: sev,
			Message:  iss.Message,
			Location: iss.Location,
		})
	}
	return out
}

type enrichedIssue struct {
	Priority      string `json:"priority"`
	UserFixable   bool   `json:"user_fixable"`
	DandiBlocking bool   `json:"dandi_blocking"`
	SuggestedFix  string `json:"suggested_fix"`
}

// enrichIssues asks the LanguageModel to triage each issue. The raw
// validator output is retained verbatim regardless of this step's
// outcome; a model failure degrades to a severity-based heuristic
// rather than blocking the report.
func (a *EvaluationAgent) enrichIssues(ctx context.Context, issues []types.RawIssue) []types.Issue {
	out := make([]types.Issue, 0, len(issues))
	for _, raw := range issues {
		enriched := a.enrichOne(ctx, raw)
		out = append(out, enriched)
	}
	return out
}

func (a *EvaluationAgent) enrichOne(ctx context.Context, raw types.RawIssue) types.Issue {
	fallback := types.Issue{
		Severity:      raw.Severity,
		Message:       raw.Message,
		Location:      raw.Location,
		Priority:      priorityFromSeverity(raw.Severity),
		UserFixable:   true,
		DandiBlocking: raw.Severity.IsBlocking(),
	}
	if a.deps.Model == nil {
		return fallback
	}

	var result enrichedIssue
	err := a.deps.Model.Call(ctx, capability.StructuredCall{
		SystemPrompt: "Triage one NWB validation issue for a researcher preparing a DANDI submission.",
		Messages: []capability.ChatTurn{
			{Role: "user", Content: string(raw.Severity) + ": " + raw.Message + " (" + raw.Location + ")"},
		},
		SchemaName:        "triage_issue",
		SchemaDescription: "Classify and suggest a fix for one validation issue.",
		Parameters: map[string]*schema.ParameterInfo{
			"priority":       {Type: schema.String, Required: true},
			"user_fixable":   {Type: schema.Boolean, Required: true},
			"dandi_blocking": {Type: schema.Boolean, Required: true},
			"suggested_fix":  {Type: schema.String},
		},
	}, &result)
	if err != nil {
		return fallback
	}

	return types.Issue{
		Severity:      raw.Severity,
		Message:       raw.Message,
		Location:      raw.Location,
		Priority:      types.IssuePriority(result.Priority),
		UserFixable:   result.UserFixable,
		DandiBlocking: result.DandiBlocking,
		SuggestedFix:  result.SuggestedFix,
	}
}

// reportFormats lists the sidecar report formats this orchestrator
// actually renders. PDF is part of the on-disk layout but no PDF
// rendering library is available in the dependency set this project
// draws on, so only the two it can actually produce are written.
var reportFormats = []string{"json", "txt"}

// writeReport renders and stores a versioned sidecar report for the
// attempt that just finished validating. A missing Reporter or a
// render/write failure degrades silently: the raw validation report
// already persisted on the session is the authoritative result, and a
// report file is a convenience artifact, not a workflow precondition.
func (a *EvaluationAgent) writeReport(ctx context.Context, snap *types.Session, report *types.ValidationReport) {
	if a.deps.Reporter == nil || a.deps.Storage == nil || snap.OutputPath == "" {
		return
	}

	if a.deps.ReporterDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = contextWithTimeout(ctx, a.deps.ReporterDeadline)
		defer cancel()
	}

	stem := outputStem(snap.InputPath)
	version := snap.CorrectionAttempt + 1
	summary := fmt.Sprintf("%s: %d issue(s)", report.Outcome, len(report.Issues))

	for _, format := range reportFormats {
		data, err := a.deps.Reporter.Render(ctx, capability.ReportRequest{
			OutputPath: snap.OutputPath,
			Format:     format,
			Summary:    summary,
			Issues:     toValidationIssues(report.RawIssues),
		})
		if err != nil {
			continue
		}
		if _, _, err := a.deps.Storage.WriteReport(stem, version, format, data); err != nil {
			continue
		}
	}
}

func toValidationIssues(issues []types.RawIssue) []capability.ValidationIssue {
	out := make([]capability.ValidationIssue, 0, len(issues))
	for _, iss := range issues {
		out = append(out, capability.ValidationIssue{
			Severity: string(iss.Severity),
			Message:  iss.Message,
			Location: iss.Location,
		})
	}
	return out
}

func priorityFromSeverity(sev types.Severity) types.IssuePriority {
	if sev.IsBlocking() {
		return types.PriorityDandiBlocking
	}
	return types.PriorityBestPractices
}

// ReceiveValidationResultPayload is what EvaluationAgent hands back to
// ConversationAgent once a validation pass completes.
type ReceiveValidationResultPayload struct {
	Outcome types.ValidationOutcome
	Report  *types.ValidationReport
}
