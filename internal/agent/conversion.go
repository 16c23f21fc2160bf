package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/dandi-tools/nwbflow/internal/bus"
	"github.com/dandi-tools/nwbflow/internal/capability"
	"github.com/dandi-tools/nwbflow/internal/event"
	"github.com/dandi-tools/nwbflow/internal/logging"
	"github.com/dandi-tools/nwbflow/internal/workflowerr"
	"github.com/dandi-tools/nwbflow/pkg/types"
)

const (
	ActionDetectFormat     bus.Action = "detect_format"
	ActionApplyCorrections bus.Action = "apply_corrections"
)

// ConversionAgent performs format detection and invokes the external
// Converter, writing versioned output files.
type ConversionAgent struct {
	deps *Deps
}

func NewConversionAgent(deps *Deps) *ConversionAgent {
	return &ConversionAgent{deps: deps}
}

func (a *ConversionAgent) Register() {
	a.deps.Bus.Register(bus.TargetConversion, ActionDetectFormat, a.handleDetectFormat)
	a.deps.Bus.Register(bus.TargetConversion, ActionApplyCorrections, a.handleApplyCorrections)
}

// ApplyCorrectionsPayload carries the parameter/metadata changes
// ConversationAgent collected for a new correction attempt.
type ApplyCorrectionsPayload struct {
	ParameterChanges   map[string]any
	AdditionalMetadata map[string]any
}

func (a *ConversionAgent) handleDetectFormat(ctx context.Context, req bus.Request) (bus.Response, error) {
	if err := a.deps.Sessions.Transition(types.StatusAny, types.StatusDetectingFormat, nil); err != nil {
		return bus.Response{}, err
	}

	snap := a.deps.Sessions.Snapshot()
	companions := companionFiles(snap.InputPath)

	format, ok, err := a.deps.Converter.DetectFormat(ctx, snap.InputPath, companions)
	if err != nil {
		return a.forwardError(ctx, capabilityError("converter", err))
	}

	if !ok {
		format, ok, err = a.detectFormatWithLanguageModel(ctx, snap, companions)
		if err != nil {
			return a.forwardError(ctx, capabilityError("language_model", err))
		}
		if !ok {
			return a.requestFormatSelection(ctx, snap, companions)
		}
	}

	logging.Component("conversion").Info().Str("format", format).Str("input", snap.InputPath).Msg("recording format detected")

	if err := a.deps.Sessions.Transition(types.StatusAny, types.StatusConverting, func(s *types.Session) {
		s.PendingConversionInputPath = ""
	}); err != nil {
		return bus.Response{}, err
	}
	return a.runConversion(ctx, format, companions, nil, nil)
}

type formatDetectionResult struct {
	Format       string   `json:"format"`
	Confidence   int      `json:"confidence"`
	Indicators   []string `json:"indicators"`
	Alternatives []string `json:"alternatives"`
	Ambiguous    bool     `json:"ambiguous"`
}

func (a *ConversionAgent) detectFormatWithLanguageModel(ctx context.Context, snap *types.Session, companions []string) (string, bool, error) {
	if a.deps.Model == nil {
		return "", false, nil
	}
	fileList := append([]string{filepath.Base(snap.InputPath)}, basenames(companions)...)

	var result formatDetectionResult
	err := a.deps.Model.Call(ctx, capability.StructuredCall{
		SystemPrompt: "Identify the neurophysiology recording format from the file list.",
		Messages: []capability.ChatTurn{
			{Role: "user", Content: strings.Join(fileList, ", ")},
		},
		SchemaName:        "detect_format",
		SchemaDescription: "Classify the recording's vendor format.",
		Parameters: map[string]*schema.ParameterInfo{
			"format":       {Type: schema.String, Required: true},
			"confidence":   {Type: schema.Integer, Required: true},
			"indicators":   {Type: schema.Array, ElemInfo: &schema.ParameterInfo{Type: schema.String}},
			"alternatives": {Type: schema.Array, ElemInfo: &schema.ParameterInfo{Type: schema.String}},
			"ambiguous":    {Type: schema.Boolean, Required: true},
		},
	}, &result)
	if err != nil {
		return "", false, err
	}
	if result.Confidence >= 70 && !result.Ambiguous {
		return result.Format, true, nil
	}
	return "", false, nil
}

// requestFormatSelection puts the session into AWAITING_USER_INPUT with
// a pending resume action, mirroring the metadata-collection pause so
// the same user_input action resumes either flow.
func (a *ConversionAgent) requestFormatSelection(ctx context.Context, snap *types.Session, companions []string) (bus.Response, error) {
	err := a.deps.Sessions.Transition(types.StatusAny, types.StatusAwaitingUserInput, func(s *types.Session) {
		s.ConversationPhase = types.PhaseMetadataCollection
		s.PendingResumeAction = string(ActionDetectFormat)
	})
	if err != nil {
		return bus.Response{}, err
	}
	if a.deps.Events != nil {
		a.deps.Events.Publish(event.KindMetadataRequest, event.MetadataRequestPayload{
			Request: types.MetadataRequest{
				Suggestions:      "Unable to confidently detect the recording format; please confirm it.",
				DetectedDataType: "",
			},
		})
	}
	return bus.Response{Status: "needs_format_selection"}, nil
}

func (a *ConversionAgent) handleApplyCorrections(ctx context.Context, req bus.Request) (bus.Response, error) {
	payload, _ := req.Payload.(ApplyCorrectionsPayload)
	snap := a.deps.Sessions.Snapshot()

	if len(payload.AdditionalMetadata) > 0 {
		a.deps.Sessions.Transition(types.StatusAny, types.StatusConverting, func(s *types.Session) {
			for k, v := range payload.AdditionalMetadata {
				s.UserProvidedMetadata[k] = v
			}
		})
	} else {
		if err := a.deps.Sessions.Transition(types.StatusAny, types.StatusConverting, nil); err != nil {
			return bus.Response{}, err
		}
	}

	if len(payload.ParameterChanges) > 0 {
		a.deps.Sessions.Transition(types.StatusAny, types.StatusConverting, func(s *types.Session) {
			s.AutoCorrectionsAppliedThisAttempt = true
		})
	}

	companions := companionFiles(snap.InputPath)
	return a.runConversion(ctx, detectedFormatOrFallback(snap), companions, payload.ParameterChanges, payload.AdditionalMetadata)
}

func detectedFormatOrFallback(snap *types.Session) string {
	if v, ok := snap.AutoExtractedMetadata["_detected_format"].(string); ok {
		return v
	}
	return "unknown"
}

func (a *ConversionAgent) runConversion(ctx context.Context, format string, companions []string, parameterOverrides, additionalMetadata map[string]any) (bus.Response, error) {
	snap := a.deps.Sessions.Snapshot()
	stem := outputStem(snap.InputPath)

	if a.deps.Events != nil {
		a.deps.Events.Publish(event.KindProgress, event.ProgressPayload{Percent: 0, Message: "starting conversion"})
	}

	if a.deps.ConverterDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = contextWithTimeout(ctx, a.deps.ConverterDeadline)
		defer cancel()
	}

	effective := types.EffectiveMetadata(snap)

	if a.deps.Events != nil {
		a.deps.Events.Publish(event.KindProgress, event.ProgressPayload{Percent: 25, Message: "invoking converter"})
	}

	var result *capability.ConversionResult
	convertErr := retryCapability(ctx, func() error {
		var err error
		result, err = a.deps.Converter.Convert(ctx, capability.ConversionRequest{
			Format:             format,
			InputPath:          snap.InputPath,
			CompanionPaths:     companions,
			Metadata:           effective,
			ParameterOverrides: parameterOverrides,
			CorrectionAttempt:  snap.CorrectionAttempt,
		})
		return err
	})
	log := logging.ForAttempt(logging.Component("conversion"), snap.CorrectionAttempt)
	if convertErr != nil {
		log.Error().Err(convertErr).Str("format", format).Msg("conversion failed")
		if a.deps.Events != nil {
			a.deps.Events.Publish(event.KindLog, event.LogPayload{
				Level:   "error",
				Message: "conversion failed",
				Context: map[string]any{"format": format, "attempt": snap.CorrectionAttempt},
			})
		}
		return a.forwardError(ctx, capabilityError("converter", convertErr))
	}

	if a.deps.Events != nil {
		a.deps.Events.Publish(event.KindProgress, event.ProgressPayload{Percent: 55, Message: "writing output"})
	}

	outputPath, checksum, version, err := a.deps.Storage.WriteOutput(stem, result.Data)
	if err != nil {
		return a.forwardError(ctx, workflowerr.Fatal("failed to write conversion output", map[string]any{"stem": stem, "error": err.Error()}))
	}

	if a.deps.Events != nil {
		a.deps.Events.Publish(event.KindProgress, event.ProgressPayload{Percent: 75, Message: fmt.Sprintf("wrote version %d", version)})
	}
	log.Info().Str("output", outputPath).Int("version", version).Str("checksum", checksum).Msg("conversion output written")

	a.deps.Sessions.Transition(types.StatusAny, types.StatusValidating, func(s *types.Session) {
		s.OutputPath = outputPath
		s.OutputChecksums[outputPath] = checksum
		s.AutoExtractedMetadata["_detected_format"] = format
	})

	if a.deps.Events != nil {
		a.deps.Events.Publish(event.KindProgress, event.ProgressPayload{Percent: 100, Message: "conversion complete"})
	}

	return a.deps.Bus.Send(ctx, bus.Request{Target: bus.TargetEvaluation, Action: ActionRunValidation})
}

// forwardError hands a failure to ConversationAgent for explanation and
// safe-state transition. handle_error always returns the original error
// alongside its response so the caller can both surface the explained
// payload and know the overall request failed; that response must
// survive even though err is non-nil here.
func (a *ConversionAgent) forwardError(ctx context.Context, err *workflowerr.Error) (bus.Response, error) {
	resp, sendErr := a.deps.Bus.Send(ctx, bus.Request{Target: bus.TargetConversation, Action: ActionHandleError, Payload: err})
	return resp, sendErr
}

// companionFiles lists sibling files sharing the input's directory and
// stem, the same glob-matching idiom used elsewhere in this codebase
// for pattern-based file selection.
func companionFiles(inputPath string) []string {
	if inputPath == "" {
		return nil
	}
	dir := filepath.Dir(inputPath)
	stem := outputStem(inputPath)
	matches, err := doublestar.Glob(os.DirFS(dir), stem+"*")
	if err != nil {
		return nil
	}
	companions := make([]string, 0, len(matches))
	for _, m := range matches {
		full := filepath.Join(dir, m)
		if full != inputPath {
			companions = append(companions, full)
		}
	}
	return companions
}

func basenames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	return out
}

// outputStem derives the versioned-output stem from an input path,
// stripping known multi-part vendor extensions (e.g. ".ap.bin").
func outputStem(inputPath string) string {
	base := filepath.Base(inputPath)
	for _, suffix := range []string{".ap.bin", ".ap.meta", ".lf.bin", ".lf.meta"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
