// Package capability defines the four external collaborators the
// workflow orchestrator treats as pluggable boundaries: the NWB
// conversion library, the NWB validator, the LLM provider, and the
// report renderer. Each is declared only as an interface here; concrete
// implementations live outside this module (or, for local development
// and tests, as the in-memory mocks in this package).
package capability

import (
	"context"
	"time"
)

// ConversionRequest carries everything a Converter needs for one
// attempt: the detected format, the source path, the merged metadata
// view, and any parameter overrides accumulated by prior correction
// attempts.
type ConversionRequest struct {
	Format             string
	InputPath          string
	CompanionPaths     []string
	Metadata           map[string]any
	ParameterOverrides map[string]any
	CorrectionAttempt  int
}

// ConversionResult is the raw bytes of one NWB output plus the
// converter's own account of what it wrote.
type ConversionResult struct {
	Data     []byte
	Warnings []string
}

// ConversionErrorKind classifies a Converter failure for presentation.
type ConversionErrorKind string

const (
	ConversionErrorCrash     ConversionErrorKind = "crash"
	ConversionErrorTruncated ConversionErrorKind = "truncated_output"
	ConversionErrorBadInput  ConversionErrorKind = "bad_input"
)

// ConversionError is the structured failure a Converter reports; it
// never abandons the caller with a bare error string.
type ConversionError struct {
	Kind             ConversionErrorKind
	TechnicalMessage string
	Context          map[string]any
}

func (e *ConversionError) Error() string { return e.TechnicalMessage }

// Converter performs format detection assistance and the actual
// conversion to NWB. DetectFormat is best-effort: it returns ok=false
// when it cannot recognize the layout at all (a miss is not an error).
type Converter interface {
	DetectFormat(ctx context.Context, inputPath string, companions []string) (format string, ok bool, err error)
	Convert(ctx context.Context, req ConversionRequest) (*ConversionResult, error)
}

// ValidationIssue is exactly what the Validator returns, before any
// LLM-driven enrichment.
type ValidationIssue struct {
	Severity string
	Message  string
	Location string
}

// Validator checks a written NWB file against NWB/DANDI rules.
type Validator interface {
	Validate(ctx context.Context, nwbPath string) ([]ValidationIssue, error)
}

// ReportRequest carries what a Reporter needs to render a sidecar
// document for one attempt.
type ReportRequest struct {
	OutputPath string
	Format     string // "pdf" | "json" | "txt"
	Summary    string
	Issues     []ValidationIssue
}

// Reporter renders a human- or machine-readable summary of one
// conversion/validation cycle.
type Reporter interface {
	Render(ctx context.Context, req ReportRequest) ([]byte, error)
}

// DefaultDeadline is the LanguageModel call deadline agent.RegisterAll
// applies when none is configured.
const DefaultDeadline = 180 * time.Second
