package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MockConverter is a deterministic in-memory Converter for tests and
// `nwbflow-server --mock` local runs. FormatByCompanion maps a companion suffix
// (e.g. ".ap.meta") to the format name it implies.
type MockConverter struct {
	FormatByCompanion map[string]string
	Fail              *ConversionError
	OutputBytes       func(req ConversionRequest) []byte
}

// NewMockConverter returns a MockConverter seeded with the two vendor
// layouts this orchestrator recognizes out of the box.
func NewMockConverter() *MockConverter {
	return &MockConverter{
		FormatByCompanion: map[string]string{
			".ap.meta":       "spikeglx",
			"structure.oebin": "openephys",
		},
	}
}

func (m *MockConverter) DetectFormat(ctx context.Context, inputPath string, companions []string) (string, bool, error) {
	for _, c := range companions {
		for suffix, format := range m.FormatByCompanion {
			if strings.HasSuffix(c, suffix) {
				return format, true, nil
			}
		}
	}
	return "", false, nil
}

func (m *MockConverter) Convert(ctx context.Context, req ConversionRequest) (*ConversionResult, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}
	data := []byte(fmt.Sprintf("NWB-MOCK format=%s attempt=%d", req.Format, req.CorrectionAttempt))
	if m.OutputBytes != nil {
		data = m.OutputBytes(req)
	}
	return &ConversionResult{Data: data}, nil
}

// MockValidator returns a scripted sequence of issue lists, one per
// call, repeating the last entry once exhausted.
type MockValidator struct {
	Responses [][]ValidationIssue
	calls     int
}

func (m *MockValidator) Validate(ctx context.Context, nwbPath string) ([]ValidationIssue, error) {
	if len(m.Responses) == 0 {
		return nil, nil
	}
	idx := m.calls
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.calls++
	return m.Responses[idx], nil
}

// MockReporter renders a plain-text summary without any real PDF/JSON
// engine; good enough for tests asserting a report was produced.
type MockReporter struct{}

func (m *MockReporter) Render(ctx context.Context, req ReportRequest) ([]byte, error) {
	switch req.Format {
	case "json":
		return json.Marshal(req)
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "Report for %s\n%s\n", req.OutputPath, req.Summary)
		for _, iss := range req.Issues {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", iss.Severity, iss.Message, iss.Location)
		}
		return []byte(b.String()), nil
	}
}

// MockLanguageModel returns scripted responses keyed by schema name,
// JSON-decoded into the caller's out pointer. Tests set Responses[name]
// to a value (not a JSON string) that would marshal to the expected
// structured-output shape.
type MockLanguageModel struct {
	Responses map[string]any
	Err       error
}

func (m *MockLanguageModel) Call(ctx context.Context, call StructuredCall, out any) error {
	if m.Err != nil {
		return m.Err
	}
	resp, ok := m.Responses[call.SchemaName]
	if !ok {
		return fmt.Errorf("capability: no mock response scripted for %q", call.SchemaName)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
