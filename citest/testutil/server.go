// Package testutil spins up the workflow orchestrator's HTTP surface
// in-process, wired against mock Converter/Validator/Reporter/
// LanguageModel collaborators, for the end-to-end suite under citest/e2e.
package testutil

import (
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/dandi-tools/nwbflow/internal/agent"
	"github.com/dandi-tools/nwbflow/internal/bus"
	"github.com/dandi-tools/nwbflow/internal/capability"
	"github.com/dandi-tools/nwbflow/internal/config"
	"github.com/dandi-tools/nwbflow/internal/event"
	"github.com/dandi-tools/nwbflow/internal/server"
	"github.com/dandi-tools/nwbflow/internal/sessionstore"
	"github.com/dandi-tools/nwbflow/internal/storage"
)

// Option configures a TestServer at construction time.
type Option func(*options)

type options struct {
	requiredFields   []string
	maxRetryAttempts int
	model            *capability.MockLanguageModel
	converter        *capability.MockConverter
	validator        *capability.MockValidator
}

// WithRequiredMetadataFields sets the DANDI-required field list the
// conversation agent checks before starting a conversion.
func WithRequiredMetadataFields(fields ...string) Option {
	return func(o *options) { o.requiredFields = fields }
}

// WithMaxRetryAttempts overrides the soft retry-cap safety valve.
func WithMaxRetryAttempts(n int) Option {
	return func(o *options) { o.maxRetryAttempts = n }
}

// WithLanguageModelResponses scripts the MockLanguageModel's responses,
// keyed by schema name ("chat_turn", "metadata_hints", "detect_format",
// "triage_issue").
func WithLanguageModelResponses(responses map[string]any) Option {
	return func(o *options) { o.model = &capability.MockLanguageModel{Responses: responses} }
}

// WithValidatorResponses scripts the sequence of issue lists MockValidator
// returns, one list per call, repeating the last once exhausted.
func WithValidatorResponses(responses [][]capability.ValidationIssue) Option {
	return func(o *options) { o.validator = &capability.MockValidator{Responses: responses} }
}

// WithConverterFailure makes every Converter.Convert call fail with err.
func WithConverterFailure(err *capability.ConversionError) Option {
	return func(o *options) {
		if o.converter == nil {
			o.converter = capability.NewMockConverter()
		}
		o.converter.Fail = err
	}
}

// TestServer wraps an httptest.Server fronting a fully wired workflow
// orchestrator: one Bus, one SessionStore, one EventBus, one Storage,
// all backed by a scratch temp directory removed on Stop.
type TestServer struct {
	HTTP      *httptest.Server
	Bus       *bus.Bus
	Sessions  *sessionstore.Store
	Events    *event.Bus
	Storage   *storage.Store
	Converter *capability.MockConverter
	Validator *capability.MockValidator
	Model     *capability.MockLanguageModel

	uploadDir string
	outputDir string
	tempDir   string
}

// NewTestServer builds and starts a TestServer. Call Stop when done.
func NewTestServer(opts ...Option) (*TestServer, error) {
	cfg := options{maxRetryAttempts: 5}
	for _, opt := range opts {
		opt(&cfg)
	}

	tempDir, err := os.MkdirTemp("", "nwbflow-e2e-*")
	if err != nil {
		return nil, err
	}

	uploadDir := filepath.Join(tempDir, "uploads")
	outputDir := filepath.Join(tempDir, "outputs")
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	converter := cfg.converter
	if converter == nil {
		converter = capability.NewMockConverter()
	}
	validator := cfg.validator
	if validator == nil {
		validator = &capability.MockValidator{}
	}
	model := cfg.model
	if model == nil {
		model = &capability.MockLanguageModel{Responses: map[string]any{}}
	}
	reporter := &capability.MockReporter{}

	eventBus := event.NewBus(0)
	sessions := sessionstore.New(eventBus)
	store := storage.New(outputDir)
	workBus := bus.New()

	deps := &agent.Deps{
		Bus:                    workBus,
		Sessions:               sessions,
		Events:                 eventBus,
		Storage:                store,
		Converter:              converter,
		Validator:              validator,
		Reporter:               reporter,
		Model:                  model,
		RequiredMetadataFields: cfg.requiredFields,
		MaxRetryAttempts:       cfg.maxRetryAttempts,
	}
	agent.RegisterAll(deps)

	// GET /api/config reports the settings the agents were wired with.
	appConfig := &config.Config{
		RequiredMetadataFields: deps.RequiredMetadataFields,
		MaxRetryAttempts:       deps.MaxRetryAttempts,
		LanguageModelDeadline:  deps.LanguageModelDeadline,
		ConverterDeadline:      deps.ConverterDeadline,
		ValidatorDeadline:      deps.ValidatorDeadline,
		ReporterDeadline:       deps.ReporterDeadline,
	}

	serverConfig := server.DefaultConfig()
	serverConfig.UploadDir = uploadDir
	serverConfig.MaxRetryAttempts = cfg.maxRetryAttempts

	capInfo := server.CapabilityInfo{Converter: "mock", Validator: "mock", Reporter: "mock", LanguageModel: "mock"}
	srv := server.New(serverConfig, appConfig, capInfo, workBus, sessions, eventBus, store)
	httpSrv := httptest.NewServer(srv.Router())

	return &TestServer{
		HTTP:      httpSrv,
		Bus:       workBus,
		Sessions:  sessions,
		Events:    eventBus,
		Storage:   store,
		Converter: converter,
		Validator: validator,
		Model:     model,
		uploadDir: uploadDir,
		outputDir: outputDir,
		tempDir:   tempDir,
	}, nil
}

// Client returns a TestClient bound to this server's base URL.
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.HTTP.URL)
}

// OutputDir is the scratch directory WriteOutput/WriteReport write into.
func (ts *TestServer) OutputDir() string {
	return ts.outputDir
}

// Stop closes the HTTP listener, the event bus, and removes the scratch
// directory.
func (ts *TestServer) Stop() {
	ts.HTTP.Close()
	_ = ts.Events.Close()
	_ = os.RemoveAll(ts.tempDir)
}
