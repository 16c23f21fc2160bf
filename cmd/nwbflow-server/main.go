// Command nwbflow-server runs the workflow orchestrator as a headless
// HTTP server: upload a recording, converse with it about missing
// metadata, and watch it convert, validate, and correct toward a valid
// NWB file over the REST + SSE API in internal/server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dandi-tools/nwbflow/internal/agent"
	"github.com/dandi-tools/nwbflow/internal/bus"
	"github.com/dandi-tools/nwbflow/internal/capability"
	"github.com/dandi-tools/nwbflow/internal/config"
	"github.com/dandi-tools/nwbflow/internal/event"
	"github.com/dandi-tools/nwbflow/internal/logging"
	"github.com/dandi-tools/nwbflow/internal/provider"
	"github.com/dandi-tools/nwbflow/internal/server"
	"github.com/dandi-tools/nwbflow/internal/sessionstore"
	"github.com/dandi-tools/nwbflow/internal/storage"
)

const version = "0.1.0"

var (
	servePort     int
	serveDir      string
	serveProvider string
	serveMock     bool
)

func main() {
	root := &cobra.Command{
		Use:     "nwbflow-server",
		Short:   "Headless server for the NWB conversion workflow orchestrator",
		Version: version,
		RunE:    runServe,
	}

	root.Flags().IntVarP(&servePort, "port", "p", 8080, "port to listen on")
	root.Flags().StringVar(&serveDir, "directory", "", "working directory (defaults to the current directory)")
	root.Flags().StringVar(&serveProvider, "provider", "", "language model provider id to use (default: first configured of anthropic, openai)")
	root.Flags().BoolVar(&serveMock, "mock", false, "use in-memory mock Converter/Validator/Reporter/LanguageModel instead of configured providers, for local development")

	if err := root.Execute(); err != nil {
		logging.Fatal().Err(err).Msg("nwbflow-server exited with error")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir := serveDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		workDir = wd
	}

	logging.Info().Str("version", version).Msg("starting nwbflow-server")
	logging.Info().Str("directory", workDir).Msg("working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("prepare standard paths: %w", err)
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(appConfig.UploadDir, 0755); err != nil {
		return fmt.Errorf("prepare upload dir: %w", err)
	}
	if err := os.MkdirAll(appConfig.OutputDir, 0755); err != nil {
		return fmt.Errorf("prepare output dir: %w", err)
	}

	ctx := context.Background()

	converter, validator, reporter, model, capInfo := buildCapabilities(ctx, appConfig)

	eventBus := event.NewBus(0)
	sessions := sessionstore.New(eventBus)
	store := storage.New(appConfig.OutputDir)
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
		RequiredMetadataFields: appConfig.RequiredMetadataFields,
		MaxRetryAttempts:       appConfig.MaxRetryAttempts,
		LanguageModelDeadline:  appConfig.LanguageModelDeadline,
		ConverterDeadline:      appConfig.ConverterDeadline,
		ValidatorDeadline:      appConfig.ValidatorDeadline,
		ReporterDeadline:       appConfig.ReporterDeadline,
	}
	agent.RegisterAll(deps)

	serverConfig := server.DefaultConfig()
	serverConfig.Port = servePort
	serverConfig.UploadDir = appConfig.UploadDir
	serverConfig.MaxRetryAttempts = appConfig.MaxRetryAttempts

	srv := server.New(serverConfig, appConfig, capInfo, workBus, sessions, eventBus, store)

	go func() {
		logging.Info().
			Int("port", servePort).
			Str("url", fmt.Sprintf("http://127.0.0.1:%d", servePort)).
			Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}
	if err := eventBus.Close(); err != nil {
		logging.Warn().Err(err).Msg("event bus close error")
	}

	logging.Info().Msg("server stopped")
	return nil
}

// buildCapabilities wires the four pluggable collaborators. Outside of
// --mock, only the LanguageModel has a real, shippable implementation in
// this dependency set: no Go-native NWB read/write or DANDI validation
// library exists in the ecosystem this binary draws on, so Converter,
// Validator, and Reporter fall back to the deterministic mocks even in a
// non-mock run. A deployment with a real conversion/validation backend
// is expected to vendor this package and supply its own
// capability.Converter/Validator/Reporter to agent.Deps directly.
func buildCapabilities(ctx context.Context, cfg *config.Config) (capability.Converter, capability.Validator, capability.Reporter, capability.LanguageModel, server.CapabilityInfo) {
	converter := capability.NewMockConverter()
	validator := &capability.MockValidator{}
	reporter := &capability.MockReporter{}
	info := server.CapabilityInfo{Converter: "mock", Validator: "mock", Reporter: "mock"}

	if serveMock {
		logging.Info().Msg("using in-memory mock capabilities")
		info.LanguageModel = "mock"
		return converter, validator, reporter, &capability.MockLanguageModel{Responses: map[string]any{}}, info
	}

	providerID := serveProvider
	model, err := provider.NewLanguageModel(ctx, cfg, serveProvider)
	if err != nil {
		logging.Warn().Err(err).Msg("no language model provider available, falling back to mock")
		model = &capability.MockLanguageModel{Responses: map[string]any{}}
		providerID = "mock"
	} else if providerID == "" {
		providerID = "configured"
	}
	info.LanguageModel = providerID

	return converter, validator, reporter, model, info
}
