// Package provider constructs a capability.LanguageModel from configured
// credentials, choosing among the Eino-compatible chat model backends this
// orchestrator ships with.
package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"

	"github.com/dandi-tools/nwbflow/internal/capability"
	"github.com/dandi-tools/nwbflow/internal/config"
)

// preferredOrder is the order providers are tried in when the caller does
// not pin one explicitly: Anthropic first, since the conversation agent's
// structured-output prompts were written and tuned against Claude.
var preferredOrder = []string{"anthropic", "openai"}

// NewLanguageModel builds a capability.LanguageModel from cfg.Provider,
// preferring id if non-empty, otherwise the first configured entry in
// preferredOrder. Returns an error naming every provider id tried and why
// each was rejected, so a misconfigured deployment fails loudly at
// startup rather than lazily on the first chat request.
func NewLanguageModel(ctx context.Context, cfg *config.Config, id string) (capability.LanguageModel, error) {
	if id != "" {
		pc, ok := cfg.Provider[id]
		if !ok {
			return nil, fmt.Errorf("provider: no configuration for %q", id)
		}
		return newLanguageModelFor(ctx, id, pc)
	}

	var errs []error
	for _, candidate := range preferredOrder {
		pc, ok := cfg.Provider[candidate]
		if !ok || pc.APIKey == "" {
			continue
		}
		model, err := newLanguageModelFor(ctx, candidate, pc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return model, nil
	}

	return nil, fmt.Errorf("provider: no usable language model provider configured (tried %v, errors: %v)", preferredOrder, errs)
}

func newLanguageModelFor(ctx context.Context, id string, pc config.ProviderConfig) (capability.LanguageModel, error) {
	switch id {
	case "anthropic":
		return newAnthropic(ctx, pc)
	case "openai":
		return newOpenAI(ctx, pc)
	default:
		return nil, fmt.Errorf("provider: unknown provider id %q", id)
	}
}

func newAnthropic(ctx context.Context, pc config.ProviderConfig) (capability.LanguageModel, error) {
	modelID := pc.Model
	if modelID == "" {
		modelID = "claude-sonnet-4-20250514"
	}

	cfg := &claude.Config{
		APIKey:    pc.APIKey,
		Model:     modelID,
		MaxTokens: 4096,
	}
	if pc.BaseURL != "" {
		cfg.BaseURL = &pc.BaseURL
	}

	chatModel, err := claude.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("provider: create claude chat model: %w", err)
	}
	return capability.NewEinoLanguageModel(chatModel), nil
}

func newOpenAI(ctx context.Context, pc config.ProviderConfig) (capability.LanguageModel, error) {
	modelID := pc.Model
	if modelID == "" {
		modelID = "gpt-4o"
	}
	maxTokens := 4096

	cfg := &openai.ChatModelConfig{
		APIKey:              pc.APIKey,
		Model:               modelID,
		MaxCompletionTokens: &maxTokens,
	}
	if pc.BaseURL != "" {
		cfg.BaseURL = pc.BaseURL
	}

	chatModel, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("provider: create openai chat model: %w", err)
	}
	return capability.NewEinoLanguageModel(chatModel), nil
}
