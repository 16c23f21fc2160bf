package capability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// StructuredCall is one request for a schema-constrained LLM response.
// SchemaName/SchemaDescription/Parameters describe a single synthetic
// tool the model is forced to call; the LanguageModel's Call unmarshals
// that tool call's arguments into its out argument.
type StructuredCall struct {
	SystemPrompt     string
	Messages         []ChatTurn
	SchemaName       string
	SchemaDescription string
	Parameters       map[string]*schema.ParameterInfo
}

// ChatTurn is one role/content pair fed into a LanguageModel call.
type ChatTurn struct {
	Role    string // "user" | "assistant" | "system"
	Content string
}

// LanguageModel is the structured-output LLM boundary every agent calls
// through. It never streams free text back to this codebase; every
// call binds a single forced tool and the caller unmarshals the
// resulting arguments into its own typed struct.
type LanguageModel interface {
	Call(ctx context.Context, call StructuredCall, out any) error
}

// EinoLanguageModel adapts an Eino model.ToolCallingChatModel into the
// LanguageModel interface by forcing a single synthetic tool call per
// request and decoding its arguments as JSON.
type EinoLanguageModel struct {
	chatModel model.ToolCallingChatModel
}

// NewEinoLanguageModel wraps an already-constructed Eino chat model
// (Anthropic, OpenAI, or any other Eino-compatible backend).
func NewEinoLanguageModel(chatModel model.ToolCallingChatModel) *EinoLanguageModel {
	return &EinoLanguageModel{chatModel: chatModel}
}

func (e *EinoLanguageModel) Call(ctx context.Context, call StructuredCall, out any) error {
	tool := &schema.ToolInfo{
		Name:        call.SchemaName,
		Desc:        call.SchemaDescription,
		ParamsOneOf: schema.NewParamsOneOfByParams(call.Parameters),
	}

	bound, err := e.chatModel.WithTools([]*schema.ToolInfo{tool})
	if err != nil {
		return fmt.Errorf("capability: bind structured-output tool: %w", err)
	}

	messages := toEinoMessages(call)
	resp, err := bound.Generate(ctx, messages)
	if err != nil {
		return fmt.Errorf("capability: language model call: %w", err)
	}

	for _, tc := range resp.ToolCalls {
		if tc.Function.Name != call.SchemaName {
			continue
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), out); err != nil {
			return fmt.Errorf("capability: decode structured output: %w", err)
		}
		return nil
	}
	return fmt.Errorf("capability: model did not call %q", call.SchemaName)
}

func toEinoMessages(call StructuredCall) []*schema.Message {
	messages := make([]*schema.Message, 0, len(call.Messages)+1)
	if call.SystemPrompt != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: call.SystemPrompt})
	}
	for _, turn := range call.Messages {
		role := schema.User
		switch turn.Role {
		case "assistant":
			role = schema.Assistant
		case "system":
			role = schema.System
		}
		messages = append(messages, &schema.Message{Role: role, Content: turn.Content})
	}
	return messages
}
