package agent

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/schema"

	"github.com/dandi-tools/nwbflow/internal/capability"
	"github.com/dandi-tools/nwbflow/internal/workflowerr"
)

// errNoModel is reported when a chat turn arrives but no LanguageModel
// was wired at startup.
var errNoModel = errors.New("no language model configured")

// capabilityError classifies a failed external-capability call: a
// deadline expiry becomes Timeout, everything else DependencyFailed.
func capabilityError(name string, err error) *workflowerr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return workflowerr.Timeout(name, err)
	}
	return workflowerr.DependencyFailed(name, err)
}

// UserFacingError is what ConversationAgent returns to a client for any
// Bus error raised by a sub-agent; it is never a bare error string.
type UserFacingError struct {
	Explanation string   `json:"explanation"`
	LikelyCause string   `json:"likelyCause"`
	Actions     []string `json:"actions"`
	Recoverable bool     `json:"recoverable"`
}

type explainedError struct {
	Explanation string   `json:"explanation"`
	LikelyCause string   `json:"likely_cause"`
	Actions     []string `json:"actions"`
	Recoverable bool     `json:"recoverable"`
}

// explainError turns any workflow error into a UserFacingError. It asks
// the LanguageModel for a plain-language explanation; if that call
// itself fails (the model is down, which is exactly when explanations
// matter most), a deterministic fallback keyed on the error Kind is
// used instead.
func explainError(ctx context.Context, model capability.LanguageModel, err error) UserFacingError {
	werr, ok := workflowerr.As(err)
	if !ok {
		werr = workflowerr.Fatal(err.Error(), nil)
	}

	if model != nil {
		var out explainedError
		callErr := model.Call(ctx, capability.StructuredCall{
			SystemPrompt: "Explain this workflow error to a non-technical researcher in one or two sentences.",
			Messages: []capability.ChatTurn{
				{Role: "user", Content: werr.Error()},
			},
			SchemaName:        "explain_error",
			SchemaDescription: "Explain a conversion-workflow error to the end user.",
			Parameters: map[string]*schema.ParameterInfo{
				"explanation":  {Type: schema.String, Required: true},
				"likely_cause": {Type: schema.String, Required: true},
				"actions":      {Type: schema.Array, ElemInfo: &schema.ParameterInfo{Type: schema.String}},
				"recoverable":  {Type: schema.Boolean, Required: true},
			},
		}, &out)
		if callErr == nil {
			return UserFacingError{
				Explanation: out.Explanation,
				LikelyCause: out.LikelyCause,
				Actions:     out.Actions,
				Recoverable: out.Recoverable,
			}
		}
	}

	return deterministicFallback(werr)
}

func deterministicFallback(werr *workflowerr.Error) UserFacingError {
	switch werr.Kind {
	case workflowerr.KindTimeout:
		return UserFacingError{
			Explanation: "The operation took too long and was stopped.",
			LikelyCause: "An external service did not respond within its deadline.",
			Actions:     []string{"Try again", "Check the external service's status"},
			Recoverable: true,
		}
	case workflowerr.KindDependencyFailed:
		return UserFacingError{
			Explanation: "A required external tool failed while processing this file.",
			LikelyCause: werr.Message,
			Actions:     []string{"Try again", "Inspect the file for corruption"},
			Recoverable: true,
		}
	case workflowerr.KindNoProgress:
		return UserFacingError{
			Explanation: "The last retry produced the exact same issues as before.",
			LikelyCause: "No new input or corrections were supplied since the previous attempt.",
			Actions:     []string{"Provide new information", "Retry anyway"},
			Recoverable: true,
		}
	case workflowerr.KindBusy:
		return UserFacingError{
			Explanation: "Another request is already being processed.",
			LikelyCause: "A previous message has not finished yet.",
			Actions:     []string{"Wait and try again"},
			Recoverable: true,
		}
	case workflowerr.KindFatal:
		return UserFacingError{
			Explanation: "An internal consistency check failed.",
			LikelyCause: werr.Message,
			Actions:     []string{"Contact support"},
			Recoverable: false,
		}
	default:
		return UserFacingError{
			Explanation: "The request could not be completed.",
			LikelyCause: werr.Message,
			Actions:     []string{"Try again"},
			Recoverable: true,
		}
	}
}
