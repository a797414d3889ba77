// internal/prompt/engine.go
package prompt

import (
	"errors"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/chatrelay/internal/types"
	"github.com/user/chatrelay/pkg/llm"
)

// DefaultPersona is the system instruction prepended to every model
// request, outside the persisted history.
const DefaultPersona = "You are a helpful assistant."

// ErrContextOverflow is returned when the projected history exceeds the
// model's input budget. History is never silently trimmed or reordered;
// an oversized conversation fails the turn instead.
var ErrContextOverflow = errors.New("conversation exceeds model context budget")

// Engine projects conversation state into the request format expected
// by the model service. Projection is a pure function of the message
// log: same state in, same request out.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	persona   string
}

// New creates a projection engine. model selects the tokenizer
// (e.g. "gpt-4"); maxTokens is the model's context window; reserve is
// held back for the model's reply.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		persona:   DefaultPersona,
	}, nil
}

func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Project maps the full message log, in order, into the role/content
// sequence sent to the model, with the persona prepended as a system
// entry. No history item is dropped or reordered; if the total exceeds
// the input budget the projection fails with ErrContextOverflow.
func (e *Engine) Project(state types.ConversationState) ([]llm.Message, error) {
	inputBudget := e.maxTokens - e.reserve

	messages := make([]llm.Message, 0, 1+len(state.Messages))
	messages = append(messages, llm.Message{Role: string(types.RoleSystem), Content: e.persona})
	used := e.countTokens(e.persona)

	for _, msg := range state.Messages {
		messages = append(messages, llm.Message{Role: string(msg.Role), Content: msg.Content})
		used += e.countTokens(msg.Content)
	}

	if used > inputBudget {
		return nil, fmt.Errorf("%d tokens over a budget of %d: %w", used, inputBudget, ErrContextOverflow)
	}
	return messages, nil
}
