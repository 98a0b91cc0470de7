// Package brain produces the coach's replies from a language model.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the speaker of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior turn of the conversation.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is the normalized request sent to a model.
type Request struct {
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	TurnID        string    `json:"turn_id"`
	Instructions  string    `json:"instructions,omitempty"`
	History       []Message `json:"history,omitempty"`
	MemoryContext []string  `json:"memory_context,omitempty"`
	InputText     string    `json:"input_text"`
}

// Response is the final reply after streaming deltas.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter streams a reply for a request.
type Adapter interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Mode string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	GeminiAPIKey string
	GeminiModel  string
}

func NewAdapter(ctx context.Context, cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(ctx, cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai brain mode")
		}
		return NewOpenAIAdapter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("GEMINI_API_KEY is required for gemini brain mode")
		}
		return NewGeminiAdapter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain adapter mode %q", cfg.Mode)
	}
}

// newAutoAdapter prefers OpenAI, then Gemini, and always keeps the mock as
// the last resort so a session can still be driven end to end.
func newAutoAdapter(ctx context.Context, cfg Config) Adapter {
	var chain []Adapter
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		chain = append(chain, NewOpenAIAdapter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel))
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		if gm, err := NewGeminiAdapter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel); err == nil {
			chain = append(chain, gm)
		}
	}

	var out Adapter = NewMockAdapter()
	for i := len(chain) - 1; i >= 0; i-- {
		out = NewFallbackAdapter(chain[i], out)
	}
	return out
}

// Name reports a short label for metrics and logs.
func Name(a Adapter) string {
	switch v := a.(type) {
	case *OpenAIAdapter:
		return "openai"
	case *GeminiAdapter:
		return "gemini"
	case *MockAdapter:
		return "mock"
	case *FallbackAdapter:
		return Name(v.Primary()) + "+" + Name(v.Secondary())
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", a)
	}
}
