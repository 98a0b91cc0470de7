package brain

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no model is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.InputText)
	if base == "" {
		return "I'm here. Tell me what you'd like to work on."
	}
	if strings.HasPrefix(base, greetingPrefix) {
		return "Hi, I'm your Androfit coach. What are we training today?"
	}

	if len(req.MemoryContext) == 0 {
		return fmt.Sprintf("Got it: %s", base)
	}

	last := strings.TrimSpace(req.MemoryContext[len(req.MemoryContext)-1])
	if last == "" {
		return fmt.Sprintf("Got it: %s", base)
	}

	return fmt.Sprintf("Got it: %s\nLast time you mentioned: %s", base, last)
}

// greetingPrefix matches the opening instruction the voice runtime sends
// before the user has said anything.
const greetingPrefix = "Greet the user"
