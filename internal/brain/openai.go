package brain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIAdapter streams chat completions from the OpenAI API.
type OpenAIAdapter struct {
	client *openai.Client
	model  string
}

func NewOpenAIAdapter(apiKey, baseURL, model string) *OpenAIAdapter {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if u := strings.TrimSpace(baseURL); u != "" {
		cfg.BaseURL = strings.TrimRight(u, "/")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIAdapter{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (a *OpenAIAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: openAIMessages(req),
		Stream:   true,
	})
	if err != nil {
		return Response{}, fmt.Errorf("openai chat stream: %w", err)
	}
	defer stream.Close()

	var out strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Response{}, fmt.Errorf("openai chat stream recv: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: strings.TrimSpace(out.String())}, nil
}

func openAIMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+3)
	if s := strings.TrimSpace(req.Instructions); s != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	if s := memoryPreamble(req.MemoryContext); s != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.InputText})
	return msgs
}

// memoryPreamble renders remembered context from earlier sessions.
func memoryPreamble(items []string) string {
	var b strings.Builder
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Things the user said in earlier sessions:")
		}
		b.WriteString("\n- ")
		b.WriteString(item)
	}
	return b.String()
}
