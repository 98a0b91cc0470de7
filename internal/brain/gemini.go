package brain

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiAdapter streams replies from the Gemini API.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

func NewGeminiAdapter(ctx context.Context, apiKey, model string) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiAdapter{client: client, model: model}, nil
}

func (a *GeminiAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	contents, cfg := geminiRequest(req)

	var out strings.Builder
	for chunk, err := range a.client.Models.GenerateContentStream(ctx, a.model, contents, cfg) {
		if err != nil {
			return Response{}, fmt.Errorf("gemini stream: %w", err)
		}
		delta := chunk.Text()
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

func geminiRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(req.InputText, genai.RoleUser))

	system := strings.TrimSpace(strings.Join([]string{
		strings.TrimSpace(req.Instructions),
		memoryPreamble(req.MemoryContext),
	}, "\n\n"))
	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}
	return contents, cfg
}
