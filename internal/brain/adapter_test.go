package brain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"
)

func TestNewAdapterAutoFallsBackToMockWithoutKeys(t *testing.T) {
	a, err := NewAdapter(context.Background(), Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if got := Name(a); got != "mock" {
		t.Fatalf("Name() = %q, want mock", got)
	}

	resp, err := a.StreamResponse(context.Background(), Request{InputText: "three sets of squats"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if !strings.Contains(resp.Text, "three sets of squats") {
		t.Fatalf("unexpected response text: %q", resp.Text)
	}
}

func TestNewAdapterAutoChainsOpenAIBeforeMock(t *testing.T) {
	a, err := NewAdapter(context.Background(), Config{Mode: "auto", OpenAIAPIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if got := Name(a); got != "openai+mock" {
		t.Fatalf("Name() = %q, want openai+mock", got)
	}
}

func TestNewAdapterRejectsMissingKeysAndUnknownMode(t *testing.T) {
	for _, mode := range []string{"openai", "gemini", "llama"} {
		if _, err := NewAdapter(context.Background(), Config{Mode: mode}); err == nil {
			t.Fatalf("NewAdapter(%q) succeeded, want error", mode)
		}
	}
}

func TestMockAdapterGreetsAndRemembers(t *testing.T) {
	a := NewMockAdapter()
	greet, err := a.StreamResponse(context.Background(), Request{InputText: "Greet the user and offer assistance."}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if !strings.Contains(greet.Text, "coach") {
		t.Fatalf("greeting = %q", greet.Text)
	}

	var deltas []string
	resp, err := a.StreamResponse(context.Background(), Request{
		InputText:     "legs today",
		MemoryContext: []string{"my knee hurts"},
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if !strings.Contains(resp.Text, "my knee hurts") {
		t.Fatalf("resp.Text = %q, want remembered context", resp.Text)
	}
	if len(deltas) != 1 || deltas[0] != resp.Text {
		t.Fatalf("deltas = %q, want single delta matching response", deltas)
	}
}

func TestFallbackAdapterUsesFallback(t *testing.T) {
	a := NewFallbackAdapter(errAdapter{}, okAdapter{text: "fallback"})
	resp, err := a.StreamResponse(context.Background(), Request{InputText: "x"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text != "fallback" {
		t.Fatalf("resp.Text = %q, want fallback", resp.Text)
	}
}

func TestFallbackAdapterSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(cancelAdapter{}, fb)
	_, err := a.StreamResponse(context.Background(), Request{InputText: "x"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestFallbackAdapterDoesNotReplayAfterPartialStream(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(partialAdapter{}, fb)
	_, err := a.StreamResponse(context.Background(), Request{InputText: "x"}, func(string) error { return nil })
	if err == nil {
		t.Fatalf("expected primary error")
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called after partial output, calls = %d", fb.calls)
	}
}

func TestOpenAIAdapterStreamsDeltas(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Nice ", "work!"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := NewOpenAIAdapter("sk-test", srv.URL+"/v1", "")
	var deltas []string
	resp, err := a.StreamResponse(context.Background(), Request{
		Instructions: "You are a coach.",
		History:      []Message{{Role: RoleAssistant, Text: "Ready?"}},
		InputText:    "done with my set",
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text != "Nice work!" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Nice work!")
	}
	if strings.Join(deltas, "|") != "Nice |work!" {
		t.Fatalf("deltas = %q", deltas)
	}
	if !strings.Contains(gotBody, `"model":"gpt-4o-mini"`) || !strings.Contains(gotBody, "You are a coach.") {
		t.Fatalf("request body = %s", gotBody)
	}
}

func TestOpenAIMessagesOrdering(t *testing.T) {
	msgs := openAIMessages(Request{
		Instructions:  "persona",
		MemoryContext: []string{"", "likes running"},
		History: []Message{
			{Role: RoleUser, Text: "hi"},
			{Role: RoleAssistant, Text: "hello"},
		},
		InputText: "plan my week",
	})
	want := []string{"system", "system", "user", "assistant", "user"}
	if len(msgs) != len(want) {
		t.Fatalf("len(msgs) = %d, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.Role != want[i] {
			t.Fatalf("msgs[%d].Role = %q, want %q", i, m.Role, want[i])
		}
	}
	if msgs[1].Content != "Things the user said in earlier sessions:\n- likes running" {
		t.Fatalf("memory preamble = %q", msgs[1].Content)
	}
}

func TestGeminiRequestMapsRoles(t *testing.T) {
	contents, cfg := geminiRequest(Request{
		Instructions: "persona",
		History: []Message{
			{Role: RoleUser, Text: "I want to train legs"},
			{Role: RoleAssistant, Text: "warm up first"},
		},
		InputText: "ok",
	})
	if len(contents) != 3 {
		t.Fatalf("len(contents) = %d, want 3", len(contents))
	}
	wantRoles := []string{genai.RoleUser, genai.RoleModel, genai.RoleUser}
	for i, want := range wantRoles {
		if contents[i].Role != want {
			t.Fatalf("contents[%d].Role = %q, want %q", i, contents[i].Role, want)
		}
	}
	if got := contents[1].Parts[0].Text; got != "warm up first" {
		t.Fatalf("contents[1] text = %q", got)
	}
	if cfg == nil || cfg.SystemInstruction == nil {
		t.Fatalf("expected system instruction")
	}

	_, cfg = geminiRequest(Request{InputText: "ok"})
	if cfg != nil {
		t.Fatalf("expected nil config without instructions")
	}
}

type errAdapter struct{}

func (errAdapter) StreamResponse(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{}, errors.New("boom")
}

type okAdapter struct {
	text string
}

func (a okAdapter) StreamResponse(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{Text: a.text}, nil
}

type cancelAdapter struct{}

func (cancelAdapter) StreamResponse(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{}, context.Canceled
}

type partialAdapter struct{}

func (partialAdapter) StreamResponse(_ context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	if err := onDelta("Let's "); err != nil {
		return Response{}, err
	}
	return Response{}, errors.New("stream reset")
}

type countingAdapter struct {
	text  string
	calls int
}

func (a *countingAdapter) StreamResponse(context.Context, Request, DeltaHandler) (Response, error) {
	a.calls++
	return Response{Text: a.text}, nil
}
