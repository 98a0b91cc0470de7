package voice

import (
	"context"
	"errors"
	"testing"
)

func TestFailoverProviderPairSwitchesToFallbackAndSticks(t *testing.T) {
	ctx := context.Background()
	primaryErr := errors.New("primary unavailable")

	primarySTT := &stubSTTProvider{err: primaryErr}
	fallbackSTT := &stubSTTProvider{text: "fallback transcript"}
	primaryTTS := &stubTTSProvider{err: primaryErr}
	fallbackTTS := &stubTTSProvider{}

	stt, tts := NewFailoverProviderPair(primarySTT, primaryTTS, fallbackSTT, fallbackTTS, "mock")

	for i := 0; i < 2; i++ {
		text, err := stt.Transcribe(ctx, []byte{1, 2}, 16000)
		if err != nil {
			t.Fatalf("Transcribe() unexpected error = %v", err)
		}
		if text != "fallback transcript" {
			t.Fatalf("Transcribe() = %q, want fallback transcript", text)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := tts.Synthesize(ctx, "hello", "alloy"); err != nil {
			t.Fatalf("Synthesize() unexpected error = %v", err)
		}
	}

	if primarySTT.calls != 1 {
		t.Fatalf("primary STT calls = %d, want 1", primarySTT.calls)
	}
	if fallbackSTT.calls != 2 {
		t.Fatalf("fallback STT calls = %d, want 2", fallbackSTT.calls)
	}
	if primaryTTS.calls != 0 {
		t.Fatalf("primary TTS calls = %d, want 0 once fallback active", primaryTTS.calls)
	}
	if fallbackTTS.calls != 2 {
		t.Fatalf("fallback TTS calls = %d, want 2", fallbackTTS.calls)
	}
}

func TestFailoverProviderPairMapsFallbackVoice(t *testing.T) {
	primaryTTS := &stubTTSProvider{err: errors.New("quota exceeded")}
	fallbackTTS := &stubTTSProvider{}

	_, tts := NewFailoverProviderPair(&stubSTTProvider{}, primaryTTS, &stubSTTProvider{}, fallbackTTS, "mock")
	if _, err := tts.Synthesize(context.Background(), "hi", "alloy"); err != nil {
		t.Fatalf("Synthesize() unexpected error = %v", err)
	}
	if fallbackTTS.lastVoice != "mock" {
		t.Fatalf("fallback voice = %q, want %q", fallbackTTS.lastVoice, "mock")
	}
}

func TestFailoverProviderPairReturnsToPrimaryWhenFallbackFails(t *testing.T) {
	primarySTT := &stubSTTProvider{err: errors.New("primary down")}
	fallbackSTT := &stubSTTProvider{text: "fb"}
	stt, _ := NewFailoverProviderPair(primarySTT, &stubTTSProvider{}, fallbackSTT, &stubTTSProvider{}, "")

	if _, err := stt.Transcribe(context.Background(), []byte{1}, 16000); err != nil {
		t.Fatalf("Transcribe() unexpected error = %v", err)
	}
	primarySTT.err = nil
	primarySTT.text = "primary"
	fallbackSTT.err = errors.New("fallback down")

	text, err := stt.Transcribe(context.Background(), []byte{1}, 16000)
	if err != nil {
		t.Fatalf("Transcribe() unexpected error = %v", err)
	}
	if text != "primary" {
		t.Fatalf("Transcribe() = %q, want primary", text)
	}

	fallbackSTT.err = nil
	if text, _ := stt.Transcribe(context.Background(), []byte{1}, 16000); text != "primary" {
		t.Fatalf("Transcribe() after recovery = %q, want primary to stay active", text)
	}
}

func TestFailoverProviderPairDoesNotFailOverOnCancel(t *testing.T) {
	primaryTTS := &stubTTSProvider{err: context.Canceled}
	fallbackTTS := &stubTTSProvider{}
	_, tts := NewFailoverProviderPair(&stubSTTProvider{}, primaryTTS, &stubSTTProvider{}, fallbackTTS, "")

	if _, err := tts.Synthesize(context.Background(), "hi", "alloy"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Synthesize() error = %v, want context.Canceled", err)
	}
	if fallbackTTS.calls != 0 {
		t.Fatalf("fallback TTS calls = %d, want 0", fallbackTTS.calls)
	}
}

func TestFailoverProviderPairReturnsCombinedErrorWhenBothFail(t *testing.T) {
	primaryErr := errors.New("primary down")
	fallbackErr := errors.New("fallback down")

	stt, tts := NewFailoverProviderPair(
		&stubSTTProvider{err: primaryErr},
		&stubTTSProvider{err: primaryErr},
		&stubSTTProvider{err: fallbackErr},
		&stubTTSProvider{err: fallbackErr},
		"",
	)
	if _, err := stt.Transcribe(context.Background(), []byte{1}, 16000); !errors.Is(err, fallbackErr) {
		t.Fatalf("Transcribe() error = %v, want wrapped fallback error", err)
	}
	if _, err := tts.Synthesize(context.Background(), "x", "y"); !errors.Is(err, fallbackErr) {
		t.Fatalf("Synthesize() error = %v, want wrapped fallback error", err)
	}
}

type stubSTTProvider struct {
	calls int
	text  string
	err   error
}

func (p *stubSTTProvider) Transcribe(context.Context, []byte, int) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.text, nil
}

type stubTTSProvider struct {
	calls     int
	lastVoice string
	err       error
}

func (p *stubTTSProvider) Synthesize(_ context.Context, text, voiceID string) (Speech, error) {
	p.calls++
	p.lastVoice = voiceID
	if p.err != nil {
		return Speech{}, p.err
	}
	return Speech{Audio: []byte(text), Format: "stub"}, nil
}
