package voice

import (
	"context"
	"strings"
	"time"

	"github.com/androfit/coach/internal/audio"
)

// mockSpeechRate approximates how long a spoken word takes.
const mockSpeechRate = 350 * time.Millisecond

// MockProvider is a local fallback provider used when OpenAI is not configured.
// Transcripts are placeholders and audio is silence of a plausible length.
type MockProvider struct {
	SampleRate int
}

func NewMockProvider() *MockProvider { return &MockProvider{SampleRate: audio.DefaultSampleRate} }

func (p *MockProvider) Transcribe(ctx context.Context, pcm []byte, _ int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", nil
	}
	return "simulated voice input", nil
}

func (p *MockProvider) Synthesize(ctx context.Context, text, _ string) (Speech, error) {
	if err := ctx.Err(); err != nil {
		return Speech{}, err
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return Speech{}, nil
	}
	rate := p.SampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	d := time.Duration(words) * mockSpeechRate
	frames := int(d.Seconds() * float64(rate))
	return Speech{
		Audio:      make([]byte, frames*2),
		Format:     "pcm_s16le",
		SampleRate: rate,
		Duration:   audio.PCM16Duration(frames*2, rate),
	}, nil
}
