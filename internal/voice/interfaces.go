package voice

import (
	"context"
	"time"
)

// Speech is synthesized audio for one utterance.
type Speech struct {
	Audio      []byte
	Format     string
	SampleRate int
	Duration   time.Duration
}

// STTProvider turns a finished user utterance into text.
type STTProvider interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// TTSProvider renders text in the given voice.
type TTSProvider interface {
	Synthesize(ctx context.Context, text, voiceID string) (Speech, error)
}
