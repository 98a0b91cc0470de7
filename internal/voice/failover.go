package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// NewFailoverProviderPair builds STT/TTS providers that prefer the primary backend
// and switch to fallback when a primary call fails. Once fallback succeeds, it
// stays active until fallback fails; then primary is retried. Context
// cancellation never triggers a switch.
func NewFailoverProviderPair(
	primarySTT STTProvider,
	primaryTTS TTSProvider,
	fallbackSTT STTProvider,
	fallbackTTS TTSProvider,
	fallbackVoiceID string,
) (STTProvider, TTSProvider) {
	state := &failoverState{}
	return &failoverSTTProvider{
			state:    state,
			primary:  primarySTT,
			fallback: fallbackSTT,
		}, &failoverTTSProvider{
			state:           state,
			primary:         primaryTTS,
			fallback:        fallbackTTS,
			fallbackVoiceID: strings.TrimSpace(fallbackVoiceID),
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback()      { s.fallbackActive.Store(true) }
func (s *failoverState) deactivateFallback()    { s.fallbackActive.Store(false) }
func (s *failoverState) isFallbackActive() bool { return s.fallbackActive.Load() }

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type failoverSTTProvider struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTTProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if p.state.isFallbackActive() {
		text, fbErr := p.fallback.Transcribe(ctx, pcm, sampleRate)
		if fbErr == nil || isContextErr(fbErr) {
			return text, fbErr
		}
		// Fallback failed after being active; try primary again.
		text, prErr := p.primary.Transcribe(ctx, pcm, sampleRate)
		if prErr == nil {
			p.state.deactivateFallback()
			return text, nil
		}
		return "", fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	text, prErr := p.primary.Transcribe(ctx, pcm, sampleRate)
	if prErr == nil || isContextErr(prErr) {
		return text, prErr
	}

	text, fbErr := p.fallback.Transcribe(ctx, pcm, sampleRate)
	if fbErr != nil {
		return "", fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return text, nil
}

type failoverTTSProvider struct {
	state           *failoverState
	primary         TTSProvider
	fallback        TTSProvider
	fallbackVoiceID string
}

func (p *failoverTTSProvider) Synthesize(ctx context.Context, text, voiceID string) (Speech, error) {
	if p.state.isFallbackActive() {
		speech, fbErr := p.synthesizeFallback(ctx, text, voiceID)
		if fbErr == nil || isContextErr(fbErr) {
			return speech, fbErr
		}
		// Fallback failed after being active; try primary again.
		speech, prErr := p.primary.Synthesize(ctx, text, voiceID)
		if prErr == nil {
			p.state.deactivateFallback()
			return speech, nil
		}
		return Speech{}, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	speech, prErr := p.primary.Synthesize(ctx, text, voiceID)
	if prErr == nil || isContextErr(prErr) {
		return speech, prErr
	}
	speech, fbErr := p.synthesizeFallback(ctx, text, voiceID)
	if fbErr != nil {
		return Speech{}, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return speech, nil
}

func (p *failoverTTSProvider) synthesizeFallback(ctx context.Context, text, voiceID string) (Speech, error) {
	if p.fallbackVoiceID != "" {
		voiceID = p.fallbackVoiceID
	}
	return p.fallback.Synthesize(ctx, text, voiceID)
}
