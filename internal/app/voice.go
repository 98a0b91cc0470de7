package app

import (
	"fmt"
	"strings"

	"github.com/androfit/coach/internal/config"
	"github.com/androfit/coach/internal/voice"
)

type voiceSetup struct {
	sttProvider      voice.STTProvider
	ttsProvider      voice.TTSProvider
	resolvedProvider string
	defaultVoiceID   string
	sttLabel         string
	ttsLabel         string
	detail           string
}

func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "mock",
			defaultVoiceID:   cfg.OpenAITTSVoice,
			sttLabel:         "mock",
			ttsLabel:         "mock",
			detail:           detail,
		}
	}

	tryOpenAI := func() (*voice.OpenAIProvider, error) {
		return voice.NewOpenAIProvider(voice.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			STTModel:     cfg.OpenAISTTModel,
			TTSModel:     cfg.OpenAITTSModel,
			DefaultVoice: cfg.OpenAITTSVoice,
			Language:     cfg.STTLanguage,
		})
	}

	switch voiceMode {
	case "openai":
		p, err := tryOpenAI()
		if err != nil {
			return voiceSetup{}, fmt.Errorf("openai voice provider init failed: %w", err)
		}
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "openai",
			defaultVoiceID:   cfg.OpenAITTSVoice,
			sttLabel:         "openai",
			ttsLabel:         "openai",
			detail:           fmt.Sprintf("openai (%s + %s)", cfg.OpenAISTTModel, cfg.OpenAITTSModel),
		}, nil
	case "mock":
		return mock("mock"), nil
	case "auto":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return mock("mock (no OPENAI_API_KEY)"), nil
		}
		p, err := tryOpenAI()
		if err != nil {
			return mock("mock (openai unavailable)"), nil
		}
		fallback := voice.NewMockProvider()
		stt, tts := voice.NewFailoverProviderPair(p, p, fallback, fallback, "")
		return voiceSetup{
			sttProvider:      stt,
			ttsProvider:      tts,
			resolvedProvider: "openai",
			defaultVoiceID:   cfg.OpenAITTSVoice,
			sttLabel:         "openai+mock",
			ttsLabel:         "openai+mock",
			detail:           "openai (automatic mock fallback)",
		}, nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|openai|mock)", cfg.VoiceProvider)
	}
}
