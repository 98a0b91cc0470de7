package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/androfit/coach/internal/audio"
	"github.com/androfit/coach/internal/reliability"
)

const (
	// OpenAI returns raw pcm speech as 24kHz mono PCM16LE.
	openAISpeechSampleRate = 24000
	openAIRetryAttempts    = 3
	openAIRetryBase        = 250 * time.Millisecond
	openAIRetryCap         = 2 * time.Second
)

// OpenAIConfig selects models for OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	STTModel     string
	TTSModel     string
	DefaultVoice string
	Language     string
}

// OpenAIProvider implements STT with Whisper and TTS with the speech API.
type OpenAIProvider struct {
	client       *openai.Client
	sttModel     string
	ttsModel     string
	defaultVoice string
	language     string
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("OPENAI_API_KEY is required for the openai voice provider")
	}
	clientCfg := openai.DefaultConfig(key)
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		clientCfg.BaseURL = strings.TrimRight(u, "/")
	}
	p := &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		sttModel:     strings.TrimSpace(cfg.STTModel),
		ttsModel:     strings.TrimSpace(cfg.TTSModel),
		defaultVoice: strings.TrimSpace(cfg.DefaultVoice),
		language:     strings.TrimSpace(cfg.Language),
	}
	if p.sttModel == "" {
		p.sttModel = openai.Whisper1
	}
	if p.ttsModel == "" {
		p.ttsModel = string(openai.TTSModel1)
	}
	if p.defaultVoice == "" {
		p.defaultVoice = string(openai.VoiceAlloy)
	}
	return p, nil
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}

	var text string
	err = reliability.Retry(ctx, openAIRetryAttempts, openAIRetryBase, openAIRetryCap, isRetryableOpenAIError, func(ctx context.Context) error {
		resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    p.sttModel,
			FilePath: "utterance.wav",
			Reader:   bytes.NewReader(wav),
			Language: p.language,
		})
		if err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return text, nil
}

func (p *OpenAIProvider) Synthesize(ctx context.Context, text, voiceID string) (Speech, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Speech{}, nil
	}
	voice := strings.TrimSpace(voiceID)
	if voice == "" {
		voice = p.defaultVoice
	}

	var pcm []byte
	err := reliability.Retry(ctx, openAIRetryAttempts, openAIRetryBase, openAIRetryCap, isRetryableOpenAIError, func(ctx context.Context) error {
		resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(p.ttsModel),
			Input:          text,
			Voice:          openai.SpeechVoice(voice),
			ResponseFormat: openai.SpeechResponseFormatPcm,
		})
		if err != nil {
			return err
		}
		defer resp.Close()
		pcm, err = io.ReadAll(resp)
		return err
	})
	if err != nil {
		return Speech{}, fmt.Errorf("openai speech: %w", err)
	}
	return Speech{
		Audio:      pcm,
		Format:     "pcm_s16le",
		SampleRate: openAISpeechSampleRate,
		Duration:   audio.PCM16Duration(len(pcm), openAISpeechSampleRate),
	}, nil
}

func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reliability.IsRetryableHTTPStatus(reqErr.HTTPStatusCode)
	}
	return false
}
