package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/androfit/coach/internal/brain"
	"github.com/androfit/coach/internal/config"
	"github.com/androfit/coach/internal/httpapi"
	"github.com/androfit/coach/internal/memory"
	"github.com/androfit/coach/internal/observability"
	"github.com/androfit/coach/internal/session"
	"github.com/androfit/coach/internal/voice"
)

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics
	Voice        VoiceInfo
	BrainName    string

	// Cleanup releases external resources such as the database pool.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	memoryStore, memoryMode, err := openMemoryStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	adapter, err := brain.NewAdapter(ctx, brain.Config{
		Mode:          cfg.BrainProvider,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAILLMModel,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiModel:   cfg.GeminiModel,
	})
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}
	brainName := brain.Name(adapter)

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionConnectTimeout)
	sessions.SetEndedRetention(cfg.SessionRetention)
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Info("session expired before connecting", zap.String("session_id", s.ID))
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ObserveTermination(string(session.EndReasonExpired), 0)
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := voice.NewOrchestrator(
		sessions,
		adapter,
		memoryStore,
		voiceSetup.sttProvider,
		voiceSetup.ttsProvider,
		metrics,
		logger.Named("voice"),
		voice.OrchestratorConfig{
			Activity:             cfg.Activity(),
			DefaultVoice:         voiceSetup.defaultVoiceID,
			GreetingInstructions: cfg.GreetingHint,
			VADThreshold:         cfg.VADThreshold,
			VADHangover:          cfg.VADHangover,
			STTLabel:             voiceSetup.sttLabel,
			TTSLabel:             voiceSetup.ttsLabel,
			BrainLabel:           brainName,
		},
	)

	api := httpapi.New(cfg, sessions, orchestrator, metrics, logger.Named("http"), httpapi.Providers{
		Voice:  voiceSetup.resolvedProvider,
		Brain:  brainName,
		Memory: memoryMode,
	})

	cleanup := func() error {
		var errs []error
		if err := memoryStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close memory store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Voice: VoiceInfo{
			Provider:       voiceSetup.resolvedProvider,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: voiceSetup.defaultVoiceID,
		},
		BrainName: brainName,
		Cleanup:   cleanup,
	}, nil
}

// openMemoryStore uses Postgres when a database URL is configured and falls
// back to the in-process store otherwise.
func openMemoryStore(ctx context.Context, databaseURL string) (memory.Store, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return memory.NewInMemoryStore(), "in-memory", nil
	}
	store, err := memory.NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return store, "postgres", nil
}
