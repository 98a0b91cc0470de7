package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/androfit/coach/internal/activity"
	"github.com/androfit/coach/internal/audio"
	"github.com/androfit/coach/internal/brain"
	"github.com/androfit/coach/internal/memory"
	"github.com/androfit/coach/internal/observability"
	"github.com/androfit/coach/internal/protocol"
	"github.com/androfit/coach/internal/session"
)

const (
	memoryContextLimit   = 8
	memoryOutcomeLimit   = 1
	memoryContextTimeout = 350 * time.Millisecond
	memorySaveTimeout    = 2 * time.Second
	outboundTimeout      = 2 * time.Second
	historyMaxMessages   = 24
	// minUtteranceDuration drops clicks and breaths that tripped the VAD.
	minUtteranceDuration = 200 * time.Millisecond
	maxUtteranceBytes    = 16000 * 2 * 60
)

const defaultGreetingInstructions = "Greet the user and offer assistance."

// OrchestratorConfig holds per-connection tuning.
type OrchestratorConfig struct {
	Activity             activity.Config
	DefaultVoice         string
	GreetingInstructions string
	VADThreshold         float64
	VADHangover          time.Duration

	// Provider labels used in metrics.
	STTLabel   string
	TTSLabel   string
	BrainLabel string
}

// Orchestrator runs the coach for one websocket connection at a time.
type Orchestrator struct {
	sessions    *session.Manager
	adapter     brain.Adapter
	memoryStore memory.Store
	sttProvider STTProvider
	ttsProvider TTSProvider
	metrics     *observability.Metrics
	logger      *zap.Logger
	cfg         OrchestratorConfig
}

func NewOrchestrator(
	sessions *session.Manager,
	adapter brain.Adapter,
	memoryStore memory.Store,
	sttProvider STTProvider,
	ttsProvider TTSProvider,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cfg OrchestratorConfig,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.GreetingInstructions) == "" {
		cfg.GreetingInstructions = defaultGreetingInstructions
	}
	for _, label := range []*string{&cfg.STTLabel, &cfg.TTSLabel, &cfg.BrainLabel} {
		if strings.TrimSpace(*label) == "" {
			*label = "unknown"
		}
	}
	return &Orchestrator{
		sessions:    sessions,
		adapter:     adapter,
		memoryStore: memoryStore,
		sttProvider: sttProvider,
		ttsProvider: ttsProvider,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
	}
}

// turnInput is one user contribution: finished speech, typed text, or the
// greeting instruction that opens the session.
type turnInput struct {
	text       string
	pcm        []byte
	sampleRate int
	greeting   bool
	endedAt    time.Time
}

// conversation is the in-session chat history shared by turns.
type conversation struct {
	mu       sync.Mutex
	messages []brain.Message
	turns    int
}

func (c *conversation) history() []brain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]brain.Message(nil), c.messages...)
}

func (c *conversation) add(user, assistant string, countTurn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages,
		brain.Message{Role: brain.RoleUser, Text: user},
		brain.Message{Role: brain.RoleAssistant, Text: assistant},
	)
	if n := len(c.messages); n > historyMaxMessages {
		c.messages = append([]brain.Message(nil), c.messages[n-historyMaxMessages:]...)
	}
	if countTurn {
		c.turns++
	}
}

func (c *conversation) turnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns
}

// RunConnection serves a session until the client leaves, the session is
// ended elsewhere, or the activity monitor closes it.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	logger := o.logger.With(zap.String("session_id", s.ID), zap.String("user_id", s.UserID))

	if err := o.sessions.Attach(s.ID); err != nil {
		o.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "session_unavailable",
			Source:    "session",
			Detail:    err.Error(),
		})
		return err
	}
	sessionDone, err := o.sessions.Done(s.ID)
	if err != nil {
		return err
	}
	connectedAt := time.Now()
	o.metrics.SessionEvents.WithLabelValues("attached").Inc()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	persona := LookupPersona(s.PersonaID)
	voiceID := firstNonEmpty(s.VoiceID, persona.VoiceID, o.cfg.DefaultVoice)

	var latencyStart atomic.Int64
	rm := newRoom(ctx, roomConfig{
		SessionID: s.ID,
		VoiceID:   voiceID,
		TTS:       o.ttsProvider,
		Send:      func(msg any) { o.send(outbound, msg) },
		Logger:    logger,
		OnSynthesisError: func(error) {
			o.metrics.ProviderErrors.WithLabelValues(o.cfg.TTSLabel, "tts").Inc()
		},
		OnFirstAudio: func() {
			if start := latencyStart.Swap(0); start > 0 {
				o.metrics.ObserveFirstAudioLatency(time.Since(time.UnixMilli(start)))
			}
		},
	})
	defer rm.Close()

	mon, err := activity.NewMonitor(o.cfg.Activity, rm, activity.Options{
		Logger: logger,
		OnWarning: func() {
			o.metrics.IdleWarnings.Inc()
			_ = o.sessions.RecordWarning(s.ID)
			o.send(outbound, protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: s.ID,
				Code:      protocol.CodeIdleWarning,
			})
		},
		OnError: func(error) {
			o.metrics.MonitorErrors.Inc()
		},
	})
	if err != nil {
		_ = o.sessions.Detach(s.ID)
		return err
	}
	detach := mon.Attach(rm)
	defer detach()
	monitorDone := make(chan activity.Outcome, 1)
	go func() { monitorDone <- mon.Run(ctx) }()

	o.send(outbound, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: s.ID,
		Code:      protocol.CodeSessionReady,
		Detail:    persona.DisplayName,
	})

	conv := &conversation{}
	remembered := o.loadMemoryContext(ctx, s.UserID)

	var (
		turnMu     sync.Mutex
		turnCancel context.CancelFunc
		turnWG     sync.WaitGroup
	)
	cancelTurn := func() {
		turnMu.Lock()
		defer turnMu.Unlock()
		if turnCancel != nil {
			turnCancel()
			turnCancel = nil
		}
	}
	startTurn := func(in turnInput) {
		turnMu.Lock()
		defer turnMu.Unlock()
		if turnCancel != nil {
			turnCancel()
		}
		turnCtx, c := context.WithCancel(ctx)
		turnCancel = c
		turnWG.Add(1)
		go func() {
			defer turnWG.Done()
			defer c()
			o.runTurn(turnCtx, logger, s, persona, rm, conv, remembered, &latencyStart, in, outbound)
		}()
	}

	startTurn(turnInput{text: o.cfg.GreetingInstructions, greeting: true})

	vad := newEnergyVAD(o.cfg.VADThreshold, o.cfg.VADHangover)
	var (
		utter          []byte
		sampleRate     = audio.DefaultSampleRate
		manual         bool
		manualSpeaking bool
		endReason      = session.EndReasonDisconnected
	)
	finishUtterance := func() {
		pcm := utter
		utter = nil
		if audio.PCM16Duration(len(pcm), sampleRate) < minUtteranceDuration {
			return
		}
		startTurn(turnInput{pcm: pcm, sampleRate: sampleRate, endedAt: time.Now()})
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-rm.Done():
			break loop
		case <-sessionDone:
			break loop
		case msg, ok := <-inbound:
			if !ok {
				break loop
			}
			_ = o.sessions.Touch(s.ID)

			switch m := msg.(type) {
			case protocol.ClientAudioChunk:
				pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
				if err != nil {
					o.send(outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "invalid_audio",
						Source:    "client",
						Detail:    err.Error(),
					})
					continue
				}
				sampleRate = m.SampleRate
				if manual {
					if manualSpeaking && len(utter) < maxUtteranceBytes {
						utter = append(utter, pcm...)
					}
					continue
				}
				switch vad.Push(pcm, m.SampleRate) {
				case vadSpeechStart:
					utter = append(utter[:0], pcm...)
					cancelTurn()
					rm.UserSpeech(true)
				case vadSpeechEnd:
					rm.UserSpeech(false)
					finishUtterance()
				default:
					if vad.Speaking() && len(utter) < maxUtteranceBytes {
						utter = append(utter, pcm...)
					}
				}

			case protocol.ClientControl:
				switch m.Action {
				case protocol.ActionSpeechStart:
					manual = true
					manualSpeaking = true
					vad.Reset()
					utter = utter[:0]
					cancelTurn()
					rm.UserSpeech(true)
				case protocol.ActionSpeechEnd:
					manualSpeaking = false
					rm.UserSpeech(false)
					finishUtterance()
				case protocol.ActionInterrupt:
					cancelTurn()
					rm.Interrupt()
				case protocol.ActionEnd:
					endReason = session.EndReasonClient
					break loop
				}

			case protocol.ClientText:
				cancelTurn()
				rm.Interrupt()
				rm.UserActivity()
				startTurn(turnInput{text: strings.TrimSpace(m.Text), endedAt: time.Now()})
			}
		}
	}

	cancelTurn()
	rm.Close()
	cancel()
	outcome := <-monitorDone
	turnWG.Wait()

	switch outcome.Reason {
	case activity.ReasonIdleTimeout:
		endReason = session.EndReasonIdleTimeout
	case activity.ReasonMaxDuration:
		endReason = session.EndReasonMaxDuration
	}

	ended, err := o.sessions.End(s.ID, endReason)
	if err != nil && !errors.Is(err, session.ErrEnded) {
		logger.Warn("end session failed", zap.Error(err))
	}
	if ended != nil {
		endReason = ended.EndReason
	}
	elapsed := time.Since(connectedAt)
	o.metrics.ActiveSessions.Set(float64(o.sessions.ActiveCount()))
	o.metrics.ObserveTermination(string(endReason), elapsed)
	o.send(outbound, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: s.ID,
		Code:      protocol.CodeSessionEnded,
		Detail:    string(endReason),
	})

	o.saveOutcome(logger, memory.SessionOutcome{
		SessionID:    s.ID,
		UserID:       s.UserID,
		PersonaID:    persona.ID,
		EndReason:    string(endReason),
		IdleWarnings: outcome.Warnings,
		Turns:        conv.turnCount(),
		StartedAt:    connectedAt.UTC(),
		EndedAt:      time.Now().UTC(),
	})
	logger.Info("session ended",
		zap.String("reason", string(endReason)),
		zap.Duration("elapsed", elapsed),
		zap.Int("idle_warnings", outcome.Warnings),
		zap.Int("monitor_errors", outcome.Errors),
	)
	return nil
}

func (o *Orchestrator) runTurn(
	ctx context.Context,
	logger *zap.Logger,
	s *session.Session,
	persona Persona,
	rm *room,
	conv *conversation,
	remembered []string,
	latencyStart *atomic.Int64,
	in turnInput,
	outbound chan<- any,
) {
	turnID := uuid.NewString()
	userText := in.text

	if in.pcm != nil {
		text, err := o.sttProvider.Transcribe(ctx, in.pcm, in.sampleRate)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.metrics.ProviderErrors.WithLabelValues(o.cfg.STTLabel, "stt").Inc()
			logger.Warn("transcription failed", zap.String("turn_id", turnID), zap.Error(err))
			o.send(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.ID,
				Code:      "stt_failed",
				Source:    "stt",
				Retryable: true,
				Detail:    err.Error(),
			})
			return
		}
		userText = strings.TrimSpace(text)
		if userText == "" {
			return
		}
		o.send(outbound, protocol.STTCommitted{
			Type:      protocol.TypeSTTCommitted,
			SessionID: s.ID,
			Text:      userText,
			TSMs:      time.Now().UnixMilli(),
		})
	}
	if userText == "" {
		return
	}
	if !in.greeting {
		o.saveTurnBestEffort(memory.TurnRecord{
			UserID:    s.UserID,
			SessionID: s.ID,
			Role:      "user",
			Content:   userText,
		})
	}
	if !in.endedAt.IsZero() {
		latencyStart.Store(in.endedAt.UnixMilli())
	}

	var splitter sentenceSplitter
	say := func(sentences []string) error {
		for _, sentence := range sentences {
			if err := rm.Reply(ctx, sentence); err != nil {
				return err
			}
		}
		return nil
	}
	resp, err := o.adapter.StreamResponse(ctx, brain.Request{
		UserID:        s.UserID,
		SessionID:     s.ID,
		TurnID:        turnID,
		Instructions:  persona.Instructions,
		History:       conv.history(),
		MemoryContext: remembered,
		InputText:     userText,
	}, func(delta string) error {
		return say(splitter.Push(delta))
	})
	if err == nil {
		err = say(splitter.Flush())
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrRoomClosed) {
			return
		}
		o.metrics.ProviderErrors.WithLabelValues(o.cfg.BrainLabel, "brain").Inc()
		logger.Warn("reply generation failed", zap.String("turn_id", turnID), zap.Error(err))
		o.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "brain_failed",
			Source:    "brain",
			Retryable: true,
			Detail:    err.Error(),
		})
		return
	}

	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		return
	}
	conv.add(userText, reply, !in.greeting)
	o.saveTurnBestEffort(memory.TurnRecord{
		UserID:    s.UserID,
		SessionID: s.ID,
		Role:      "assistant",
		Content:   reply,
	})
}

func (o *Orchestrator) loadMemoryContext(ctx context.Context, userID string) []string {
	if o.memoryStore == nil || strings.TrimSpace(userID) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, memoryContextTimeout)
	defer cancel()

	turns, err := o.memoryStore.RecentContext(ctx, userID, memoryContextLimit)
	if err != nil {
		o.metrics.SessionEvents.WithLabelValues("memory_context_failed").Inc()
		return nil
	}
	outcomes, err := o.memoryStore.RecentOutcomes(ctx, userID, memoryOutcomeLimit)
	if err != nil {
		o.metrics.SessionEvents.WithLabelValues("memory_context_failed").Inc()
	}
	return memory.ContextLines(turns, outcomes)
}

func (o *Orchestrator) saveTurnBestEffort(record memory.TurnRecord) {
	if o.memoryStore == nil {
		return
	}
	go func(r memory.TurnRecord) {
		saveCtx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
		defer cancel()
		if err := o.memoryStore.SaveTurn(saveCtx, r); err != nil {
			o.metrics.SessionEvents.WithLabelValues("memory_save_failed").Inc()
		}
	}(record)
}

func (o *Orchestrator) saveOutcome(logger *zap.Logger, outcome memory.SessionOutcome) {
	if o.memoryStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
	defer cancel()
	if err := o.memoryStore.SaveSessionOutcome(ctx, outcome); err != nil {
		o.metrics.SessionEvents.WithLabelValues("memory_save_failed").Inc()
		logger.Warn("save session outcome failed", zap.Error(err))
	}
}

func (o *Orchestrator) send(outbound chan<- any, msg any) {
	timer := time.NewTimer(outboundTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
	case <-timer.C:
		o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		msgType, _ := protocol.TypeOf(msg)
		o.logger.Debug("outbound message dropped", zap.String("type", string(msgType)))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
