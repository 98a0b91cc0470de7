package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/androfit/coach/internal/activity"
	"github.com/androfit/coach/internal/protocol"
)

var (
	ErrRoomClosed   = errors.New("room closed")
	ErrSayQueueFull = errors.New("say queue full")
)

const (
	sayQueueSize     = 32
	audioChunkBytes  = 16 << 10
	roomDrainTimeout = 15 * time.Second
)

type roomConfig struct {
	SessionID string
	VoiceID   string
	TTS       TTSProvider
	Send      func(msg any)
	Logger    *zap.Logger

	OnSynthesisError func(err error)
	// OnFirstAudio runs when the first audio chunk of an utterance is sent.
	OnFirstAudio func()
}

type utterance struct {
	id            string
	text          string
	interruptible bool
	// reply marks coach replies. Only replies publish agent speaking events;
	// monitor prompts must not count as interaction or the spoken idle warning
	// would keep an abandoned session alive.
	reply bool
	gen   uint64
}

type activeUtterance struct {
	id            string
	interruptible bool
	cancel        context.CancelFunc
}

// room is the agent side of one connected session. Utterances are spoken one
// at a time by a single speaker goroutine; speaking transitions of both
// parties are published to subscribers.
type room struct {
	cfg         roomConfig
	ctx         context.Context
	cancel      context.CancelFunc
	queue       chan utterance
	speakerDone chan struct{}
	done        chan struct{}
	doneOnce    sync.Once

	mu           sync.Mutex
	closed       bool
	subs         map[int]func(activity.Event)
	nextSub      int
	current      *activeUtterance
	interruptGen uint64
	userSpeaking bool
}

func newRoom(parent context.Context, cfg roomConfig) *room {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Send == nil {
		cfg.Send = func(any) {}
	}
	ctx, cancel := context.WithCancel(parent)
	r := &room{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan utterance, sayQueueSize),
		speakerDone: make(chan struct{}),
		done:        make(chan struct{}),
		subs:        make(map[int]func(activity.Event)),
	}
	go r.speaker()
	return r
}

// Say queues a monitor prompt for playback and returns without waiting for
// it to be spoken.
func (r *room) Say(ctx context.Context, text string, allowInterruptions bool) error {
	return r.enqueue(ctx, text, allowInterruptions, false)
}

// Reply queues an interruptible coach reply.
func (r *room) Reply(ctx context.Context, text string) error {
	return r.enqueue(ctx, text, true, true)
}

func (r *room) enqueue(ctx context.Context, text string, interruptible, reply bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.ctx.Err() != nil {
		return ErrRoomClosed
	}
	u := utterance{
		id:            uuid.NewString(),
		text:          text,
		interruptible: interruptible,
		reply:         reply,
		gen:           r.interruptGen,
	}
	select {
	case r.queue <- u:
		return nil
	default:
		return ErrSayQueueFull
	}
}

// End stops accepting new utterances, lets queued ones play out, then shuts
// the room down. Calling End on a closed room returns ErrRoomClosed.
func (r *room) End(ctx context.Context) error {
	if !r.closeQueue() {
		return ErrRoomClosed
	}
	timer := time.NewTimer(roomDrainTimeout)
	defer timer.Stop()
	select {
	case <-r.speakerDone:
	case <-ctx.Done():
	case <-timer.C:
		r.cfg.Logger.Warn("room drain timed out", zap.Duration("timeout", roomDrainTimeout))
	}
	r.shutdown()
	return nil
}

// Close shuts the room down immediately, dropping pending speech.
func (r *room) Close() {
	r.closeQueue()
	r.shutdown()
}

func (r *room) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.ctx.Err() == nil
}

// Done is closed once the room has shut down.
func (r *room) Done() <-chan struct{} { return r.done }

func (r *room) Subscribe(fn func(activity.Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// Interrupt cuts off the current utterance if it allows interruptions and
// drops queued interruptible ones. It reports whether playback was cut.
func (r *room) Interrupt() bool {
	r.mu.Lock()
	r.interruptGen++
	cur := r.current
	r.mu.Unlock()
	if cur != nil && cur.interruptible {
		cur.cancel()
		return true
	}
	return false
}

// UserSpeech records a user speaking transition. Starting to speak
// interrupts the agent.
func (r *room) UserSpeech(speaking bool) {
	r.mu.Lock()
	if r.userSpeaking == speaking {
		r.mu.Unlock()
		return
	}
	r.userSpeaking = speaking
	r.mu.Unlock()

	if speaking {
		r.publish(activity.UserStartedSpeaking)
		r.Interrupt()
	} else {
		r.publish(activity.UserStoppedSpeaking)
	}
	r.cfg.Send(protocol.SpeakingState{
		Type:      protocol.TypeSpeakingState,
		SessionID: r.cfg.SessionID,
		Party:     protocol.PartyUser,
		Speaking:  speaking,
		TSMs:      time.Now().UnixMilli(),
	})
}

// UserActivity marks non-speech input, such as typed text, as interaction.
func (r *room) UserActivity() {
	r.mu.Lock()
	speaking := r.userSpeaking
	r.mu.Unlock()
	if speaking {
		return
	}
	r.publish(activity.UserStartedSpeaking)
	r.publish(activity.UserStoppedSpeaking)
}

func (r *room) closeQueue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	close(r.queue)
	return true
}

func (r *room) shutdown() {
	r.cancel()
	<-r.speakerDone
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *room) publish(typ activity.EventType) {
	ev := activity.Event{Type: typ, At: time.Now()}
	r.mu.Lock()
	fns := make([]func(activity.Event), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (r *room) speaker() {
	defer close(r.speakerDone)
	for u := range r.queue {
		if r.ctx.Err() != nil {
			continue
		}
		r.speak(u)
	}
}

func (r *room) speak(u utterance) {
	r.mu.Lock()
	if u.interruptible && u.gen < r.interruptGen {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.current = &activeUtterance{id: u.id, interruptible: u.interruptible, cancel: cancel}
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}()

	r.setAgentSpeaking(true, u.reply)
	defer r.setAgentSpeaking(false, u.reply)

	r.cfg.Send(protocol.AssistantText{
		Type:          protocol.TypeAssistantText,
		SessionID:     r.cfg.SessionID,
		UtteranceID:   u.id,
		Text:          u.text,
		Interruptible: u.interruptible,
	})

	speech, err := r.cfg.TTS.Synthesize(ctx, u.text, r.cfg.VoiceID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.cfg.Logger.Warn("speech synthesis failed", zap.String("utterance_id", u.id), zap.Error(err))
		if r.cfg.OnSynthesisError != nil {
			r.cfg.OnSynthesisError(err)
		}
		r.cfg.Send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: r.cfg.SessionID,
			Code:      "tts_failed",
			Source:    "tts",
			Retryable: true,
			Detail:    err.Error(),
		})
		return
	}

	for seq, off := 0, 0; off < len(speech.Audio); seq, off = seq+1, off+audioChunkBytes {
		if ctx.Err() != nil {
			return
		}
		end := min(off+audioChunkBytes, len(speech.Audio))
		r.cfg.Send(protocol.AssistantAudioChunk{
			Type:        protocol.TypeAssistantAudio,
			SessionID:   r.cfg.SessionID,
			UtteranceID: u.id,
			Seq:         seq,
			Format:      speech.Format,
			SampleRate:  speech.SampleRate,
			AudioBase64: base64.StdEncoding.EncodeToString(speech.Audio[off:end]),
		})
		if seq == 0 && r.cfg.OnFirstAudio != nil {
			r.cfg.OnFirstAudio()
		}
	}

	// The client plays audio in real time; stay "speaking" until it would finish.
	if speech.Duration > 0 {
		timer := time.NewTimer(speech.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

func (r *room) setAgentSpeaking(speaking, publish bool) {
	switch {
	case !publish:
	case speaking:
		r.publish(activity.AgentStartedSpeaking)
	default:
		r.publish(activity.AgentStoppedSpeaking)
	}
	r.cfg.Send(protocol.SpeakingState{
		Type:      protocol.TypeSpeakingState,
		SessionID: r.cfg.SessionID,
		Party:     protocol.PartyAgent,
		Speaking:  speaking,
		TSMs:      time.Now().UnixMilli(),
	})
}
