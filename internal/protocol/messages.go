package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientText       MessageType = "client_text"
	TypeClientControl    MessageType = "client_control"

	TypeSTTCommitted   MessageType = "stt_committed"
	TypeAssistantText  MessageType = "assistant_text"
	TypeAssistantAudio MessageType = "assistant_audio_chunk"
	TypeSpeakingState  MessageType = "speaking_state"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Client control actions.
const (
	ActionSpeechStart = "speech_start"
	ActionSpeechEnd   = "speech_end"
	ActionInterrupt   = "interrupt"
	ActionEnd         = "end"
)

// System event codes.
const (
	CodeSessionReady = "session_ready"
	CodeIdleWarning  = "idle_warning"
	CodeSessionEnded = "session_ended"
)

// Speaking parties.
const (
	PartyUser  = "user"
	PartyAgent = "agent"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type STTCommitted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type AssistantText struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	UtteranceID   string      `json:"utterance_id"`
	Text          string      `json:"text"`
	Interruptible bool        `json:"interruptible"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	UtteranceID string      `json:"utterance_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate,omitempty"`
	AudioBase64 string      `json:"audio_base64"`
}

type SpeakingState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Party     string      `json:"party"`
	Speaking  bool        `json:"speaking"`
	TSMs      int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionSpeechStart, ActionSpeechEnd, ActionInterrupt, ActionEnd:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the message type of a known protocol value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientAudioChunk:
		return m.Type, true
	case ClientText:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case STTCommitted:
		return m.Type, true
	case AssistantText:
		return m.Type, true
	case AssistantAudioChunk:
		return m.Type, true
	case SpeakingState:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
