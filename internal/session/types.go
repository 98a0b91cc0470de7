package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id"`
	VoiceID   string `json:"voice_id"`
}

// Limits echoes the activity thresholds that govern a session.
type Limits struct {
	IdleTimeoutMS        int64 `json:"idle_timeout_ms"`
	WarningDelayMS       int64 `json:"warning_delay_ms"`
	MaxSessionDurationMS int64 `json:"max_session_duration_ms"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	PersonaID      string    `json:"persona_id"`
	VoiceID        string    `json:"voice_id"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ConnectTTLMS   int64     `json:"connect_ttl_ms"`
	Limits         Limits    `json:"limits"`
}
