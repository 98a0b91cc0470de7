package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/androfit/coach/internal/policy"
)

// TurnRecord stores a single user or assistant conversational turn.
type TurnRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionOutcome summarizes how a coaching session ended.
type SessionOutcome struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	PersonaID    string    `json:"persona_id"`
	EndReason    string    `json:"end_reason"`
	IdleWarnings int       `json:"idle_warnings"`
	Turns        int       `json:"turns"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// Duration is the connected length of the session.
func (o SessionOutcome) Duration() time.Duration {
	if o.EndedAt.Before(o.StartedAt) {
		return 0
	}
	return o.EndedAt.Sub(o.StartedAt)
}

// Store persists and retrieves conversational memory.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	SaveSessionOutcome(ctx context.Context, outcome SessionOutcome) error
	RecentOutcomes(ctx context.Context, userID string, limit int) ([]SessionOutcome, error)
	Close() error
}

// prepareTurn fills identifiers and masks PII before a turn is stored.
func prepareTurn(record TurnRecord) TurnRecord {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	res := policy.Redact(strings.TrimSpace(record.Content))
	record.Content = res.Text
	record.PIIRedacted = record.PIIRedacted || res.Changed()
	return record
}

func prepareOutcome(outcome SessionOutcome) SessionOutcome {
	if outcome.EndedAt.IsZero() {
		outcome.EndedAt = time.Now().UTC()
	}
	if outcome.StartedAt.IsZero() {
		outcome.StartedAt = outcome.EndedAt
	}
	return outcome
}
