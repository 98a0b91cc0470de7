package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists coaching transcripts and session outcomes in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS coach_turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_coach_turns_user_created ON coach_turns (user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS coach_session_outcomes (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			persona_id TEXT NOT NULL DEFAULT '',
			end_reason TEXT NOT NULL,
			idle_warnings INTEGER NOT NULL DEFAULT 0,
			turns INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_coach_session_outcomes_user_ended ON coach_session_outcomes (user_id, ended_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	record = prepareTurn(record)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO coach_turns (id, user_id, session_id, role, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID,
		record.UserID,
		record.SessionID,
		record.Role,
		record.Content,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, role, content, pii_redacted, created_at
		 FROM coach_turns WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Role, &r.Content, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) SaveSessionOutcome(ctx context.Context, outcome SessionOutcome) error {
	outcome = prepareOutcome(outcome)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO coach_session_outcomes (session_id, user_id, persona_id, end_reason, idle_warnings, turns, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO UPDATE SET
			end_reason = EXCLUDED.end_reason,
			idle_warnings = EXCLUDED.idle_warnings,
			turns = EXCLUDED.turns,
			ended_at = EXCLUDED.ended_at`,
		outcome.SessionID,
		outcome.UserID,
		outcome.PersonaID,
		outcome.EndReason,
		outcome.IdleWarnings,
		outcome.Turns,
		outcome.StartedAt,
		outcome.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentOutcomes(ctx context.Context, userID string, limit int) ([]SessionOutcome, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.pool.Query(ctx,
		`SELECT session_id, user_id, persona_id, end_reason, idle_warnings, turns, started_at, ended_at
		 FROM coach_session_outcomes WHERE user_id=$1 ORDER BY ended_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]SessionOutcome, 0, limit)
	for rows.Next() {
		var o SessionOutcome
		if err := rows.Scan(&o.SessionID, &o.UserID, &o.PersonaID, &o.EndReason, &o.IdleWarnings, &o.Turns, &o.StartedAt, &o.EndedAt); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome rows: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
