package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/voiceturn/internal/turn"
)

// ErrNoPool is returned when the store was built without a database.
var ErrNoPool = errors.New("store: no database pool")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Session is one conversation socket.
type Session struct {
	ID            string     `json:"id"`
	Language      string     `json:"language"`
	SpeakerLabels bool       `json:"speaker_labels"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Utterance is a dispatched user message.
type Utterance struct {
	MessageID string    `json:"message_id"`
	Speaker   string    `json:"speaker,omitempty"`
	Text      string    `json:"text"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// DecisionRow is a persisted turn decision.
type DecisionRow struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Trigger      string    `json:"trigger"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason,omitempty"`
	Probability  *float64  `json:"probability,omitempty"`
	Threshold    float64   `json:"threshold"`
	PendingChars int       `json:"pending_chars"`
	PendingWords int       `json:"pending_words"`
	HoldMs       int64     `json:"hold_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Schema creates the tables used by the store and the event log.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	language       TEXT NOT NULL DEFAULT '',
	speaker_labels BOOLEAN NOT NULL DEFAULT FALSE,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS session_utterances (
	message_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	speaker    TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL,
	sequence   INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS session_utterances_session_seq ON session_utterances (session_id, sequence);

CREATE TABLE IF NOT EXISTS turn_decisions (
	id            BIGSERIAL PRIMARY KEY,
	session_id    TEXT NOT NULL,
	trigger       TEXT NOT NULL,
	decision      TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	probability   DOUBLE PRECISION,
	threshold     DOUBLE PRECISION NOT NULL DEFAULT 0,
	pending_chars INT NOT NULL DEFAULT 0,
	pending_words INT NOT NULL DEFAULT 0,
	hold_ms       BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS turn_decisions_session ON turn_decisions (session_id, created_at);

CREATE TABLE IF NOT EXISTS session_events (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies Schema. Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if s.db == nil {
		return ErrNoPool
	}
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrNoPool
	}
	return s.db.Ping(ctx)
}

// UpsertSession records a session start. A reconnect with the same id keeps
// the original started_at.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	if s.db == nil {
		return ErrNoPool
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, language, speaker_labels, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			language = EXCLUDED.language,
			speaker_labels = EXCLUDED.speaker_labels,
			ended_at = NULL
	`, sess.ID, sess.Language, sess.SpeakerLabels, sess.StartedAt)
	return err
}

// EndSession stamps ended_at.
func (s *Store) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	if s.db == nil {
		return ErrNoPool
	}
	_, err := s.db.Exec(ctx, `UPDATE sessions SET ended_at=$2 WHERE id=$1`, sessionID, at)
	return err
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if s.db == nil {
		return nil, ErrNoPool
	}
	var sess Session
	err := s.db.QueryRow(ctx, `
		SELECT id, language, speaker_labels, started_at, ended_at
		FROM sessions WHERE id=$1
	`, sessionID).Scan(&sess.ID, &sess.Language, &sess.SpeakerLabels, &sess.StartedAt, &sess.EndedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// InsertUtterance stores a dispatched utterance. Inserting the same message
// id twice is a no-op.
func (s *Store) InsertUtterance(ctx context.Context, sessionID string, u Utterance) error {
	if s.db == nil {
		return ErrNoPool
	}
	if u.MessageID == "" {
		return errors.New("store: utterance without message id")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_utterances (message_id, session_id, speaker, text, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING
	`, u.MessageID, sessionID, u.Speaker, u.Text, u.Sequence, u.CreatedAt)
	return err
}

// ListUtterances returns a session's utterances in dispatch order.
func (s *Store) ListUtterances(ctx context.Context, sessionID string, limit int) ([]Utterance, error) {
	if s.db == nil {
		return nil, ErrNoPool
	}
	rows, err := s.db.Query(ctx, `
		SELECT message_id, speaker, text, sequence, created_at
		FROM session_utterances
		WHERE session_id=$1
		ORDER BY sequence ASC
		LIMIT $2
	`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Utterance, error) {
		var u Utterance
		err := row.Scan(&u.MessageID, &u.Speaker, &u.Text, &u.Sequence, &u.CreatedAt)
		return u, err
	})
}

// InsertTurnDecision stores one turn decision.
func (s *Store) InsertTurnDecision(ctx context.Context, d turn.TurnDecision) error {
	if s.db == nil {
		return ErrNoPool
	}
	row := decisionRow(d)
	_, err := s.db.Exec(ctx, `
		INSERT INTO turn_decisions (session_id, trigger, decision, reason, probability, threshold, pending_chars, pending_words, hold_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, row.SessionID, row.Trigger, row.Decision, row.Reason, row.Probability, row.Threshold,
		row.PendingChars, row.PendingWords, row.HoldMs, row.CreatedAt)
	return err
}

// ListTurnDecisions returns a session's decisions oldest first.
func (s *Store) ListTurnDecisions(ctx context.Context, sessionID string, limit int) ([]DecisionRow, error) {
	if s.db == nil {
		return nil, ErrNoPool
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, trigger, decision, reason, probability, threshold, pending_chars, pending_words, hold_ms, created_at
		FROM turn_decisions
		WHERE session_id=$1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		var r DecisionRow
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Trigger, &r.Decision, &r.Reason, &r.Probability, &r.Threshold,
			&r.PendingChars, &r.PendingWords, &r.HoldMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// decisionRow maps a turn decision to its row shape. A missing timestamp
// becomes now.
func decisionRow(d turn.TurnDecision) DecisionRow {
	created := d.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	return DecisionRow{
		SessionID:    d.SessionID,
		Trigger:      d.Trigger,
		Decision:     d.Decision,
		Reason:       d.Reason,
		Probability:  d.Probability,
		Threshold:    d.Threshold,
		PendingChars: d.PendingChars,
		PendingWords: d.PendingWords,
		HoldMs:       d.HoldMs,
		CreatedAt:    created,
	}
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
