package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/voiceturn/internal/logging"
	"github.com/lukasbauer/voiceturn/internal/turn"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted      EventType = "session_started"
	EventSTTResult           EventType = "stt_result"
	EventUtteranceEnd        EventType = "utterance_end"
	EventTurnDecision        EventType = "turn_decision"
	EventUtteranceDispatched EventType = "utterance_dispatched"
	EventEchoDiscarded       EventType = "echo_discarded"
	EventAssistantMessage    EventType = "assistant_message"
	EventAudioChunkSkipped   EventType = "audio_chunk_skipped"
	EventSTTError            EventType = "stt_error"
	EventSessionEnded        EventType = "session_ended"
)

const asyncTimeout = 2 * time.Second

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
	wg sync.WaitGroup
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l.db == nil || sessionID == "" {
		return nil
	}

	_, err := l.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), encode(data))

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l.db == nil || sessionID == "" {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := l.Log(ctx, sessionID, eventType, data); err != nil {
			log := logging.WithSession(sessionID)
			log.Debug().Err(err).Str("event_type", string(eventType)).Msg("event log write failed")
		}
	}()
}

// LogDecision records a turn decision as a turn_decision event. Used for
// decisions that do not belong in turn_decisions.
func (l *Logger) LogDecision(d turn.TurnDecision) {
	l.LogAsync(d.SessionID, EventTurnDecision, DecisionData(d))
}

// Wait blocks until pending async writes finish or ctx is done.
func (l *Logger) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DecisionData flattens a turn decision into event data.
func DecisionData(d turn.TurnDecision) map[string]any {
	data := map[string]any{
		"trigger":       d.Trigger,
		"decision":      d.Decision,
		"pending_chars": d.PendingChars,
		"pending_words": d.PendingWords,
		"hold_ms":       d.HoldMs,
	}
	if d.Reason != "" {
		data["reason"] = d.Reason
	}
	if d.Probability != nil {
		data["probability"] = *d.Probability
		data["threshold"] = d.Threshold
	}
	return data
}

func encode(data map[string]any) []byte {
	if data == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return []byte("{}")
	}
	return b
}
