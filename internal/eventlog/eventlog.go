package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// EventType represents the type of transcription event
type EventType string

const (
	EventTranscriptionStarted EventType = "transcription_started"
	EventTranscriptionResult  EventType = "transcription_result"
	EventTranscriptionError   EventType = "transcription_error"
	EventTranscriptionStopped EventType = "transcription_stopped"
)

// Logger provides async event logging to the database
type Logger struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// New creates a new event logger. A nil pool turns every call into a no-op.
func New(db *pgxpool.Pool, logger zerolog.Logger) *Logger {
	return &Logger{db: db, log: logger.With().Str("module", "eventlog").Logger()}
}

// Enabled reports whether events are persisted.
func (l *Logger) Enabled() bool {
	return l != nil && l.db != nil
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if !l.Enabled() || sessionID == "" {
		return nil
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO transcription_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if !l.Enabled() || sessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Log(ctx, sessionID, eventType, data); err != nil {
			l.log.Warn().Err(err).Str("session", sessionID).Str("event", string(eventType)).Msg("failed to write event")
		}
	}()
}
