// Package eventlog records immutable game events. The speech pipeline writes
// one TTS event per synthesized utterance; the API reads them back as TTS
// history.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventTypeTTS is the event type of synthesized-speech events.
const EventTypeTTS = "tts"

// DefaultHistoryLimit is used when a history query passes a non-positive limit.
const DefaultHistoryLimit = 50

// Status is the outcome of a TTS synthesis.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Event is one row of the event log. Events are never mutated after insert.
type Event struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	EventType     string         `json:"event_type"`
	CharacterName string         `json:"character_name"`
	Content       string         `json:"content"`
	TTSFileURL    string         `json:"tts_file_url,omitempty"`
	TTSVoice      string         `json:"tts_voice,omitempty"`
	TTSDuration   int            `json:"tts_duration"`
	TTSStatus     Status         `json:"tts_status"`
	Metadata      map[string]any `json:"event_metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	IsPublic      bool           `json:"is_public"`
}

// ErrIncomplete is returned when a completed TTS event lacks its URL or voice.
var ErrIncomplete = errors.New("eventlog: completed tts event requires url and voice")

// Validate checks the invariants every stored event must satisfy.
func (e *Event) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("eventlog: session id must not be empty")
	}
	if e.EventType == "" {
		return fmt.Errorf("eventlog: event type must not be empty")
	}
	if e.TTSStatus == StatusCompleted && (e.TTSFileURL == "" || e.TTSVoice == "") {
		return ErrIncomplete
	}
	return nil
}

// Store persists events.
type Store interface {
	// Insert validates and stores e, filling ID and Timestamp when empty.
	Insert(ctx context.Context, e *Event) error

	// TTSHistory returns TTS events of a session, newest first. An empty
	// character returns every character's events. A non-positive limit
	// means DefaultHistoryLimit.
	TTSHistory(ctx context.Context, sessionID, character string, limit int) ([]Event, error)
}
