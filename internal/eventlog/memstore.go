package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process [Store] used when no database is configured and
// in tests.
type MemStore struct {
	mu     sync.RWMutex
	events []Event

	// InsertErr, if set, is returned by Insert without storing the event.
	InsertErr error
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Insert implements [Store].
func (s *MemStore) Insert(_ context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return s.InsertErr
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.events = append(s.events, cp)
	return nil
}

// TTSHistory implements [Store]. Ties on timestamp keep the later insert first.
func (s *MemStore) TTSHistory(_ context.Context, sessionID, character string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.RLock()
	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.SessionID != sessionID || e.EventType != EventTypeTTS {
			continue
		}
		if character != "" && e.CharacterName != character {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns a copy of every stored event in insertion order.
func (s *MemStore) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
