package orchestrator

import (
	"sync"

	"github.com/MrWong99/jubensha/internal/game"
)

const defaultChatCapacity = 500

// ChatLog keeps the chat of one session in order. Once more than maxSize
// messages were added, the oldest are evicted.
//
// All methods are safe for concurrent use.
type ChatLog struct {
	mu      sync.RWMutex
	entries []game.ChatMessage
	maxSize int
}

// NewChatLog returns a log retaining at most maxSize messages. A
// non-positive maxSize selects a default of 500.
func NewChatLog(maxSize int) *ChatLog {
	if maxSize <= 0 {
		maxSize = defaultChatCapacity
	}
	return &ChatLog{maxSize: maxSize}
}

// Add appends msg.
func (l *ChatLog) Add(msg game.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, msg)
	if len(l.entries) > l.maxSize {
		// Copy so evicted messages can be collected.
		keep := make([]game.ChatMessage, l.maxSize, l.maxSize+1)
		copy(keep, l.entries[len(l.entries)-l.maxSize:])
		l.entries = keep
	}
}

// Recent returns up to n of the newest messages, oldest first.
func (l *ChatLog) Recent(n int) []game.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n = max(0, min(n, len(l.entries)))
	out := make([]game.ChatMessage, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// All returns every retained message, oldest first.
func (l *ChatLog) All() []game.ChatMessage {
	return l.Recent(l.Len())
}

// Len reports the number of retained messages.
func (l *ChatLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
