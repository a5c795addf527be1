// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one utterance into audio. Providers differ in how they
// hand the audio back: some return raw bytes, some a URL to a rendered file,
// some a base64 string. [Response] carries whichever shape the backend
// produced and [Response.Bytes] normalises it.
//
// Streaming synthesis emits [StreamChunk] values in playback order. An error
// chunk is terminal and every stream ends with an End chunk, even after an
// error. Use [StreamWriter] to honour that contract.
//
// Providers hold one pooled HTTP session that is created lazily and released
// by Close. One instance is used per game session.
package tts

import (
	"context"
	"time"
)

const (
	// DefaultUnaryTimeout bounds a single non-streaming synthesis call.
	DefaultUnaryTimeout = 30 * time.Second

	// DefaultStreamTimeout bounds a whole streaming synthesis call.
	DefaultStreamTimeout = 60 * time.Second
)

// Request describes one synthesis call.
type Request struct {
	// Text is the utterance to speak.
	Text string

	// VoiceID is the provider-specific timbre identifier.
	VoiceID string

	// Speed is the speaking-rate multiplier. 1.0 is normal speed.
	Speed float64

	// Pitch is a semitone offset. 0 keeps the voice's natural pitch.
	Pitch int

	// Volume is a gain multiplier. Zero means provider default.
	Volume float64

	// Format requests an output container such as "mp3" or "wav".
	// Empty means provider default.
	Format string
}

// NewRequest returns a Request for text spoken by voiceID at normal speed and pitch.
func NewRequest(text, voiceID string) Request {
	return Request{Text: text, VoiceID: voiceID, Speed: 1.0, Pitch: 0, Volume: 1.0}
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Synthesize renders req into a single audio payload.
	Synthesize(ctx context.Context, req Request) (*Response, error)

	// SynthesizeStream renders req incrementally. The returned channel is
	// closed after the End chunk has been sent.
	SynthesizeStream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// Close releases pooled connections. Calls after Close fail with ErrClosed.
	Close() error
}
