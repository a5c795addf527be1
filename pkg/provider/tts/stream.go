package tts

import (
	"context"
	"encoding/hex"
	"sync"
)

const (
	// MaxHexChunk is the largest hex audio field emitted unsplit.
	MaxHexChunk = 100_000

	// HexSubChunk is the piece size used when re-splitting oversized hex audio.
	HexSubChunk = 50_000

	streamBuffer = 64
)

// StreamChunk is one element of a streaming synthesis. Audio carries
// hex-encoded audio. Err is terminal. End marks the final chunk.
type StreamChunk struct {
	Audio  string
	Format string
	End    bool
	Err    error
}

// Decode returns the raw audio bytes carried by the chunk.
func (c StreamChunk) Decode() ([]byte, error) {
	return hex.DecodeString(c.Audio)
}

// SplitHex re-splits s into pieces of HexSubChunk characters when it is longer
// than MaxHexChunk. The final piece absorbs any remainder shorter than
// HexSubChunk, so 100_001 characters become 50_000 + 50_001.
func SplitHex(s string) []string {
	if len(s) <= MaxHexChunk {
		return []string{s}
	}
	n := len(s) / HexSubChunk
	out := make([]string, 0, n)
	for i := 0; i < n-1; i++ {
		out = append(out, s[i*HexSubChunk:(i+1)*HexSubChunk])
	}
	return append(out, s[(n-1)*HexSubChunk:])
}

// StreamWriter emits StreamChunks on a channel and guarantees the End sentinel.
type StreamWriter struct {
	ctx    context.Context
	ch     chan StreamChunk
	format string
	once   sync.Once
}

// NewStreamWriter returns a writer and the receive side of its channel.
func NewStreamWriter(ctx context.Context, format string) (*StreamWriter, <-chan StreamChunk) {
	ch := make(chan StreamChunk, streamBuffer)
	return &StreamWriter{ctx: ctx, ch: ch, format: format}, ch
}

// WriteHex emits hex audio, splitting oversized fields. It returns false when
// the context is done and the caller should stop producing.
func (w *StreamWriter) WriteHex(audio string) bool {
	if audio == "" {
		return w.ctx.Err() == nil
	}
	for _, piece := range SplitHex(audio) {
		select {
		case w.ch <- StreamChunk{Audio: piece, Format: w.format}:
		case <-w.ctx.Done():
			return false
		}
	}
	return true
}

// WriteBytes hex-encodes raw audio and emits it via WriteHex.
func (w *StreamWriter) WriteBytes(audio []byte) bool {
	return w.WriteHex(hex.EncodeToString(audio))
}

// Close emits an error chunk when err is non-nil (or the context ended),
// then the End sentinel, then closes the channel. Only the first call has
// any effect.
func (w *StreamWriter) Close(err error) {
	w.once.Do(func() {
		if err == nil {
			err = w.ctx.Err()
		}
		if err != nil {
			w.send(StreamChunk{Err: err, Format: w.format})
		}
		w.send(StreamChunk{End: true, Format: w.format})
		close(w.ch)
	})
}

// send delivers c, falling back to a non-blocking attempt once the context is done.
func (w *StreamWriter) send(c StreamChunk) {
	select {
	case w.ch <- c:
	case <-w.ctx.Done():
		select {
		case w.ch <- c:
		default:
		}
	}
}
