package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/jubensha/internal/eventlog"
	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/MrWong99/jubensha/pkg/provider/tts"
)

// StreamCharacterTTS starts a streaming synthesis of content in the voice of
// characterName. The returned channel carries hex chunks in playback order and
// always ends with an End chunk. Nothing is uploaded or recorded.
//
// The stream is bounded by the streaming deadline; the deadline is released
// once the provider closes the channel.
func (p *Pipeline) StreamCharacterTTS(ctx context.Context, characterName, content string, attrs *game.Character) (<-chan tts.StreamChunk, error) {
	voiceID := p.resolver.Resolve(characterName, attrs)

	sctx, cancel := context.WithTimeout(ctx, p.streamTimeout)
	start := time.Now()
	src, err := p.provider.SynthesizeStream(sctx, tts.NewRequest(content, voiceID))
	if err != nil {
		cancel()
		p.metrics.RecordProviderRequest(ctx, p.providerName, "tts_stream", "error")
		p.metrics.RecordProviderError(ctx, p.providerName, "tts_stream")
		return nil, fmt.Errorf("speech: stream %q: %w", characterName, err)
	}

	out := make(chan tts.StreamChunk)
	go func() {
		defer cancel()
		defer close(out)
		status := "ok"
		var chunks int
		for c := range src {
			if c.Err != nil {
				status = "error"
			} else if !c.End {
				chunks++
			}
			select {
			case out <- c:
			case <-ctx.Done():
				// Consumer is gone; drain so the provider goroutine can exit.
				for range src {
				}
				status = "cancelled"
				p.finishStream(ctx, start, status, characterName, voiceID, chunks)
				return
			}
		}
		p.finishStream(ctx, start, status, characterName, voiceID, chunks)
	}()
	return out, nil
}

func (p *Pipeline) finishStream(ctx context.Context, start time.Time, status, character, voiceID string, chunks int) {
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	p.metrics.RecordProviderRequest(ctx, p.providerName, "tts_stream", status)
	observe.Logger(ctx).Debug("tts stream finished",
		"character", character,
		"voice_id", voiceID,
		"chunks", chunks,
		"status", status,
	)
}

// History returns a session's TTS events, newest first. An empty character
// returns all characters; a non-positive limit means
// [eventlog.DefaultHistoryLimit].
func (p *Pipeline) History(ctx context.Context, sessionID, character string, limit int) ([]eventlog.Event, error) {
	if p.events == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = eventlog.DefaultHistoryLimit
	}
	evs, err := p.events.TTSHistory(ctx, sessionID, character, limit)
	if err != nil {
		return nil, fmt.Errorf("speech: history: %w", err)
	}
	return evs, nil
}
