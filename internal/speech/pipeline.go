// Package speech turns a character's line into a published audio file.
//
// [Pipeline.GenerateCharacterTTS] resolves the character's voice,
// synthesises the text, normalises the provider payload to raw bytes,
// uploads it to the blob store and records a TTS event. It never returns an
// error: every failure degrades to "no audio" so a turn can proceed with
// text only. Outcomes are logged and counted instead.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/jubensha/internal/eventlog"
	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/MrWong99/jubensha/internal/voice"
	"github.com/MrWong99/jubensha/pkg/blobstore"
	"github.com/MrWong99/jubensha/pkg/provider/tts"
)

const (
	// bytesPerSecond approximates 128 kbps MP3 for duration estimates.
	bytesPerSecond = 16_000

	defaultFormat = "mp3"
)

// Pipeline synthesises, uploads and records character speech.
//
// A Pipeline is safe for concurrent use; the orchestrator of a session
// serialises its own calls.
type Pipeline struct {
	provider     tts.Provider
	providerName string
	store        blobstore.Store
	events       eventlog.Store
	resolver     *voice.Resolver
	client       *http.Client
	metrics      *observe.Metrics
	now          func() time.Time

	unaryTimeout  time.Duration
	streamTimeout time.Duration
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithResolver replaces the default voice table.
func WithResolver(r *voice.Resolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

// WithHTTPClient sets the client used to fetch provider-hosted audio URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.client = c }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the time source used for blob keys.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithProviderName labels metrics and log lines. Default: "tts".
func WithProviderName(name string) Option {
	return func(p *Pipeline) { p.providerName = name }
}

// WithTimeouts overrides the unary and streaming deadlines. Zero values keep
// the defaults.
func WithTimeouts(unary, stream time.Duration) Option {
	return func(p *Pipeline) {
		if unary > 0 {
			p.unaryTimeout = unary
		}
		if stream > 0 {
			p.streamTimeout = stream
		}
	}
}

// New creates a Pipeline. provider and store are required; events may be nil,
// in which case nothing is recorded.
func New(provider tts.Provider, store blobstore.Store, events eventlog.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		provider:      provider,
		providerName:  "tts",
		store:         store,
		events:        events,
		resolver:      voice.NewResolver(nil),
		client:        http.DefaultClient,
		now:           time.Now,
		unaryTimeout:  tts.DefaultUnaryTimeout,
		streamTimeout: tts.DefaultStreamTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// GenerateCharacterTTS speaks content in the voice of characterName and
// returns the public URL of the uploaded audio. ok is false when no audio
// was produced; the caller should continue without it.
//
// attrs may be nil. metadata is merged into the event metadata after the
// pipeline's own keys, so callers can add but also override them.
func (p *Pipeline) GenerateCharacterTTS(
	ctx context.Context,
	sessionID, characterName, content string,
	attrs *game.Character,
	metadata map[string]any,
) (url string, ok bool) {
	ctx = observe.WithSession(ctx, sessionID)
	log := observe.Logger(ctx).With(
		"character", characterName,
		"provider", p.providerName,
	)

	if !p.store.Available(ctx) {
		log.Warn("blob store unavailable, skipping tts")
		p.metrics.RecordTTSOutcome(ctx, observe.OutcomeUnavailable)
		return "", false
	}

	voiceID := p.resolver.Resolve(characterName, attrs)
	log = log.With("voice_id", voiceID)

	audio, format, err := p.synthesize(ctx, content, voiceID)
	switch {
	case errors.Is(err, tts.ErrEmptyAudio):
		log.Warn("provider returned no audio")
		p.metrics.RecordTTSOutcome(ctx, observe.OutcomeEmpty)
		return "", false
	case err != nil && (ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded)):
		log.Warn("tts cancelled or timed out", "error", err)
		p.metrics.RecordTTSOutcome(ctx, observe.OutcomeFailed)
		return "", false
	case err != nil:
		log.Error("tts synthesis failed", "error", err, "transient", tts.IsTransient(err))
		p.metrics.RecordProviderError(ctx, p.providerName, "tts")
		p.metrics.RecordTTSOutcome(ctx, observe.OutcomeFailed)
		p.recordFailure(ctx, log, sessionID, characterName, content, voiceID, err, metadata)
		return "", false
	}

	key := BlobKey(sessionID, characterName, voiceID, format, p.now())
	start := time.Now()
	url, err = p.store.Upload(ctx, key, audio, blobstore.ContentType(format))
	p.metrics.UploadDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		log.Error("audio upload failed", "key", key, "error", err)
		p.metrics.RecordTTSOutcome(ctx, observe.OutcomeUploadError)
		return "", false
	}
	if ctx.Err() != nil {
		// The blob is orphaned; a retry uses a fresh key.
		log.Info("tts cancelled after upload", "key", key)
		p.metrics.RecordTTSOutcome(ctx, observe.OutcomeFailed)
		return "", false
	}

	duration := EstimateDuration(len(audio))
	if p.events != nil {
		meta := map[string]any{
			"tts_generated":      true,
			"voice_id":           voiceID,
			"estimated_duration": duration,
		}
		for k, v := range metadata {
			meta[k] = v
		}
		ev := &eventlog.Event{
			SessionID:     sessionID,
			EventType:     eventlog.EventTypeTTS,
			CharacterName: characterName,
			Content:       content,
			TTSFileURL:    url,
			TTSVoice:      voiceID,
			TTSDuration:   duration,
			TTSStatus:     eventlog.StatusCompleted,
			Metadata:      meta,
			IsPublic:      true,
		}
		if err := p.events.Insert(ctx, ev); err != nil {
			log.Warn("tts event not recorded, audio kept", "url", url, "error", err)
			p.metrics.EventLogGaps.Add(ctx, 1)
		}
	}

	log.Info("tts generated", "url", url, "bytes", len(audio), "duration_s", duration)
	p.metrics.RecordTTSOutcome(ctx, observe.OutcomeCompleted)
	return url, true
}

// synthesize runs the provider under the unary deadline and normalises the
// payload to raw bytes.
func (p *Pipeline) synthesize(ctx context.Context, text, voiceID string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.unaryTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.provider.Synthesize(ctx, tts.NewRequest(text, voiceID))
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordProviderRequest(ctx, p.providerName, "tts", status)
	if err != nil {
		return nil, "", fmt.Errorf("speech: synthesize: %w", err)
	}

	audio, err := resp.Bytes(ctx, p.client)
	if err != nil {
		return nil, "", fmt.Errorf("speech: normalise audio: %w", err)
	}
	format := resp.Format
	if format == "" {
		format = defaultFormat
	}
	return audio, format, nil
}

// recordFailure stores a FAILED event. Failures here are only logged.
func (p *Pipeline) recordFailure(ctx context.Context, log *slog.Logger, sessionID, character, content, voiceID string, cause error, metadata map[string]any) {
	if p.events == nil {
		return
	}
	meta := map[string]any{
		"tts_generated": false,
		"voice_id":      voiceID,
		"error":         cause.Error(),
	}
	for k, v := range metadata {
		meta[k] = v
	}
	ev := &eventlog.Event{
		SessionID:     sessionID,
		EventType:     eventlog.EventTypeTTS,
		CharacterName: character,
		Content:       content,
		TTSVoice:      voiceID,
		TTSStatus:     eventlog.StatusFailed,
		Metadata:      meta,
		IsPublic:      false,
	}
	if err := p.events.Insert(ctx, ev); err != nil {
		log.Debug("failed tts event not recorded", "error", err)
	}
}

// BlobKey builds the storage key tts/{session}/{character}/{voice}_{unixnano}.{format}.
// Path separators inside the components are replaced so each stays a single
// segment.
func BlobKey(sessionID, character, voiceID, format string, at time.Time) string {
	return fmt.Sprintf("tts/%s/%s/%s_%d.%s",
		segment(sessionID), segment(character), segment(voiceID), at.UnixNano(), segment(format))
}

var segmentReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

func segment(s string) string {
	s = segmentReplacer.Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}

// EstimateDuration approximates playback seconds from an encoded size,
// rounding up.
func EstimateDuration(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + bytesPerSecond - 1) / bytesPerSecond
}
