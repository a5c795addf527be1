package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/jubensha/internal/agent"
	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrBusy is returned by [Orchestrator.RunPhase] while another phase run
	// is in progress on the same session.
	ErrBusy = errors.New("orchestrator: a phase is already running")

	// ErrUnknownCharacter is returned when evidence names a discoverer that
	// is not in the roster.
	ErrUnknownCharacter = errors.New("orchestrator: unknown character")
)

// Synthesizer turns a line of dialogue into a public audio URL. ok is false
// when no audio could be produced; the line is still delivered as text.
type Synthesizer interface {
	GenerateCharacterTTS(ctx context.Context, sessionID, characterName, content string, attrs *game.Character, metadata map[string]any) (url string, ok bool)
}

// Broadcaster delivers session events to subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, ev game.ChatEvent) error
}

// Orchestrator runs phases for one session. Only one phase runs at a time.
type Orchestrator struct {
	sessionID   string
	generator   agent.UtteranceGenerator
	speech      Synthesizer
	selector    *Selector
	broadcaster Broadcaster
	chat        *ChatLog
	rounds      map[game.Phase]int
	metrics     *observe.Metrics
	now         func() time.Time
	title       string
	background  string

	running sync.Mutex

	mu         sync.RWMutex
	characters []game.Character
	evidence   []game.Evidence
	phase      game.Phase
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSelector replaces the default [Selector].
func WithSelector(s *Selector) Option {
	return func(o *Orchestrator) { o.selector = s }
}

// WithBroadcaster sets where chat events go. Without one, events are only
// returned from [Orchestrator.RunPhase].
func WithBroadcaster(b Broadcaster) Option {
	return func(o *Orchestrator) { o.broadcaster = b }
}

// WithRounds sets how many speaking rounds phase runs. Default: 1.
func WithRounds(phase game.Phase, n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.rounds[phase] = n
		}
	}
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock sets the time source for chat timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithScript sets the case description handed to the generator.
func WithScript(title, background string) Option {
	return func(o *Orchestrator) {
		o.title = title
		o.background = background
	}
}

// WithEvidence seeds already discovered evidence.
func WithEvidence(ev []game.Evidence) Option {
	return func(o *Orchestrator) { o.evidence = append(o.evidence, ev...) }
}

// WithChatCapacity bounds the retained chat log.
func WithChatCapacity(n int) Option {
	return func(o *Orchestrator) { o.chat = NewChatLog(n) }
}

// New returns an Orchestrator for the given roster. speech may be nil for
// text-only sessions.
func New(sessionID string, characters []game.Character, gen agent.UtteranceGenerator, speech Synthesizer, opts ...Option) (*Orchestrator, error) {
	if gen == nil {
		return nil, errors.New("orchestrator: utterance generator is required")
	}
	if err := game.ValidateRoster(characters); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o := &Orchestrator{
		sessionID:  sessionID,
		generator:  gen,
		speech:     speech,
		rounds:     make(map[game.Phase]int),
		now:        time.Now,
		characters: append([]game.Character(nil), characters...),
		phase:      game.PhaseIntroduction,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.selector == nil {
		o.selector = NewSelector()
	}
	if o.chat == nil {
		o.chat = NewChatLog(0)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	for _, e := range o.evidence {
		if err := o.checkDiscoverer(e); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// SessionID returns the session this orchestrator belongs to.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Phase returns the phase of the most recent run.
func (o *Orchestrator) Phase() game.Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

// Characters returns the roster.
func (o *Orchestrator) Characters() []game.Character {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]game.Character(nil), o.characters...)
}

// Evidence returns the evidence discovered so far.
func (o *Orchestrator) Evidence() []game.Evidence {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]game.Evidence(nil), o.evidence...)
}

// RecentChat returns the last few chat messages, oldest first.
func (o *Orchestrator) RecentChat() []game.ChatMessage {
	return o.chat.Recent(game.RecentChatSize)
}

// Chat returns the retained chat log.
func (o *Orchestrator) Chat() []game.ChatMessage {
	return o.chat.All()
}

// Frequencies returns how often each character spoke in the current phase.
func (o *Orchestrator) Frequencies() map[string]int {
	return o.selector.Frequencies()
}

// AddEvidence records a discovered clue. A non-empty discoverer must be in
// the roster.
func (o *Orchestrator) AddEvidence(e game.Evidence) error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("orchestrator: evidence name must not be empty")
	}
	if err := o.checkDiscoverer(e); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evidence = append(o.evidence, e)
	return nil
}

func (o *Orchestrator) checkDiscoverer(e game.Evidence) error {
	if e.Discoverer == "" {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, c := range o.characters {
		if c.Name == e.Discoverer {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownCharacter, e.Discoverer)
}

func (o *Orchestrator) state() game.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return game.State{
		Characters:         append([]game.Character(nil), o.characters...),
		DiscoveredEvidence: append([]game.Evidence(nil), o.evidence...),
	}
}

func (o *Orchestrator) roundsFor(phase game.Phase) int {
	if n, ok := o.rounds[phase]; ok {
		return n
	}
	return 1
}

// RunPhase runs every round of phase and returns the chat events it
// produced. Switching to a different phase clears the fairness counter;
// running the same phase again continues it.
//
// Characters whose line could not be generated are skipped for that turn
// and do not count as having spoken. On cancellation the events produced
// so far are returned together with the context error.
func (o *Orchestrator) RunPhase(ctx context.Context, phase game.Phase) ([]game.ChatEvent, error) {
	if !o.running.TryLock() {
		return nil, ErrBusy
	}
	defer o.running.Unlock()
	return o.runPhase(ctx, phase)
}

// PhaseResult is the outcome of a phase started with [Orchestrator.Start].
type PhaseResult struct {
	Events []game.ChatEvent
	Err    error
}

// Start runs phase in the background. It fails with [ErrBusy] right away
// when another run is in progress; otherwise the returned channel receives
// the result once the run ends.
func (o *Orchestrator) Start(ctx context.Context, phase game.Phase) (<-chan PhaseResult, error) {
	if !o.running.TryLock() {
		return nil, ErrBusy
	}
	done := make(chan PhaseResult, 1)
	go func() {
		defer o.running.Unlock()
		events, err := o.runPhase(ctx, phase)
		done <- PhaseResult{Events: events, Err: err}
	}()
	return done, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, phase game.Phase) ([]game.ChatEvent, error) {
	ctx = observe.WithSession(ctx, o.sessionID)
	ctx, span := observe.StartSpan(ctx, "orchestrator.RunPhase",
		trace.WithAttributes(attribute.String("game.phase", phase.String())),
	)
	defer span.End()
	log := observe.Logger(ctx).With("phase", phase.String())

	if o.selector.Phase() != phase {
		o.selector.Reset(phase)
	}
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()

	o.publish(ctx, game.ChatEvent{Type: game.EventPhaseStarted, SessionID: o.sessionID, Phase: phase, Timestamp: o.now()})

	var events []game.ChatEvent
	rounds := o.roundsFor(phase)
	for round := 1; round <= rounds; round++ {
		order, err := o.selector.SpeakingOrder(ctx, phase, o.state(), o.RecentChat())
		if err != nil {
			return events, fmt.Errorf("orchestrator: run %s round %d: %w", phase, round, err)
		}
		log.Debug("speaking order", "round", round, "order", game.Names(order))

		for _, c := range order {
			if err := ctx.Err(); err != nil {
				return events, fmt.Errorf("orchestrator: run %s: %w", phase, err)
			}
			ev, ok, err := o.takeTurn(ctx, phase, round, c)
			if err != nil {
				return events, err
			}
			if ok {
				events = append(events, ev)
			}
		}
	}

	o.publish(ctx, game.ChatEvent{Type: game.EventPhaseFinished, SessionID: o.sessionID, Phase: phase, Timestamp: o.now()})
	log.Info("phase finished", "rounds", rounds, "utterances", len(events))
	return events, nil
}

// takeTurn lets c speak once. ok is false when the turn was skipped. A
// non-nil error means the context ended mid-turn and nothing was recorded.
func (o *Orchestrator) takeTurn(ctx context.Context, phase game.Phase, round int, c game.Character) (game.ChatEvent, bool, error) {
	start := time.Now()
	log := observe.Logger(ctx).With("character", c.Name)
	phaseAttr := metric.WithAttributes(observe.Attr("phase", phase.String()))

	st := o.state()
	text, err := o.generator.Generate(ctx, phase, c, agent.GenerationContext{
		Characters:  st.Characters,
		Evidence:    st.DiscoveredEvidence,
		RecentChat:  o.RecentChat(),
		ScriptTitle: o.title,
		Background:  o.background,
	})
	text = strings.TrimSpace(text)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return game.ChatEvent{}, false, fmt.Errorf("orchestrator: turn of %q: %w", c.Name, ctxErr)
	}
	if err != nil || text == "" {
		log.Warn("skipping turn", "error", err, "empty", text == "")
		o.metrics.SkippedTurns.Add(ctx, 1, phaseAttr)
		return game.ChatEvent{}, false, nil
	}

	var url string
	if o.speech != nil {
		attrs := c
		url, _ = o.speech.GenerateCharacterTTS(ctx, o.sessionID, c.Name, text, &attrs, map[string]any{
			"phase": phase.String(),
			"round": round,
		})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return game.ChatEvent{}, false, fmt.Errorf("orchestrator: turn of %q: %w", c.Name, ctxErr)
		}
	}

	msg := game.ChatMessage{
		Character:  c.Name,
		Message:    text,
		Timestamp:  o.now(),
		TTSFileURL: url,
	}
	ev := game.ChatEvent{
		Type:      game.EventChat,
		SessionID: o.sessionID,
		Phase:     phase,
		Round:     round,
		Message:   &msg,
		Timestamp: msg.Timestamp,
	}
	o.publish(ctx, ev)
	o.chat.Add(msg)
	o.selector.RecordSpeaker(c.Name)

	o.metrics.RecordUtterance(ctx, phase.String())
	o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds(), phaseAttr)
	return ev, true, nil
}

// publish hands ev to the broadcaster. Delivery failures are logged only;
// the chat log stays authoritative.
func (o *Orchestrator) publish(ctx context.Context, ev game.ChatEvent) {
	if o.broadcaster == nil {
		return
	}
	if err := o.broadcaster.Publish(ctx, ev); err != nil {
		observe.Logger(ctx).Warn("broadcast failed", "type", ev.Type, "error", err)
	}
}

// RoundsFor reports how many rounds phase runs.
func (o *Orchestrator) RoundsFor(phase game.Phase) int {
	return o.roundsFor(phase)
}
