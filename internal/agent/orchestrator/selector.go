// Package orchestrator runs the turn-taking loop of a game session.
//
// [Selector] decides who speaks next from the phase, the fairness counter,
// discovered evidence and the recent chat, optionally asking an LLM to break
// ties in free-form phases. [Orchestrator] drives a phase round by round:
// it asks the selector for a speaking order, generates each character's
// line, synthesises speech, broadcasts the chat event and records the turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/MrWong99/jubensha/internal/resilience"
	"github.com/MrWong99/jubensha/pkg/provider/llm"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNoEligible is returned when every candidate is a victim or the
	// candidate list is empty.
	ErrNoEligible = errors.New("orchestrator: no eligible speaker")

	// ErrInvalidSelection marks an LLM answer that is not an eligible name.
	// It never leaves the selector; the rule-based policy takes over.
	ErrInvalidSelection = errors.New("orchestrator: llm selected an ineligible speaker")
)

// Fallback reasons recorded with [observe.Metrics.RecordSelectionFallback].
const (
	fallbackNoLLM       = "no_llm"
	fallbackLLMError    = "llm_error"
	fallbackCircuitOpen = "circuit_open"
	fallbackInvalidName = "invalid_name"
)

const defaultLLMTimeout = 10 * time.Second

// questionMarkers flag a chat message as a question.
var questionMarkers = []string{"?", "？", "吗", "呢"}

// Selector picks speakers. It holds the per-phase fairness counter, the last
// speaker and an append-only history of speakers.
//
// All methods are safe for concurrent use.
type Selector struct {
	llm        llm.Provider
	breaker    *resilience.CircuitBreaker
	llmTimeout time.Duration
	metrics    *observe.Metrics

	rngMu sync.Mutex
	rng   *rand.Rand

	mu          sync.Mutex
	phase       game.Phase
	lastSpeaker string
	history     []string
	frequency   map[string]int
}

// SelectorOption configures a [Selector].
type SelectorOption func(*Selector)

// WithRand sets the random source. Tests seed it for reproducible picks.
func WithRand(r *rand.Rand) SelectorOption {
	return func(s *Selector) { s.rng = r }
}

// WithLLM enables the LLM tie-break for free-form phases.
func WithLLM(p llm.Provider) SelectorOption {
	return func(s *Selector) { s.llm = p }
}

// WithBreaker replaces the default breaker guarding the LLM.
func WithBreaker(cb *resilience.CircuitBreaker) SelectorOption {
	return func(s *Selector) { s.breaker = cb }
}

// WithLLMTimeout bounds a single tie-break call. Default: 10s.
func WithLLMTimeout(d time.Duration) SelectorOption {
	return func(s *Selector) { s.llmTimeout = d }
}

// WithSelectorMetrics overrides [observe.DefaultMetrics].
func WithSelectorMetrics(m *observe.Metrics) SelectorOption {
	return func(s *Selector) { s.metrics = m }
}

// NewSelector returns a Selector starting in [game.PhaseIntroduction] with
// an empty fairness counter.
func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{
		llmTimeout: defaultLLMTimeout,
		phase:      game.PhaseIntroduction,
		frequency:  make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "speaker-selection",
			MaxFailures:  3,
			ResetTimeout: time.Minute,
		})
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Reset starts phase with a cleared fairness counter and no last speaker.
// The speaker history is kept.
func (s *Selector) Reset(phase game.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	s.lastSpeaker = ""
	clear(s.frequency)
}

// Phase returns the phase of the last [Selector.Reset].
func (s *Selector) Phase() game.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// RecordSpeaker counts a completed turn by name.
func (s *Selector) RecordSpeaker(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frequency[name]++
	s.lastSpeaker = name
	s.history = append(s.history, name)
}

// Frequencies returns a copy of the fairness counter.
func (s *Selector) Frequencies() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.frequency)
}

// LastSpeaker returns the most recently recorded speaker of this phase.
func (s *Selector) LastSpeaker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSpeaker
}

// History returns every recorded speaker in order, across phases.
func (s *Selector) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

// SelectNextSpeaker picks one character from candidates. Victims are
// filtered out first; a single remaining character is returned without
// consulting the LLM.
func (s *Selector) SelectNextSpeaker(
	ctx context.Context,
	candidates []game.Character,
	state game.State,
	phase game.Phase,
	recentChat []game.ChatMessage,
) (game.Character, error) {
	eligible := game.Eligible(candidates)
	switch len(eligible) {
	case 0:
		return game.Character{}, ErrNoEligible
	case 1:
		return eligible[0], nil
	}
	freq := s.Frequencies()

	switch phase {
	case game.PhaseIntroduction, game.PhaseVoting:
		return s.preferSilent(eligible, freq), nil
	case game.PhaseEvidenceCollection:
		return s.evidenceRotation(eligible, state, freq), nil
	case game.PhaseInvestigation, game.PhaseDiscussion:
		c, err := s.llmSelect(ctx, eligible, recentChat, freq)
		if err == nil {
			return c, nil
		}
		s.logFallback(ctx, err)
		return s.ruleSelect(eligible, recentChat, freq), nil
	default:
		return s.weighted(eligible, freq), nil
	}
}

// SpeakingOrder plans one round of speakers for phase. Victims never appear
// and no character appears twice. The fairness counter is not touched.
func (s *Selector) SpeakingOrder(ctx context.Context, phase game.Phase, state game.State, recentChat []game.ChatMessage) ([]game.Character, error) {
	eligible := game.Eligible(state.Characters)
	if len(eligible) == 0 {
		return nil, ErrNoEligible
	}

	var size int
	switch phase {
	case game.PhaseIntroduction, game.PhaseVoting:
		order := make([]game.Character, len(eligible))
		copy(order, eligible)
		s.rngMu.Lock()
		s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		s.rngMu.Unlock()
		return order, nil
	case game.PhaseEvidenceCollection:
		size = 2
	case game.PhaseInvestigation:
		size = 3
	case game.PhaseDiscussion:
		size = 4
	default:
		size = len(eligible)
	}
	size = min(size, len(eligible))

	remaining := make([]game.Character, len(eligible))
	copy(remaining, eligible)
	order := make([]game.Character, 0, size)
	for len(order) < size {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("orchestrator: speaking order: %w", err)
		}
		next, err := s.SelectNextSpeaker(ctx, remaining, state, phase, recentChat)
		if err != nil {
			return nil, err
		}
		order = append(order, next)
		remaining = without(remaining, next.Name)
	}
	return order, nil
}

// preferSilent picks uniformly among characters that have not spoken this
// phase, or uniformly among all when everyone has.
func (s *Selector) preferSilent(eligible []game.Character, freq map[string]int) game.Character {
	var silent []game.Character
	for _, c := range eligible {
		if freq[c.Name] == 0 {
			silent = append(silent, c)
		}
	}
	if len(silent) > 0 {
		return s.uniform(silent)
	}
	return s.uniform(eligible)
}

// evidenceRotation prefers characters who have not discovered evidence yet,
// then the least frequent speaker (first in roster order on ties).
func (s *Selector) evidenceRotation(eligible []game.Character, state game.State, freq map[string]int) game.Character {
	searchers := make(map[string]bool, len(state.DiscoveredEvidence))
	for _, e := range state.DiscoveredEvidence {
		if e.Discoverer != "" {
			searchers[e.Discoverer] = true
		}
	}
	var fresh []game.Character
	for _, c := range eligible {
		if !searchers[c.Name] {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) > 0 {
		return s.uniform(fresh)
	}

	best := eligible[0]
	for _, c := range eligible[1:] {
		if freq[c.Name] < freq[best.Name] {
			best = c
		}
	}
	return best
}

// ruleSelect is the free-form policy used when the LLM is absent or missed.
func (s *Selector) ruleSelect(eligible []game.Character, recentChat []game.ChatMessage, freq map[string]int) game.Character {
	if len(recentChat) == 0 {
		return s.weighted(eligible, freq)
	}
	last := recentChat[len(recentChat)-1]
	if c, ok := questionTarget(last.Message, eligible); ok {
		return c
	}
	if containsName(eligible, last.Character) {
		if rest := without(eligible, last.Character); len(rest) > 0 {
			return s.weighted(rest, freq)
		}
	}
	return s.weighted(eligible, freq)
}

// questionTarget returns the first eligible character named in a message
// that reads as a question.
func questionTarget(msg string, eligible []game.Character) (game.Character, bool) {
	if !isQuestion(msg) {
		return game.Character{}, false
	}
	for _, c := range eligible {
		if c.Name != "" && strings.Contains(msg, c.Name) {
			return c, true
		}
	}
	return game.Character{}, false
}

func isQuestion(msg string) bool {
	for _, m := range questionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// weighted draws with weight max−f+1, so characters who spoke less are
// more likely to be picked.
func (s *Selector) weighted(cands []game.Character, freq map[string]int) game.Character {
	maxFreq := 0
	for _, c := range cands {
		maxFreq = max(maxFreq, freq[c.Name])
	}
	weights := make([]int, len(cands))
	total := 0
	for i, c := range cands {
		weights[i] = maxFreq - freq[c.Name] + 1
		total += weights[i]
	}

	r := s.intN(total)
	for i, w := range weights {
		if r < w {
			return cands[i]
		}
		r -= w
	}
	return cands[len(cands)-1]
}

func (s *Selector) uniform(cands []game.Character) game.Character {
	return cands[s.intN(len(cands))]
}

func (s *Selector) intN(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.IntN(n)
}

func (s *Selector) logFallback(ctx context.Context, err error) {
	reason := fallbackLLMError
	switch {
	case errors.Is(err, errNoLLM):
		reason = fallbackNoLLM
	case errors.Is(err, resilience.ErrCircuitOpen):
		reason = fallbackCircuitOpen
	case errors.Is(err, ErrInvalidSelection):
		reason = fallbackInvalidName
	}
	if reason != fallbackNoLLM {
		observe.Logger(ctx).Debug("speaker selection fell back to rules", "reason", reason, "error", err)
	}
	s.metrics.RecordSelectionFallback(ctx, reason)
}

func containsName(cs []game.Character, name string) bool {
	for _, c := range cs {
		if c.Name == name {
			return true
		}
	}
	return false
}

func without(cs []game.Character, name string) []game.Character {
	out := make([]game.Character, 0, len(cs))
	for _, c := range cs {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

// recordLLMDuration is split out so the tie-break code reads linearly.
func (s *Selector) recordLLMDuration(ctx context.Context, start time.Time) {
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("purpose", "speaker_selection")))
}
