// Package agent produces what a character says on their turn.
//
// [UtteranceGenerator] is the contract the turn orchestrator consumes;
// [LLMGenerator] implements it on top of an [llm.Provider] by rendering the
// character's persona, the phase instruction, discovered evidence and the
// recent chat into a prompt.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/MrWong99/jubensha/pkg/provider/llm"
)

// GenerationContext is everything a generator may draw on besides the
// speaking character.
type GenerationContext struct {
	// Characters is the full roster, victims included.
	Characters []game.Character

	// Evidence lists the evidence discovered so far.
	Evidence []game.Evidence

	// RecentChat holds the last messages of the session, oldest first.
	RecentChat []game.ChatMessage

	// ScriptTitle and Background describe the case. Optional.
	ScriptTitle string
	Background  string
}

// UtteranceGenerator produces a character's next line. An empty result with
// a nil error means the character has nothing to say this turn.
type UtteranceGenerator interface {
	Generate(ctx context.Context, phase game.Phase, character game.Character, gctx GenerationContext) (string, error)
}

const (
	defaultTemperature = 0.8
	defaultMaxTokens   = 300
)

// LLMGenerator implements [UtteranceGenerator] with an LLM.
type LLMGenerator struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
}

var _ UtteranceGenerator = (*LLMGenerator)(nil)

// GeneratorOption configures an [LLMGenerator].
type GeneratorOption func(*LLMGenerator)

// WithTemperature sets the sampling temperature. Default: 0.8.
func WithTemperature(t float64) GeneratorOption {
	return func(g *LLMGenerator) { g.temperature = t }
}

// WithMaxTokens caps the length of a generated line. Default: 300.
func WithMaxTokens(n int) GeneratorOption {
	return func(g *LLMGenerator) { g.maxTokens = n }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) GeneratorOption {
	return func(g *LLMGenerator) { g.metrics = m }
}

// NewLLMGenerator returns a generator backed by p.
func NewLLMGenerator(p llm.Provider, opts ...GeneratorOption) *LLMGenerator {
	g := &LLMGenerator{
		llm:         p,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Generate asks the LLM for character's next line in phase.
func (g *LLMGenerator) Generate(ctx context.Context, phase game.Phase, character game.Character, gctx GenerationContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("agent: %w", err)
	}

	req := llm.CompletionRequest{
		SystemPrompt: FormatSystemPrompt(character, gctx),
		Messages: []llm.Message{
			{Role: "user", Content: FormatTurnPrompt(phase, character, gctx)},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}

	start := time.Now()
	resp, err := g.llm.Complete(ctx, req)
	g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("purpose", "utterance")))
	if err != nil {
		kind := "utterance"
		if errors.Is(err, llm.ErrContentFiltered) {
			kind = "utterance_filtered"
		}
		g.metrics.RecordProviderError(ctx, "llm", kind)
		return "", fmt.Errorf("agent: generate for %q: %w", character.Name, err)
	}
	if resp == nil {
		return "", nil
	}
	return CleanUtterance(resp.Content, character.Name), nil
}

// CleanUtterance strips whitespace, wrapping quotes and a leading
// "name:" label the model sometimes adds.
func CleanUtterance(s, name string) string {
	s = strings.TrimSpace(s)
	for _, sep := range []string{"：", ":"} {
		if rest, ok := strings.CutPrefix(s, name+sep); ok {
			s = strings.TrimSpace(rest)
			break
		}
	}
	return strings.TrimSpace(strings.Trim(s, `"'“”「」`))
}
