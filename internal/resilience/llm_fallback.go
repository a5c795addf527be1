package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/MrWong99/jubensha/pkg/provider/llm"
)

type namedLLM struct {
	name string
	llm.Provider
}

// LLMFallback chains LLM vendors. A vendor that errors, returns nothing or
// withholds the reply through moderation hands the request to the next one.
// Caller cancellation ends the chain immediately.
type LLMFallback struct {
	group   *FallbackGroup[namedLLM]
	metrics *observe.Metrics
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary tried first. A nil
// cfg.Abort defaults to stopping on context errors.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Abort == nil {
		cfg.Abort = func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		}
	}
	return &LLMFallback{
		group:   NewFallbackGroup(namedLLM{primaryName, primary}, primaryName, cfg),
		metrics: observe.DefaultMetrics(),
	}
}

// SetMetrics replaces [observe.DefaultMetrics]. Call before first use.
func (f *LLMFallback) SetMetrics(m *observe.Metrics) {
	if m != nil {
		f.metrics = m
	}
}

// AddFallback registers another vendor, tried after the ones already added.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, namedLLM{name, provider})
}

// Names lists vendor names in the order they are tried.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Complete sends req to the first vendor that answers.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(f.group, func(p namedLLM) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		f.metrics.RecordProviderRequest(ctx, p.name, "llm", outcome(err))
		return resp, err
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, llm.ErrContentFiltered):
		return "filtered"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
