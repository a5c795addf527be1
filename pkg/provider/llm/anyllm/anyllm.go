// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving access to vendors without an OpenAI-compatible endpoint.
//
//	p, err := anyllm.New("anthropic", "claude-sonnet-4-5", anyllmlib.WithAPIKey("sk-..."))
package anyllm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/jubensha/pkg/provider/llm"
)

type backendFunc func(...anyllmlib.Option) (anyllmlib.Provider, error)

func backend[P anyllmlib.Provider](newFn func(...anyllmlib.Option) (P, error)) backendFunc {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := newFn(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

var backends = map[string]backendFunc{
	"openai":    backend(anyllmoai.New),
	"anthropic": backend(anthropic.New),
	"gemini":    backend(gemini.New),
	"ollama":    backend(ollama.New),
	"deepseek":  backend(deepseek.New),
	"mistral":   backend(mistral.New),
	"groq":      backend(groq.New),
	"llamacpp":  backend(llamacpp.New),
}

// SupportedProviders lists the backend names accepted by [New], sorted.
var SupportedProviders = slices.Sorted(maps.Keys(backends))

// Provider implements llm.Provider on an any-llm backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New returns a Provider for the named vendor. Without an API key option
// the backend reads its vendor environment variable, e.g. ANTHROPIC_API_KEY.
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	newBackend, ok := backends[strings.ToLower(providerName)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s",
			providerName, strings.Join(SupportedProviders, ", "))
	}
	b, err := newBackend(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: b, model: model}, nil
}

// Complete implements llm.Provider with the same error contract as the
// OpenAI provider: [llm.ErrContentFiltered] and [llm.ErrEmptyResponse].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %w: no choices", llm.ErrEmptyResponse)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == llm.FinishContentFilter {
		return nil, fmt.Errorf("anyllm: %w", llm.ErrContentFiltered)
	}
	content := choice.Message.ContentString()
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("anyllm: %w", llm.ErrEmptyResponse)
	}

	out := &llm.CompletionResponse{Content: content}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}
