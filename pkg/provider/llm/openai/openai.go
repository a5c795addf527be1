// Package openai provides an LLM provider for OpenAI-compatible chat
// completion APIs: OpenAI itself, DeepSeek, and Qwen through DashScope's
// compatible mode.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/jubensha/pkg/provider/llm"
)

// Provider implements llm.Provider using the OpenAI SDK.
type Provider struct {
	client oai.Client
	model  string

	// legacyMaxTokens sends max_tokens instead of max_completion_tokens.
	// Compatible vendors only understand the older field.
	legacyMaxTokens bool
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	legacy       *bool
}

// Option configures a [Provider].
type Option func(*config)

// WithBaseURL points the client at a compatible endpoint such as
// https://api.deepseek.com/v1. A custom base URL switches the provider to
// max_tokens unless [WithLegacyMaxTokens] says otherwise.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout bounds every HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithLegacyMaxTokens forces the token cap field: true sends max_tokens,
// false sends max_completion_tokens.
func WithLegacyMaxTokens(on bool) Option {
	return func(c *config) { c.legacy = &on }
}

// New returns a Provider for model. apiKey must be set.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	var cfg config
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	legacy := cfg.baseURL != ""
	if cfg.legacy != nil {
		legacy = *cfg.legacy
	}
	return &Provider{
		client:          oai.NewClient(reqOpts...),
		model:           model,
		legacyMaxTokens: legacy,
	}, nil
}

// Complete implements llm.Provider. A moderated reply yields
// [llm.ErrContentFiltered]; a blank one [llm.ErrEmptyResponse].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai: chat completion (status %d): %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w: no choices", llm.ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == llm.FinishContentFilter {
		return nil, fmt.Errorf("openai: %w", llm.ErrContentFiltered)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return nil, fmt.Errorf("openai: %w", llm.ErrEmptyResponse)
	}
	return &llm.CompletionResponse{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		if p.legacyMaxTokens {
			params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
		} else {
			params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
		}
	}
	return params, nil
}

// convertMessage maps a message onto the SDK union. Names are kept on user
// and assistant turns so the model can tell characters apart.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		user := oai.ChatCompletionUserMessageParam{}
		user.Content.OfString = oai.String(m.Content)
		if m.Name != "" {
			user.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfUser: &user}, nil
	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(m.Content)
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

var _ llm.Provider = (*Provider)(nil)
