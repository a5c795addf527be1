// Package cosyvoice provides a TTS provider for a self-hosted CosyVoice2
// gateway ("cosyvoice2-ex"). The gateway renders one utterance per HTTP call
// and answers either with raw audio bytes or with a JSON body pointing at a
// rendered .wav file, which [tts.Response.Bytes] fetches.
//
// Streaming is emulated: the unary result is normalised and emitted as hex
// chunks followed by the End sentinel.
package cosyvoice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/jubensha/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	ttsEndpoint   = "/tts"
	defaultMode   = "sft"
	defaultFormat = "wav"
	providerName  = "cosyvoice2-ex"

	maxAudioBytes = 64 << 20
)

// Option is a functional option for configuring a CosyVoice Provider.
type Option func(*Provider)

// WithMode selects the gateway inference mode ("sft", "zero_shot", "instruct").
func WithMode(mode string) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithTimeouts overrides the unary and streaming call timeouts.
func WithTimeouts(unary, stream time.Duration) Option {
	return func(p *Provider) {
		if unary > 0 {
			p.unaryTimeout = unary
		}
		if stream > 0 {
			p.streamTimeout = stream
		}
	}
}

// WithHTTPClient replaces the lazily pooled client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.pool.Base = c }
}

// Provider implements tts.Provider backed by a CosyVoice2 gateway.
type Provider struct {
	serverURL     string
	apiKey        string
	mode          string
	unaryTimeout  time.Duration
	streamTimeout time.Duration
	pool          tts.ClientPool
}

// New creates a Provider that targets the gateway at serverURL
// (e.g. "http://localhost:50000"). apiKey is optional.
func New(serverURL, apiKey string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("cosyvoice: serverURL must not be empty")
	}
	if _, err := url.Parse(serverURL); err != nil {
		return nil, fmt.Errorf("cosyvoice: parse serverURL: %w", err)
	}
	p := &Provider{
		serverURL:     strings.TrimRight(serverURL, "/"),
		apiKey:        apiKey,
		mode:          defaultMode,
		unaryTimeout:  tts.DefaultUnaryTimeout,
		streamTimeout: tts.DefaultStreamTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type ttsRequest struct {
	Text    string  `json:"text"`
	Speaker string  `json:"speaker"`
	Mode    string  `json:"mode"`
	Speed   float64 `json:"speed"`
	Format  string  `json:"format,omitempty"`
}

type urlResponse struct {
	URL      string `json:"url"`
	AudioURL string `json:"audio_url"`
	Error    string `json:"error"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.unaryTimeout)
	defer cancel()
	return p.synthesize(ctx, req)
}

func (p *Provider) synthesize(ctx context.Context, req tts.Request) (*tts.Response, error) {
	if req.Text == "" {
		return nil, errors.New("cosyvoice: text must not be empty")
	}
	client, err := p.pool.Client()
	if err != nil {
		return nil, err
	}
	speed := req.Speed
	if speed == 0 {
		speed = 1.0
	}
	format := req.Format
	if format == "" {
		format = defaultFormat
	}
	body, err := json.Marshal(ttsRequest{
		Text:    req.Text,
		Speaker: req.VoiceID,
		Mode:    p.mode,
		Speed:   speed,
		Format:  format,
	})
	if err != nil {
		return nil, fmt.Errorf("cosyvoice: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cosyvoice: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, tts.NetworkError(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, tts.StatusError(providerName, resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var ur urlResponse
		if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
			return nil, &tts.ProviderError{Provider: providerName, Err: fmt.Errorf("decode response: %w", err)}
		}
		if ur.Error != "" {
			return nil, &tts.ProviderError{Provider: providerName, Err: errors.New(ur.Error)}
		}
		u := ur.URL
		if u == "" {
			u = ur.AudioURL
		}
		if u == "" {
			return nil, tts.ErrEmptyAudio
		}
		resolved, err := p.resolve(u)
		if err != nil {
			return nil, err
		}
		return &tts.Response{AudioURL: resolved, Format: format}, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, tts.NetworkError(providerName, err)
	}
	if len(data) == 0 {
		return nil, tts.ErrEmptyAudio
	}
	return &tts.Response{Audio: data, Format: format}, nil
}

// resolve turns a gateway-relative file path into an absolute URL.
func (p *Provider) resolve(ref string) (string, error) {
	base, err := url.Parse(p.serverURL + "/")
	if err != nil {
		return "", fmt.Errorf("cosyvoice: parse serverURL: %w", err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", &tts.ProviderError{Provider: providerName, Err: fmt.Errorf("parse audio url %q: %w", ref, err)}
	}
	return base.ResolveReference(r).String(), nil
}

// SynthesizeStream implements tts.Provider by emitting the unary result.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.StreamChunk, error) {
	if req.Text == "" {
		return nil, errors.New("cosyvoice: text must not be empty")
	}
	client, err := p.pool.Client()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.streamTimeout)
	format := req.Format
	if format == "" {
		format = defaultFormat
	}
	w, ch := tts.NewStreamWriter(ctx, format)

	go func() {
		defer cancel()
		resp, err := p.synthesize(ctx, req)
		if err != nil {
			w.Close(err)
			return
		}
		data, err := resp.Bytes(ctx, client)
		if err != nil {
			w.Close(err)
			return
		}
		w.WriteBytes(data)
		w.Close(nil)
	}()
	return ch, nil
}

// Close implements tts.Provider.
func (p *Provider) Close() error {
	p.pool.Close()
	return nil
}
