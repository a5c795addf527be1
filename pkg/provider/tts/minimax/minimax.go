// Package minimax provides a TTS provider backed by the hosted MiniMax T2A v2
// API. Unary calls return base64 audio in a JSON body; streaming calls return
// a text/event-stream whose data lines carry hex audio.
//
// Typical usage:
//
//	p, err := minimax.New(apiKey, groupID, minimax.WithModel("speech-01-turbo"))
//	resp, err := p.Synthesize(ctx, tts.NewRequest("你好", "female-shaonv"))
package minimax

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/jubensha/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL    = "https://api.minimax.chat"
	defaultModel      = "speech-01-turbo"
	defaultFormat     = "mp3"
	defaultSampleRate = 32000
	defaultBitrate    = 128000
	t2aPath           = "/v1/t2a_v2"
	providerName      = "minimax"

	// statusComplete marks the trailing SSE event that repeats the whole
	// utterance's audio after the incremental chunks.
	statusComplete = 2
)

// Option is a functional option for configuring the MiniMax Provider.
type Option func(*Provider)

// WithBaseURL overrides the API host (e.g. "https://api.minimaxi.chat").
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithModel sets the speech model (e.g. "speech-01-hd").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithAudioFormat sets the output container ("mp3", "wav", "pcm", "flac").
func WithAudioFormat(format string) Option {
	return func(p *Provider) { p.format = format }
}

// WithSampleRate sets the output sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
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

// Provider implements tts.Provider for MiniMax.
type Provider struct {
	apiKey        string
	groupID       string
	baseURL       string
	model         string
	format        string
	sampleRate    int
	bitrate       int
	unaryTimeout  time.Duration
	streamTimeout time.Duration
	pool          tts.ClientPool
}

// New creates a MiniMax Provider. apiKey and groupID must be non-empty.
func New(apiKey, groupID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("minimax: apiKey must not be empty")
	}
	if groupID == "" {
		return nil, errors.New("minimax: groupID must not be empty")
	}
	p := &Provider{
		apiKey:        apiKey,
		groupID:       groupID,
		baseURL:       defaultBaseURL,
		model:         defaultModel,
		format:        defaultFormat,
		sampleRate:    defaultSampleRate,
		bitrate:       defaultBitrate,
		unaryTimeout:  tts.DefaultUnaryTimeout,
		streamTimeout: tts.DefaultStreamTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

type t2aRequest struct {
	Model        string       `json:"model"`
	Text         string       `json:"text"`
	Stream       bool         `json:"stream"`
	VoiceSetting voiceSetting `json:"voice_setting"`
	AudioSetting audioSetting `json:"audio_setting"`
}

type voiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed"`
	Vol     float64 `json:"vol"`
	Pitch   int     `json:"pitch"`
}

type audioSetting struct {
	SampleRate int    `json:"sample_rate"`
	Bitrate    int    `json:"bitrate"`
	Format     string `json:"format"`
	Channel    int    `json:"channel"`
}

type t2aResponse struct {
	Data *struct {
		Audio  string `json:"audio"`
		Status int    `json:"status"`
	} `json:"data"`
	BaseResp *baseResp `json:"base_resp"`
}

type baseResp struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
}

// err converts a non-zero base_resp into a ProviderError. MiniMax reports
// rate limiting (1002) and server overload (1039) in-band with HTTP 200.
func (b *baseResp) err() error {
	if b == nil || b.StatusCode == 0 {
		return nil
	}
	return &tts.ProviderError{
		Provider:  providerName,
		Transient: b.StatusCode == 1002 || b.StatusCode == 1039,
		Err:       fmt.Errorf("base_resp %d: %s", b.StatusCode, b.StatusMsg),
	}
}

func (p *Provider) buildBody(req tts.Request, stream bool) ([]byte, error) {
	speed := req.Speed
	if speed == 0 {
		speed = 1.0
	}
	vol := req.Volume
	if vol == 0 {
		vol = 1.0
	}
	format := p.format
	if req.Format != "" {
		format = req.Format
	}
	return json.Marshal(t2aRequest{
		Model:  p.model,
		Text:   req.Text,
		Stream: stream,
		VoiceSetting: voiceSetting{
			VoiceID: req.VoiceID,
			Speed:   speed,
			Vol:     vol,
			Pitch:   req.Pitch,
		},
		AudioSetting: audioSetting{
			SampleRate: p.sampleRate,
			Bitrate:    p.bitrate,
			Format:     format,
			Channel:    1,
		},
	})
}

func (p *Provider) endpoint() string {
	return p.baseURL + t2aPath + "?GroupId=" + url.QueryEscape(p.groupID)
}

func (p *Provider) post(ctx context.Context, req tts.Request, stream bool) (*http.Response, error) {
	if req.Text == "" {
		return nil, errors.New("minimax: text must not be empty")
	}
	if req.VoiceID == "" {
		return nil, errors.New("minimax: voice id must not be empty")
	}
	client, err := p.pool.Client()
	if err != nil {
		return nil, err
	}
	body, err := p.buildBody(req, stream)
	if err != nil {
		return nil, fmt.Errorf("minimax: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("minimax: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, tts.NetworkError(providerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, tts.StatusError(providerName, resp)
	}
	return resp, nil
}

// Synthesize implements tts.Provider. The audio is returned as base64.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.unaryTimeout)
	defer cancel()

	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out t2aResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &tts.ProviderError{Provider: providerName, Err: fmt.Errorf("decode response: %w", err)}
	}
	if err := out.BaseResp.err(); err != nil {
		return nil, err
	}
	if out.Data == nil || out.Data.Audio == "" {
		return nil, tts.ErrEmptyAudio
	}
	format := p.format
	if req.Format != "" {
		format = req.Format
	}
	return &tts.Response{AudioBase64: out.Data.Audio, Format: format}, nil
}

// SynthesizeStream implements tts.Provider. Each SSE data line's hex audio is
// forwarded (re-split when oversized) until "data: [DONE]".
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.StreamChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, p.streamTimeout)

	resp, err := p.post(ctx, req, true)
	if err != nil {
		cancel()
		return nil, err
	}

	format := p.format
	if req.Format != "" {
		format = req.Format
	}
	w, ch := tts.NewStreamWriter(ctx, format)

	go func() {
		defer cancel()
		defer resp.Body.Close()

		var emitted bool
		err := tts.ReadLines(ctx, resp.Body, func(line []byte) error {
			payload, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				return nil
			}
			payload = bytes.TrimSpace(payload)
			if string(payload) == "[DONE]" {
				return tts.ErrStopLines
			}
			var ev t2aResponse
			if err := json.Unmarshal(payload, &ev); err != nil {
				return &tts.ProviderError{Provider: providerName, Err: fmt.Errorf("decode event: %w", err)}
			}
			if err := ev.BaseResp.err(); err != nil {
				return err
			}
			if ev.Data == nil || ev.Data.Audio == "" {
				return nil
			}
			if ev.Data.Status == statusComplete && emitted {
				return nil
			}
			emitted = true
			if !w.WriteHex(ev.Data.Audio) {
				return ctx.Err()
			}
			return nil
		})
		if err == nil && !emitted {
			err = tts.ErrEmptyAudio
		}
		w.Close(err)
	}()

	return ch, nil
}

// Close implements tts.Provider.
func (p *Provider) Close() error {
	p.pool.Close()
	return nil
}
