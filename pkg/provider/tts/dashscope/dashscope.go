// Package dashscope provides a TTS provider backed by Alibaba Cloud DashScope
// CosyVoice speech synthesis over its duplex WebSocket API.
//
// A synthesis is one task: the client sends run-task, waits for task-started,
// sends the text with continue-task and then finish-task. The server streams
// audio as binary frames and ends with task-finished or task-failed.
package dashscope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/jubensha/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultEndpoint   = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	defaultModel      = "cosyvoice-v1"
	defaultFormat     = "mp3"
	defaultSampleRate = 22050
	providerName      = "dashscope"

	// readLimit bounds a single binary audio frame.
	readLimit = 4 << 20
)

// Option is a functional option for configuring the DashScope Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket inference endpoint.
func WithEndpoint(u string) Option {
	return func(p *Provider) { p.endpoint = u }
}

// WithModel sets the synthesis model (e.g. "cosyvoice-v2").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithAudioFormat sets the output container ("mp3", "wav", "pcm").
func WithAudioFormat(format string) Option {
	return func(p *Provider) { p.format = format }
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

// WithHTTPClient replaces the lazily pooled client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.pool.Base = c }
}

// Provider implements tts.Provider for DashScope.
type Provider struct {
	apiKey        string
	endpoint      string
	model         string
	format        string
	sampleRate    int
	unaryTimeout  time.Duration
	streamTimeout time.Duration
	pool          tts.ClientPool
}

// New creates a DashScope Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("dashscope: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:        apiKey,
		endpoint:      defaultEndpoint,
		model:         defaultModel,
		format:        defaultFormat,
		sampleRate:    defaultSampleRate,
		unaryTimeout:  tts.DefaultUnaryTimeout,
		streamTimeout: tts.DefaultStreamTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

type header struct {
	Action       string `json:"action,omitempty"`
	TaskID       string `json:"task_id"`
	Streaming    string `json:"streaming,omitempty"`
	Event        string `json:"event,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type parameters struct {
	TextType   string  `json:"text_type"`
	Voice      string  `json:"voice"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Volume     int     `json:"volume"`
	Rate       float64 `json:"rate"`
	Pitch      float64 `json:"pitch"`
}

type input struct {
	Text string `json:"text,omitempty"`
}

type payload struct {
	TaskGroup  string      `json:"task_group,omitempty"`
	Task       string      `json:"task,omitempty"`
	Function   string      `json:"function,omitempty"`
	Model      string      `json:"model,omitempty"`
	Parameters *parameters `json:"parameters,omitempty"`
	Input      input       `json:"input"`
}

type message struct {
	Header  header  `json:"header"`
	Payload payload `json:"payload"`
}

type event struct {
	Header header `json:"header"`
}

// pitchRatio maps a semitone offset to DashScope's pitch multiplier.
func pitchRatio(semitones int) float64 {
	r := 1.0 + float64(semitones)*0.05
	switch {
	case r < 0.5:
		return 0.5
	case r > 2.0:
		return 2.0
	}
	return r
}

func (p *Provider) runTask(taskID string, req tts.Request, format string) message {
	rate := req.Speed
	if rate == 0 {
		rate = 1.0
	}
	volume := 50
	if req.Volume > 0 {
		volume = min(int(req.Volume*50), 100)
	}
	return message{
		Header: header{Action: "run-task", TaskID: taskID, Streaming: "duplex"},
		Payload: payload{
			TaskGroup: "audio",
			Task:      "tts",
			Function:  "SpeechSynthesizer",
			Model:     p.model,
			Parameters: &parameters{
				TextType:   "PlainText",
				Voice:      req.VoiceID,
				Format:     format,
				SampleRate: p.sampleRate,
				Volume:     volume,
				Rate:       rate,
				Pitch:      pitchRatio(req.Pitch),
			},
		},
	}
}

// run executes one synthesis task and calls emit for every binary audio frame.
func (p *Provider) run(ctx context.Context, req tts.Request, format string, emit func([]byte) bool) error {
	if req.Text == "" {
		return errors.New("dashscope: text must not be empty")
	}
	if req.VoiceID == "" {
		return errors.New("dashscope: voice id must not be empty")
	}
	client, err := p.pool.Client()
	if err != nil {
		return err
	}

	conn, resp, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPClient: client,
		HTTPHeader: http.Header{
			"Authorization":              {"bearer " + p.apiKey},
			"X-DashScope-DataInspection": {"enable"},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != 0 {
			return tts.StatusError(providerName, resp)
		}
		return tts.NetworkError(providerName, fmt.Errorf("dial: %w", err))
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	taskID := uuid.NewString()
	if err := writeJSON(ctx, conn, p.runTask(taskID, req, format)); err != nil {
		return err
	}

	started := false
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return tts.NetworkError(providerName, fmt.Errorf("read: %w", err))
		}
		if typ == websocket.MessageBinary {
			if len(data) > 0 && !emit(data) {
				return ctx.Err()
			}
			continue
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			return &tts.ProviderError{Provider: providerName, Err: fmt.Errorf("decode event: %w", err)}
		}
		switch ev.Header.Event {
		case "task-started":
			if started {
				continue
			}
			started = true
			cont := message{
				Header:  header{Action: "continue-task", TaskID: taskID, Streaming: "duplex"},
				Payload: payload{Input: input{Text: req.Text}},
			}
			if err := writeJSON(ctx, conn, cont); err != nil {
				return err
			}
			finish := message{Header: header{Action: "finish-task", TaskID: taskID, Streaming: "duplex"}}
			if err := writeJSON(ctx, conn, finish); err != nil {
				return err
			}
		case "task-finished":
			conn.Close(websocket.StatusNormalClosure, "done")
			return nil
		case "task-failed":
			return &tts.ProviderError{
				Provider: providerName,
				Err:      fmt.Errorf("task failed: %s: %s", ev.Header.ErrorCode, ev.Header.ErrorMessage),
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("dashscope: encode message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return tts.NetworkError(providerName, fmt.Errorf("write: %w", err))
	}
	return nil
}

// Synthesize implements tts.Provider by collecting every audio frame.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.unaryTimeout)
	defer cancel()

	format := p.format
	if req.Format != "" {
		format = req.Format
	}
	var audio []byte
	err := p.run(ctx, req, format, func(b []byte) bool {
		audio = append(audio, b...)
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, tts.ErrEmptyAudio
	}
	return &tts.Response{Audio: audio, Format: format}, nil
}

// SynthesizeStream implements tts.Provider, forwarding frames as they arrive.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.StreamChunk, error) {
	if _, err := p.pool.Client(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.streamTimeout)
	format := p.format
	if req.Format != "" {
		format = req.Format
	}
	w, ch := tts.NewStreamWriter(ctx, format)

	go func() {
		defer cancel()
		w.Close(p.run(ctx, req, format, w.WriteBytes))
	}()
	return ch, nil
}

// Close implements tts.Provider.
func (p *Provider) Close() error {
	p.pool.Close()
	return nil
}
