// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeResponse: &tts.Response{AudioBase64: "5L2g5aW9"},
//	}
//	resp, _ := p.Synthesize(ctx, tts.NewRequest("你好", "female-shaonv"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/jubensha/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize or SynthesizeStream.
type SynthesizeCall struct {
	// Ctx is the context passed to the call.
	Ctx context.Context
	// Req is the request passed to the call.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeResponse is returned by Synthesize.
	SynthesizeResponse *tts.Response

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// StreamChunks are emitted by SynthesizeStream before the End sentinel.
	StreamChunks []tts.StreamChunk

	// StreamErr, if non-nil, is returned by SynthesizeStream.
	StreamErr error

	// SynthesizeCalls records every Synthesize invocation in order.
	SynthesizeCalls []SynthesizeCall

	// StreamCalls records every SynthesizeStream invocation in order.
	StreamCalls []SynthesizeCall

	// CloseCount is the number of times Close was called.
	CloseCount int
}

// Synthesize records the call and returns the configured response.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	return p.SynthesizeResponse, nil
}

// SynthesizeStream records the call and emits StreamChunks followed by End.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan tts.StreamChunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, SynthesizeCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]tts.StreamChunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	w, ch := tts.NewStreamWriter(ctx, "mp3")
	go func() {
		for _, c := range chunks {
			if c.Err != nil {
				w.Close(c.Err)
				return
			}
			if !w.WriteHex(c.Audio) {
				break
			}
		}
		w.Close(nil)
	}()
	return ch, nil
}

// Close records the call.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCount++
	return nil
}

// SynthesizeCallCount returns the number of Synthesize invocations.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.StreamCalls = nil
	p.CloseCount = 0
}

var _ tts.Provider = (*Provider)(nil)
