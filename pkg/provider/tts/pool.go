package tts

import (
	"net/http"
	"sync"
	"time"
)

const (
	// MaxConns caps the total number of pooled connections.
	MaxConns = 100

	// MaxConnsPerHost caps connections to any single provider host.
	MaxConnsPerHost = 30
)

// ClientPool lazily creates a pooled *http.Client and releases it on Close.
// The zero value is ready to use.
type ClientPool struct {
	mu     sync.Mutex
	client *http.Client
	closed bool

	// Base, if set, is returned by Client instead of a pooled client. Tests
	// use it to inject httptest clients.
	Base *http.Client
}

// Client returns the shared client, creating it on first use. It returns
// ErrClosed after Close.
func (p *ClientPool) Client() (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.Base != nil {
		return p.Base, nil
	}
	if p.client == nil {
		p.client = &http.Client{Transport: newTransport()}
	}
	return p.client, nil
}

// Close releases idle connections. Further Client calls fail.
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.client != nil {
		p.client.CloseIdleConnections()
		p.client = nil
	}
}

func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = MaxConns
	t.MaxIdleConnsPerHost = MaxConnsPerHost
	t.MaxConnsPerHost = MaxConnsPerHost
	t.IdleConnTimeout = 90 * time.Second
	return t
}
