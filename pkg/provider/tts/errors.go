package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrInvalidProvider is returned when a provider name is not one of the known kinds.
	ErrInvalidProvider = errors.New("tts: invalid provider")

	// ErrEmptyAudio is returned when a provider reports success without audio.
	ErrEmptyAudio = errors.New("tts: empty audio payload")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("tts: provider closed")
)

// ProviderError describes a failed call to a TTS backend. Transient errors
// (network, timeout, 5xx, rate limiting) may succeed on a later attempt;
// everything else (auth, 4xx, malformed payload) will not.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tts: %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("tts: %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a [ProviderError] marked transient or a
// context deadline.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// StatusError builds a [ProviderError] from a non-2xx HTTP response, reading
// a short prefix of the body for context.
func StatusError(provider string, resp *http.Response) *ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Transient:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		Err:        errors.New(msg),
	}
}

// NetworkError wraps a transport failure as a transient [ProviderError].
func NetworkError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Transient: true, Err: err}
}
