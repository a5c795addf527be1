package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxFetchedAudio caps the size of an audio file fetched from a provider URL.
const maxFetchedAudio = 64 << 20

// Response is the audio payload returned by [Provider.Synthesize]. Exactly one
// of Audio, AudioURL or AudioBase64 is expected to be set.
type Response struct {
	// Audio holds raw encoded audio bytes.
	Audio []byte

	// AudioURL points to a rendered audio file that must be fetched.
	AudioURL string

	// AudioBase64 holds base64-encoded audio.
	AudioBase64 string

	// Format is the audio container, e.g. "mp3" or "wav".
	Format string
}

// Bytes returns the raw audio, fetching AudioURL with client or decoding
// AudioBase64 as needed. A non-2xx fetch fails with a [ProviderError]; an empty
// result fails with [ErrEmptyAudio].
func (r *Response) Bytes(ctx context.Context, client *http.Client) ([]byte, error) {
	if r == nil {
		return nil, ErrEmptyAudio
	}
	var (
		data []byte
		err  error
	)
	switch {
	case len(r.Audio) > 0:
		data = r.Audio
	case r.AudioURL != "":
		data, err = fetchAudio(ctx, client, r.AudioURL)
	case r.AudioBase64 != "":
		data, err = base64.StdEncoding.DecodeString(strings.TrimSpace(r.AudioBase64))
		if err != nil {
			err = fmt.Errorf("tts: decode base64 audio: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}
	return data, nil
}

func fetchAudio(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: build audio fetch request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "fetch", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError("fetch", resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedAudio))
	if err != nil {
		return nil, &ProviderError{Provider: "fetch", Transient: true, Err: err}
	}
	return data, nil
}
