// Package mock provides a test double for blobstore.Store.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/jubensha/pkg/blobstore"
)

// UploadCall records a single invocation of Upload.
type UploadCall struct {
	Key         string
	Data        []byte
	ContentType string
}

// Store is a mock implementation of blobstore.Store.
type Store struct {
	mu sync.Mutex

	// Unavailable makes Available return false.
	Unavailable bool

	// URL is returned by Upload. When empty, "mock://" + key is returned.
	URL string

	// UploadErr, if non-nil, is returned by Upload.
	UploadErr error

	// UploadCalls records every Upload invocation in order.
	UploadCalls []UploadCall

	// AvailableCalls counts Available invocations.
	AvailableCalls int
}

// Available implements blobstore.Store.
func (s *Store) Available(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AvailableCalls++
	return !s.Unavailable
}

// Upload implements blobstore.Store.
func (s *Store) Upload(_ context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.UploadCalls = append(s.UploadCalls, UploadCall{Key: key, Data: cp, ContentType: contentType})
	if s.UploadErr != nil {
		return "", s.UploadErr
	}
	if s.URL != "" {
		return s.URL, nil
	}
	return "mock://" + key, nil
}

// Uploads returns a copy of the recorded Upload calls.
func (s *Store) Uploads() []UploadCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UploadCall, len(s.UploadCalls))
	copy(out, s.UploadCalls)
	return out
}

var _ blobstore.Store = (*Store)(nil)
