// Package blobstore defines the object storage contract used to publish
// synthesized audio. Implementations must return URLs that downstream clients
// can fetch without credentials.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("blobstore: unavailable")

// ErrInvalidKey is returned for keys that are empty or escape the store root.
var ErrInvalidKey = errors.New("blobstore: invalid key")

// Store uploads objects and reports reachability.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Available reports whether uploads are expected to succeed. It must be
	// cheap enough to call before every upload.
	Available(ctx context.Context) bool

	// Upload writes data under key and returns its public URL.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// CleanKey normalises key to a slash-separated relative path and rejects keys
// that are empty or reference parent directories.
func CleanKey(key string) (string, error) {
	k := strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if k == "" {
		return "", ErrInvalidKey
	}
	for _, seg := range strings.Split(k, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return path.Clean(k), nil
}

// ContentType returns the MIME type for an audio format.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "flac":
		return "audio/flac"
	case "pcm":
		return "audio/L16"
	case "ogg", "opus":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
