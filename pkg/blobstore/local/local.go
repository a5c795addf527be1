// Package local implements blobstore.Store on the local filesystem. Files are
// written under a root directory and addressed by a public base URL that a
// static file server (or the API's /media route) exposes.
package local

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/jubensha/pkg/blobstore"
)

var _ blobstore.Store = (*Store)(nil)

// Store writes objects below Root.
type Store struct {
	root    string
	baseURL string
}

// New returns a Store rooted at root whose objects are published under
// baseURL (e.g. "http://localhost:8080/media"). The root is created if missing.
func New(root, baseURL string) (*Store, error) {
	if root == "" {
		return nil, errors.New("local: root must not be empty")
	}
	if baseURL == "" {
		return nil, errors.New("local: baseURL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("local: parse baseURL: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local: create root %q: %w", root, err)
	}
	return &Store{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the directory objects are written to.
func (s *Store) Root() string { return s.root }

// Available reports whether the root is an existing directory.
func (s *Store) Available(_ context.Context) bool {
	fi, err := os.Stat(s.root)
	return err == nil && fi.IsDir()
}

// Upload writes data atomically to root/key and returns baseURL/key.
func (s *Store) Upload(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k, err := blobstore.CleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("local: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("local: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("local: write %q: %w", k, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("local: close %q: %w", k, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("local: chmod %q: %w", k, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("local: rename %q: %w", k, err)
	}
	return s.baseURL + "/" + escapePath(k), nil
}

func escapePath(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
