package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/jubensha/pkg/blobstore"
)

func TestUpload(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := New(root, "http://localhost:8080/media/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.Available(context.Background()) {
		t.Fatal("store should be available")
	}

	url, err := s.Upload(context.Background(), "tts/s1/张三/v_1.mp3", []byte("ID3"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	want := "http://localhost:8080/media/tts/s1/%E5%BC%A0%E4%B8%89/v_1.mp3"
	if url != want {
		t.Errorf("url = %q, want %q", url, want)
	}
	got, err := os.ReadFile(filepath.Join(root, "tts", "s1", "张三", "v_1.mp3"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "ID3" {
		t.Errorf("content = %q", got)
	}
}

func TestUpload_RejectsTraversal(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir(), "http://x/media")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Upload(context.Background(), "../escape.mp3", []byte("x"), ""); !errors.Is(err, blobstore.ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestAvailable_RootRemoved(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "blobs")
	s, err := New(root, "http://x/media")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	if s.Available(context.Background()) {
		t.Error("store should be unavailable after its root is removed")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "http://x"); err == nil {
		t.Error("expected error for empty root")
	}
	if _, err := New(t.TempDir(), ""); err == nil {
		t.Error("expected error for empty base url")
	}
}
