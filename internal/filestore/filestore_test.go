package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatter/internal/models"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestLocalFileStore(t *testing.T) {
	root := t.TempDir()
	fs, err := NewLocalFileStore(root)
	if err != nil {
		t.Fatalf("NewLocalFileStore failed: %v", err)
	}
	hash := hashOf("hello")

	if err := fs.Save(strings.NewReader("hello"), hash); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// Saving the same hash again is a no-op.
	if err := fs.Save(strings.NewReader("hello"), hash); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, hash[:2], hash[2:4], hash)); err != nil {
		t.Errorf("content not in fan-out layout: %v", err)
	}

	rc, err := fs.Get(hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("Expected hello, got %q", data)
	}

	if _, err := fs.Get(hashOf("missing")); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing content, got %v", err)
	}
}

func TestLocalFileStore_RejectsBadContent(t *testing.T) {
	fs, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, hash := range []string{"abcdef", "../../etc/passwd", strings.ToUpper(hashOf("x"))} {
		if err := fs.Save(strings.NewReader("x"), hash); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("Save(%q): expected ErrInvalidHash, got %v", hash, err)
		}
		if _, err := fs.Get(hash); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("Get(%q): expected ErrInvalidHash, got %v", hash, err)
		}
	}

	hash := hashOf("expected")
	if err := fs.Save(strings.NewReader("something else"), hash); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("Expected ErrHashMismatch, got %v", err)
	}
	// Nothing becomes visible after a mismatch.
	if _, err := fs.Get(hash); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after rejected save, got %v", err)
	}
}

func TestIngest(t *testing.T) {
	fs, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	st, err := Ingest(fs, bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if st.MimeType != "image/png" {
		t.Errorf("Expected image/png, got %s", st.MimeType)
	}
	if st.Size != int64(len(pngHeader)) || len(st.Hash) != 64 {
		t.Errorf("unexpected result %+v", st)
	}

	rc, err := fs.Get(st.Hash)
	if err != nil {
		t.Fatalf("stored content not found: %v", err)
	}
	_ = rc.Close()

	st, err = Ingest(fs, strings.NewReader("plain words"))
	if err != nil {
		t.Fatal(err)
	}
	if st.MimeType != DefaultMimeType {
		t.Errorf("Expected %s, got %s", DefaultMimeType, st.MimeType)
	}
}

func TestIngest_TooLarge(t *testing.T) {
	fs, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	big := io.LimitReader(zeroReader{}, MaxUploadSize+10)
	if _, err := Ingest(fs, big); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Expected ErrTooLarge, got %v", err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
