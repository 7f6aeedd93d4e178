package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"chatter/internal/models"
)

var (
	ErrInvalidHash  = errors.New("invalid content hash")
	ErrHashMismatch = errors.New("content does not match its hash")
)

const tmpDir = ".tmp"

// LocalFileStore keeps uploads on disk addressed by their SHA-256 hex digest,
// fanned out as <root>/ab/cd/abcd.... Content is verified against the digest
// before it becomes visible.
type LocalFileStore struct {
	root string
}

var _ FileStore = (*LocalFileStore)(nil)

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, tmpDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

// validHash accepts lowercase SHA-256 hex digests only, which also keeps
// names from escaping the root.
func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (s *LocalFileStore) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:4], hash)
}

// Save stores r under hash. Content that is already present is left alone.
func (s *LocalFileStore) Save(r io.Reader, hash string) error {
	if !validHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	dst := s.path(hash)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	sum := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, sum), r); err != nil {
		return fmt.Errorf("failed to write upload: %w", err)
	}
	if got := hex.EncodeToString(sum.Sum(nil)); got != hash {
		return fmt.Errorf("%w: got %s", ErrHashMismatch, got)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to publish upload: %w", err)
	}
	return nil
}

// Get opens the content stored under hash. Unknown content is models.ErrNotFound.
func (s *LocalFileStore) Get(hash string) (io.ReadCloser, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	f, err := os.Open(s.path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: content %s", models.ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open content %s: %w", hash, err)
	}
	return f, nil
}
