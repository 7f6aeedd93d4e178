package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/h2non/filetype"
)

const (
	MaxUploadSize   = 25 << 20
	DefaultMimeType = "application/octet-stream"
)

var ErrTooLarge = errors.New("file exceeds the upload size limit")

// FileStore is an interface for storing and retrieving files by their hash.
type FileStore interface {
	// Save saves the file content with the given hash.
	// It is idempotent: if a file with the same hash already exists, it returns nil.
	Save(r io.Reader, hash string) error

	// Get retrieves the file content for the given hash.
	Get(hash string) (io.ReadCloser, error)
}

// Stored describes content written by Ingest.
type Stored struct {
	Hash     string
	Size     int64
	MimeType string
}

// Ingest reads r fully, stores it under its SHA-256 hash and detects its MIME
// type from the content.
func Ingest(fs FileStore, r io.Reader) (Stored, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadSize+1))
	if err != nil {
		return Stored{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) > MaxUploadSize {
		return Stored{}, ErrTooLarge
	}

	sum := sha256.Sum256(data)
	st := Stored{
		Hash:     hex.EncodeToString(sum[:]),
		Size:     int64(len(data)),
		MimeType: DetectMimeType(data),
	}
	if err := fs.Save(bytes.NewReader(data), st.Hash); err != nil {
		return Stored{}, err
	}
	return st, nil
}

// DetectMimeType sniffs the content type from the leading bytes of a file.
func DetectMimeType(head []byte) string {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return DefaultMimeType
	}
	return kind.MIME.Value
}
