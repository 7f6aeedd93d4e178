package http

import (
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"

	"chatter/internal/filestore"
	"chatter/internal/models"
	"chatter/internal/storage"
)

// NewFileServerHandler streams an uploaded file by its id. Callers wrap it
// with the auth check.
func NewFileServerHandler(storage *storage.BboltStorage, files filestore.FileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta, err := storage.GetFile(r.PathValue("id"))
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}

		rc, err := files.Get(meta.Hash)
		if err != nil {
			log.Printf("file %s has metadata but no content: %v", meta.ID, err)
			http.NotFound(w, r)
			return
		}
		defer func() { _ = rc.Close() }()

		w.Header().Set("Content-Type", meta.MimeType)
		w.Header().Set("Content-Length", fmt.Sprint(meta.Size))
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.Name}))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if _, err := io.Copy(w, rc); err != nil {
			log.Printf("failed to stream file %s: %v", meta.ID, err)
		}
	}
}
