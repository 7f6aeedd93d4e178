package storage

import (
	"fmt"

	"chatter/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

type FileMetadata struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	Hash      string `msgpack:"hash"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	UserID    string `msgpack:"userId"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.ID)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (f *FileMetadata) Model() models.File {
	return models.File{
		ID:        f.ID,
		Name:      f.Name,
		MimeType:  f.MimeType,
		Size:      f.Size,
		Hash:      f.Hash,
		UserID:    f.UserID,
		CreatedAt: fromUnix(f.CreatedAt),
	}
}

// AddFile records the metadata of an uploaded file.
func (s *BboltStorage) AddFile(f models.File) (models.File, error) {
	if f.ID == "" {
		f.ID = newID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	meta := &FileMetadata{
		ID:        f.ID,
		Name:      f.Name,
		Hash:      f.Hash,
		MimeType:  f.MimeType,
		Size:      f.Size,
		CreatedAt: toUnix(f.CreatedAt),
		UserID:    f.UserID,
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := put(tx, bucketFiles, meta); err != nil {
			return fmt.Errorf("failed to store file metadata: %w", err)
		}
		return s.stage(tx, models.TableFiles, models.OpInsert, meta.Model(), nil)
	})
	if err != nil {
		return models.File{}, err
	}
	return meta.Model(), nil
}

func (s *BboltStorage) GetFile(id string) (models.File, error) {
	var meta FileMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx, bucketFiles, []byte(id), &meta)
	})
	if err != nil {
		return models.File{}, fmt.Errorf("file %s: %w", id, err)
	}
	return meta.Model(), nil
}
