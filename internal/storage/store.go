package storage

import (
	"context"

	"chatter/internal/models"
	"chatter/internal/provider"
)

// Store exposes BboltStorage as a provider.Store for in-process sessions.
type Store struct {
	db *BboltStorage
}

var _ provider.Store = (*Store)(nil)

func NewStore(db *BboltStorage) *Store {
	return &Store{db: db}
}

func (s *Store) Subscribe(ctx context.Context, topic string, bindings ...provider.Binding) (provider.Stream, error) {
	return s.db.feed.Subscribe(ctx, topic, bindings...)
}

func (s *Store) GetUser(_ context.Context, id string) (models.User, error) {
	return s.db.GetUser(id)
}

func (s *Store) GetMessage(_ context.Context, id string) (models.Message, error) {
	return s.db.GetMessage(id)
}

func (s *Store) GetAttachment(_ context.Context, id string) (models.AttachmentDetail, error) {
	return s.db.GetAttachment(id)
}

func (s *Store) ChannelPeers(_ context.Context, userID string) ([]models.User, error) {
	return s.db.ChannelPeers(userID)
}

func (s *Store) DMPeers(_ context.Context, userID string) ([]models.User, error) {
	return s.db.DMPeers(userID)
}
