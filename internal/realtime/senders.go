package realtime

import (
	"context"
	"time"

	"chatter/internal/models"
	"chatter/internal/provider"

	"github.com/c-pro/geche"
)

// senderCache memoizes user profiles looked up for message senders.
type senderCache struct {
	store provider.Store
	users geche.Geche[string, models.User]
}

func newSenderCache(ctx context.Context, store provider.Store, ttl time.Duration) *senderCache {
	return &senderCache{
		store: store,
		users: geche.NewMapTTLCache[string, models.User](ctx, ttl, ttl/2),
	}
}

func (c *senderCache) get(id string) (models.User, bool) {
	u, err := c.users.Get(id)
	if err != nil {
		return models.User{}, false
	}
	return u, true
}

func (c *senderCache) put(u models.User) {
	if u.ID == "" {
		return
	}
	c.users.Set(u.ID, u)
}

// fetch returns the cached profile or loads it from the store.
func (c *senderCache) fetch(ctx context.Context, id string) (models.User, error) {
	if u, ok := c.get(id); ok {
		return u, nil
	}
	u, err := c.store.GetUser(ctx, id)
	if err != nil {
		return models.User{}, err
	}
	c.put(u)
	return u, nil
}
