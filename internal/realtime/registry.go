// Package realtime keeps the live subscriptions of one client session: message
// streams per conversation, typing presence, the channel/DM list watcher and the
// shared user-presence stream. It reconciles raw store changes into normalized
// events that views consume from per-handle channels.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatter/internal/bus"
	"chatter/internal/models"
	"chatter/internal/provider"
)

const (
	DefaultEventBuffer    = 64
	DefaultSenderCacheTTL = 5 * time.Minute
	DefaultResyncTimeout  = 10 * time.Second
)

type Config struct {
	// UserID is the authenticated user the session belongs to.
	UserID string
	// EventBuffer is the capacity of every handle's output channel.
	EventBuffer    int
	SenderCacheTTL time.Duration
	ResyncTimeout  time.Duration
	Logger         *slog.Logger
}

func (c *Config) setDefaults() {
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.SenderCacheTTL <= 0 {
		c.SenderCacheTTL = DefaultSenderCacheTTL
	}
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = DefaultResyncTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Registry is the sole owner of a session's live handles. At most one handle
// exists per key; subscribing to a key that is already open returns that handle.
type Registry struct {
	cfg       Config
	store     provider.Store
	ephemeral provider.Ephemeral
	bus       *bus.Bus[models.Event]
	senders   *senderCache
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	messages map[models.ConversationKey]*MessageHandle
	typing   map[models.ConversationKey]*TypingHandle
	lists    *ListHandle

	presenceMu   sync.Mutex
	userPresence *presenceTopic
}

// NewRegistry creates the registry of one session. Handles live until they are
// unsubscribed, their stream fails, or ctx is cancelled.
func NewRegistry(ctx context.Context, store provider.Store, ephemeral provider.Ephemeral, eventBus *bus.Bus[models.Event], cfg Config) *Registry {
	cfg.setDefaults()
	if eventBus == nil {
		eventBus = bus.New[models.Event]()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		cfg:       cfg,
		store:     store,
		ephemeral: ephemeral,
		bus:       eventBus,
		senders:   newSenderCache(ctx, store, cfg.SenderCacheTTL),
		logger:    cfg.Logger.With("component", "realtime", "user_id", cfg.UserID),
		ctx:       ctx,
		cancel:    cancel,
		messages:  make(map[models.ConversationKey]*MessageHandle),
		typing:    make(map[models.ConversationKey]*TypingHandle),
	}
}

// Bus returns the local event bus reaction changes are announced on.
func (r *Registry) Bus() *bus.Bus[models.Event] { return r.bus }

// UserID returns the user the session belongs to.
func (r *Registry) UserID() string { return r.cfg.UserID }

// Close tears down every handle owned by the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	messages := r.messages
	typing := r.typing
	lists := r.lists
	r.messages = make(map[models.ConversationKey]*MessageHandle)
	r.typing = make(map[models.ConversationKey]*TypingHandle)
	r.lists = nil
	r.mu.Unlock()

	for _, h := range messages {
		h.close()
	}
	for _, h := range typing {
		h.close()
	}
	if lists != nil {
		lists.close()
	}

	r.presenceMu.Lock()
	t := r.userPresence
	r.userPresence = nil
	r.presenceMu.Unlock()
	if t != nil {
		t.shutdown()
	}

	r.cancel()
	return nil
}
