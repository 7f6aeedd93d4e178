// Package ephemeral implements presence channels: short-lived membership
// broadcasts used for typing indicators. Hub keeps members in memory; Redis
// shares them between server processes.
package ephemeral

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"chatter/internal/models"
	"chatter/internal/provider"
)

const defaultBuffer = 32

// Hub is the in-process presence backend. Every open channel of a topic sees
// the joins and leaves of every other channel of that topic.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	topics map[string]*hubTopic
}

type hubTopic struct {
	members  map[string]provider.PresenceMeta
	channels map[*hubChannel]struct{}
}

var _ provider.Ephemeral = (*Hub)(nil)

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "ephemeral"),
		buffer: buffer,
		topics: make(map[string]*hubTopic),
	}
}

// OpenPresence opens a channel on topic. The first event it delivers is a sync
// with the members currently present.
func (h *Hub) OpenPresence(_ context.Context, topic string) (provider.PresenceChannel, error) {
	if topic == "" {
		return nil, fmt.Errorf("open presence: empty topic")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[topic]
	if !ok {
		t = &hubTopic{
			members:  make(map[string]provider.PresenceMeta),
			channels: make(map[*hubChannel]struct{}),
		}
		h.topics[topic] = t
	}
	c := &hubChannel{
		hub:    h,
		topic:  topic,
		events: make(chan provider.PresenceEvent, h.buffer),
	}
	t.channels[c] = struct{}{}
	c.events <- provider.PresenceEvent{Kind: provider.PresenceSync, Metas: t.sortedMembers()}
	return c, nil
}

// Members returns the metas currently tracked on topic.
func (h *Hub) Members(topic string) []provider.PresenceMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[topic]
	if !ok {
		return nil
	}
	return t.sortedMembers()
}

func (t *hubTopic) sortedMembers() []provider.PresenceMeta {
	metas := make([]provider.PresenceMeta, 0, len(t.members))
	for _, m := range t.members {
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Key < metas[j].Key })
	return metas
}

// broadcastLocked delivers ev to every channel of t. A channel whose buffer is
// full misses the event.
func (h *Hub) broadcastLocked(topic string, t *hubTopic, ev provider.PresenceEvent) {
	for c := range t.channels {
		select {
		case c.events <- ev:
		default:
			h.logger.Warn("dropping presence event for slow channel", "topic", topic, "kind", ev.Kind)
		}
	}
}

func (h *Hub) join(c *hubChannel, meta provider.PresenceMeta) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[c.topic]
	if !ok || c.closed {
		return models.ErrClosed
	}
	// A channel tracks a single meta; re-joining under a new key replaces it.
	if c.key != "" && c.key != meta.Key {
		if old, ok := t.members[c.key]; ok {
			delete(t.members, c.key)
			h.broadcastLocked(c.topic, t, provider.PresenceEvent{Kind: provider.PresenceLeave, Metas: []provider.PresenceMeta{old}})
		}
	}
	c.key = meta.Key
	t.members[meta.Key] = meta
	h.broadcastLocked(c.topic, t, provider.PresenceEvent{Kind: provider.PresenceJoin, Metas: []provider.PresenceMeta{meta}})
	return nil
}

func (h *Hub) leaveLocked(c *hubChannel) {
	t, ok := h.topics[c.topic]
	if !ok || c.key == "" {
		return
	}
	meta, ok := t.members[c.key]
	c.key = ""
	if !ok {
		return
	}
	delete(t.members, meta.Key)
	h.broadcastLocked(c.topic, t, provider.PresenceEvent{Kind: provider.PresenceLeave, Metas: []provider.PresenceMeta{meta}})
}

func (h *Hub) leave(c *hubChannel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return models.ErrClosed
	}
	h.leaveLocked(c)
	return nil
}

func (h *Hub) close(c *hubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	h.leaveLocked(c)
	c.closed = true
	if t, ok := h.topics[c.topic]; ok {
		delete(t.channels, c)
		if len(t.channels) == 0 && len(t.members) == 0 {
			delete(h.topics, c.topic)
		}
	}
	close(c.events)
}

// hubChannel fields other than events are guarded by the hub's mutex.
type hubChannel struct {
	hub    *Hub
	topic  string
	events chan provider.PresenceEvent
	key    string
	closed bool
}

func (c *hubChannel) Join(_ context.Context, meta provider.PresenceMeta) error {
	if meta.Key == "" {
		meta.Key = meta.UserID
	}
	return c.hub.join(c, meta)
}

func (c *hubChannel) Leave(context.Context) error {
	return c.hub.leave(c)
}

func (c *hubChannel) Events() <-chan provider.PresenceEvent { return c.events }

func (c *hubChannel) Close() error {
	c.hub.close(c)
	return nil
}
