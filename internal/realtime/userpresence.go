package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"chatter/internal/models"
	"chatter/internal/provider"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const userPresenceTopic = "user-presence"

// presenceTopic is the reference counted user-presence stream. Every attached
// watcher receives updates on its own buffered channel; a watcher that falls
// behind misses updates rather than stalling the others, and can read the
// latest state from Snapshot.
type presenceTopic struct {
	stream provider.Stream
	logger *slog.Logger

	mu        sync.Mutex
	refs      int
	dead      bool
	listeners map[string]chan models.UserPresence
	latest    map[string]models.UserPresence
	bufSize   int
}

// PresenceWatch is one attachment to the shared user-presence stream.
type PresenceWatch struct {
	id      string
	topic   *presenceTopic
	updates chan models.UserPresence
	detach  func(*PresenceWatch)
	once    sync.Once
}

// ID is the detach token of this watch.
func (w *PresenceWatch) ID() string { return w.id }

// Updates delivers presence changes. It is closed on Unsubscribe or when the
// stream fails.
func (w *PresenceWatch) Updates() <-chan models.UserPresence { return w.updates }

// Snapshot returns the latest known status per user id.
func (w *PresenceWatch) Snapshot() map[string]models.UserPresence {
	return w.topic.snapshot()
}

// Unsubscribe detaches the watch. The stream closes with the last watch.
func (w *PresenceWatch) Unsubscribe() {
	w.once.Do(func() { w.detach(w) })
}

// SubscribeUserPresence attaches to the user-presence stream. The first
// attachment opens the stream and runs a full resync of the users the session
// shares channels or DMs with; later attachments are replayed the known state.
func (r *Registry) SubscribeUserPresence(ctx context.Context) (*PresenceWatch, error) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	t := r.userPresence
	if t == nil {
		stream, err := r.store.Subscribe(ctx, userPresenceTopic, provider.Binding{Table: models.TableUsers})
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", userPresenceTopic, err)
		}
		t = &presenceTopic{
			stream:    stream,
			logger:    r.logger.With("watcher", userPresenceTopic),
			listeners: make(map[string]chan models.UserPresence),
			latest:    make(map[string]models.UserPresence),
			bufSize:   r.cfg.EventBuffer,
		}
		r.userPresence = t
		go r.runUserPresence(t)
		go r.resyncPresence(t)
	}
	return t.attach(r.detachPresence), nil
}

func (r *Registry) detachPresence(w *PresenceWatch) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	t := w.topic
	if remaining := t.remove(w.id); remaining > 0 {
		return
	}
	if r.userPresence == t {
		r.userPresence = nil
	}
	t.shutdown()
}

// PresenceRefs returns the number of attached presence watches.
func (r *Registry) PresenceRefs() int {
	r.presenceMu.Lock()
	t := r.userPresence
	r.presenceMu.Unlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs
}

func (r *Registry) runUserPresence(t *presenceTopic) {
	for c := range t.stream.Changes() {
		if c.Op == models.OpDelete {
			continue
		}
		var u models.User
		if err := c.Decode(&u); err != nil {
			t.logger.Warn("undecodable user change", "error", err)
			continue
		}
		r.senders.put(u)
		t.publish(models.UserPresence{UserID: u.ID, Status: u.Status, LastSeen: u.LastSeen})
	}

	if err := t.stream.Err(); err != nil {
		t.logger.Warn("user presence stream terminated", "error", err)
	}
	r.presenceMu.Lock()
	if r.userPresence == t {
		r.userPresence = nil
	}
	r.presenceMu.Unlock()
	t.shutdown()
}

// resyncPresence loads the current status of every related user once.
func (r *Registry) resyncPresence(t *presenceTopic) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.ResyncTimeout)
	defer cancel()

	var channelPeers, dmPeers []models.User
	var self models.User

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		channelPeers, err = r.store.ChannelPeers(gCtx, r.cfg.UserID)
		return err
	})
	g.Go(func() error {
		var err error
		dmPeers, err = r.store.DMPeers(gCtx, r.cfg.UserID)
		return err
	})
	if r.cfg.UserID != "" {
		g.Go(func() error {
			var err error
			self, err = r.store.GetUser(gCtx, r.cfg.UserID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.logger.Warn("presence resync failed", "error", err)
		return
	}

	seen := make(map[string]bool)
	for _, list := range [][]models.User{{self}, channelPeers, dmPeers} {
		for _, u := range list {
			if u.ID == "" || seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			r.senders.put(u)
			t.publish(models.UserPresence{UserID: u.ID, Status: u.Status, LastSeen: u.LastSeen})
		}
	}
	t.logger.Debug("presence resynced", "users", len(seen))
}

func (t *presenceTopic) attach(detach func(*PresenceWatch)) *PresenceWatch {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := &PresenceWatch{
		id:      uuid.NewString(),
		topic:   t,
		updates: make(chan models.UserPresence, t.bufSize),
		detach:  detach,
	}
	if t.dead {
		close(w.updates)
		return w
	}
	t.refs++
	t.listeners[w.id] = w.updates
	for _, p := range t.latest {
		select {
		case w.updates <- p:
		default:
		}
	}
	return w
}

// remove detaches a listener and returns the remaining reference count.
func (t *presenceTopic) remove(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.listeners[id]; ok {
		delete(t.listeners, id)
		close(ch)
		t.refs--
	}
	return t.refs
}

func (t *presenceTopic) publish(p models.UserPresence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return
	}
	t.latest[p.UserID] = p
	for _, ch := range t.listeners {
		select {
		case ch <- p:
		default:
			// Slow watcher; it can catch up from Snapshot.
		}
	}
}

func (t *presenceTopic) snapshot() map[string]models.UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]models.UserPresence, len(t.latest))
	for k, v := range t.latest {
		out[k] = v
	}
	return out
}

// shutdown closes the stream and every remaining listener. It is idempotent.
func (t *presenceTopic) shutdown() {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	t.dead = true
	t.refs = 0
	for id, ch := range t.listeners {
		delete(t.listeners, id)
		close(ch)
	}
	t.mu.Unlock()
	_ = t.stream.Close()
}

// Closed reports whether the underlying stream has been torn down.
func (w *PresenceWatch) Closed() bool {
	w.topic.mu.Lock()
	defer w.topic.mu.Unlock()
	return w.topic.dead
}
