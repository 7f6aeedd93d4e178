package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatter/internal/models"
	"chatter/internal/provider"
)

// DefaultTypingIdle is how long after the last keystroke a typer stops typing.
const DefaultTypingIdle = time.Second

// TypingHandle is the ephemeral typing presence of one conversation.
type TypingHandle struct {
	*handle
	conversation models.ConversationKey
	self         string
	updates      chan []models.Typist
	logger       *slog.Logger

	channel provider.PresenceChannel

	setMu sync.Mutex
	set   map[string]models.Typist
}

// Conversation returns the key the handle is subscribed to.
func (h *TypingHandle) Conversation() models.ConversationKey { return h.conversation }

// Updates delivers the full list of remote typists after every change.
func (h *TypingHandle) Updates() <-chan []models.Typist { return h.updates }

// Typists returns the current remote typing set ordered by username.
func (h *TypingHandle) Typists() []models.Typist {
	h.setMu.Lock()
	defer h.setMu.Unlock()
	return h.snapshotLocked()
}

// Start marks user as typing on the conversation.
func (h *TypingHandle) Start(ctx context.Context, user models.User) error {
	ch := h.presence()
	if ch == nil {
		return models.ErrClosed
	}
	return ch.Join(ctx, provider.PresenceMeta{
		Key:      user.ID,
		UserID:   user.ID,
		Username: user.Username,
		IsTyping: true,
	})
}

// Stop clears the local user's typing state.
func (h *TypingHandle) Stop(ctx context.Context) error {
	ch := h.presence()
	if ch == nil {
		return models.ErrClosed
	}
	return ch.Leave(ctx)
}

func (h *TypingHandle) presence() provider.PresenceChannel {
	if h.State() != StateActive {
		return nil
	}
	return h.channel
}

// SubscribeTyping opens the typing presence of key, or returns the handle that
// is already open for it.
func (r *Registry) SubscribeTyping(ctx context.Context, key models.ConversationKey) (*TypingHandle, error) {
	r.mu.Lock()
	if h, ok := r.typing[key]; ok {
		r.mu.Unlock()
		return h, nil
	}
	h := &TypingHandle{
		handle:       newHandle(r.ctx, key.TypingKey()),
		conversation: key,
		self:         r.cfg.UserID,
		updates:      make(chan []models.Typist, r.cfg.EventBuffer),
		logger:       r.logger.With("typing", key),
		set:          make(map[string]models.Typist),
	}
	closeAfter(h.handle, h.updates)
	r.typing[key] = h
	r.mu.Unlock()

	ch, err := r.ephemeral.OpenPresence(ctx, key.TypingKey())
	if err != nil {
		r.dropTyping(key, h)
		h.finish(StateErrored, err)
		h.release()
		return nil, fmt.Errorf("open typing presence %s: %w", key, err)
	}
	h.channel = ch
	if !h.activate(ch.Close) {
		_ = ch.Close()
		h.release()
		return h, nil
	}

	go h.run(ch, func() { r.dropTyping(key, h) })
	return h, nil
}

// UnsubscribeTyping closes the typing presence of key. It is a no-op if none is open.
func (r *Registry) UnsubscribeTyping(key models.ConversationKey) {
	r.mu.Lock()
	h, ok := r.typing[key]
	delete(r.typing, key)
	r.mu.Unlock()

	if ok {
		h.close()
	}
}

func (r *Registry) dropTyping(key models.ConversationKey, h *TypingHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.typing[key] == h {
		delete(r.typing, key)
	}
}

func (h *TypingHandle) run(ch provider.PresenceChannel, forget func()) {
	defer h.wg.Done()

	events := ch.Events()
	for {
		select {
		case <-h.done:
			return
		case <-h.ctx.Done():
			forget()
			h.close()
			return
		case ev, ok := <-events:
			if !ok {
				forget()
				if h.finish(StateErrored, errStreamEnded) {
					h.logger.Warn("typing presence terminated")
				}
				return
			}
			if list, changed := h.apply(ev); changed {
				send(h.handle, h.updates, list)
			}
		}
	}
}

// apply folds a presence event into the typing set: sync replaces it, join adds,
// leave removes. The local user is never part of the set.
func (h *TypingHandle) apply(ev provider.PresenceEvent) ([]models.Typist, bool) {
	h.setMu.Lock()
	defer h.setMu.Unlock()

	switch ev.Kind {
	case provider.PresenceSync:
		h.set = make(map[string]models.Typist, len(ev.Metas))
		for _, m := range ev.Metas {
			if m.IsTyping && m.UserID != h.self {
				h.set[m.Key] = models.Typist{UserID: m.UserID, Username: m.Username}
			}
		}
	case provider.PresenceJoin:
		for _, m := range ev.Metas {
			if m.UserID == h.self {
				continue
			}
			if m.IsTyping {
				h.set[m.Key] = models.Typist{UserID: m.UserID, Username: m.Username}
			} else {
				delete(h.set, m.Key)
			}
		}
	case provider.PresenceLeave:
		for _, m := range ev.Metas {
			delete(h.set, m.Key)
		}
	default:
		return nil, false
	}
	return h.snapshotLocked(), true
}

func (h *TypingHandle) snapshotLocked() []models.Typist {
	list := make([]models.Typist, 0, len(h.set))
	for _, t := range h.set {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Username == list[j].Username {
			return list[i].UserID < list[j].UserID
		}
		return list[i].Username < list[j].Username
	})
	return list
}

func (h *TypingHandle) close() {
	h.finish(StateClosed, nil)
}

// Typer debounces keystrokes into typing signals: Start is sent once per
// idle-to-typing transition, and Stop follows after a period without keystrokes.
type Typer struct {
	handle *TypingHandle
	user   models.User
	idle   time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
}

func NewTyper(h *TypingHandle, user models.User, idle time.Duration) *Typer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Typer{
		handle: h,
		user:   user,
		idle:   idle,
		logger: h.logger,
	}
}

// Keystroke records activity. Every call re-arms the idle timer.
func (t *Typer) Keystroke(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if !t.typing {
		if err = t.handle.Start(ctx, t.user); err == nil {
			t.typing = true
		}
	}
	if t.typing {
		t.armLocked()
	}
	return err
}

// Stop ends typing right away, e.g. when the message is sent.
func (t *Typer) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(ctx)
}

// Typing reports whether a start signal is outstanding.
func (t *Typer) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Typer) armLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
}

func (t *Typer) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A keystroke after this timer was armed has superseded it.
	if gen != t.gen {
		return
	}
	ctx, cancel := context.WithTimeout(t.handle.ctx, t.idle)
	defer cancel()
	if err := t.stopLocked(ctx); err != nil {
		t.logger.Debug("typing stop failed", "error", err)
	}
}

func (t *Typer) stopLocked(ctx context.Context) error {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	if !t.typing {
		return nil
	}
	t.typing = false
	return t.handle.Stop(ctx)
}
