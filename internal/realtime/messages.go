package realtime

import (
	"context"
	"fmt"

	"chatter/internal/models"
	"chatter/internal/provider"

	"github.com/c-pro/geche"
)

// MessageHandle is the live message stream of one conversation.
type MessageHandle struct {
	*handle
	conversation models.ConversationKey
	events       chan models.Event
	rec          *reconciler
}

// Conversation returns the key the handle is subscribed to.
func (h *MessageHandle) Conversation() models.ConversationKey { return h.conversation }

// Events delivers normalized events until the handle is closed or fails.
func (h *MessageHandle) Events() <-chan models.Event { return h.events }

// SubscribeMessages opens the message stream of key, or returns the handle that
// is already open for it. ctx bounds the subscribe call only.
func (r *Registry) SubscribeMessages(ctx context.Context, key models.ConversationKey) (*MessageHandle, error) {
	r.mu.Lock()
	if h, ok := r.messages[key]; ok {
		r.mu.Unlock()
		return h, nil
	}
	h := r.newMessageHandle(key)
	r.messages[key] = h
	r.mu.Unlock()

	stream, err := r.store.Subscribe(ctx, key.String(), messageBindings(key)...)
	if err != nil {
		r.dropMessages(key, h)
		h.finish(StateErrored, err)
		h.release()
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	if !h.activate(stream.Close) {
		// Unsubscribed while the subscribe call was in flight.
		_ = stream.Close()
		h.release()
		return h, nil
	}

	go h.run(stream, func() { r.dropMessages(key, h) })
	r.logger.Debug("message stream open", "conversation", key, "handle", h.ID())
	return h, nil
}

// UnsubscribeMessages closes the stream of key. It is a no-op if none is open.
func (r *Registry) UnsubscribeMessages(key models.ConversationKey) {
	r.mu.Lock()
	h, ok := r.messages[key]
	delete(r.messages, key)
	r.mu.Unlock()

	if ok {
		h.close()
	}
}

func (r *Registry) newMessageHandle(key models.ConversationKey) *MessageHandle {
	h := &MessageHandle{
		handle:       newHandle(r.ctx, key.String()),
		conversation: key,
		events:       make(chan models.Event, r.cfg.EventBuffer),
	}
	h.rec = &reconciler{
		key:     key,
		store:   r.store,
		bus:     r.bus,
		senders: r.senders,
		scopes:  geche.NewMapTTLCache[string, bool](h.ctx, r.cfg.SenderCacheTTL, r.cfg.SenderCacheTTL/2),
		logger:  r.logger.With("conversation", key),
		emit:    func(ev models.Event) bool { return send(h.handle, h.events, ev) },
		spawn:   h.spawn,
	}
	closeAfter(h.handle, h.events)
	return h
}

// dropMessages forgets h if it is still the handle registered for key.
func (r *Registry) dropMessages(key models.ConversationKey, h *MessageHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages[key] == h {
		delete(r.messages, key)
	}
}

func (h *MessageHandle) run(stream provider.Stream, forget func()) {
	defer h.wg.Done()

	changes := stream.Changes()
	for {
		select {
		case <-h.done:
			return
		case <-h.ctx.Done():
			forget()
			h.close()
			return
		case c, ok := <-changes:
			if !ok {
				err := stream.Err()
				if err == nil {
					err = errStreamEnded
				}
				// Forget first so the next subscribe builds a fresh handle.
				forget()
				if h.finish(StateErrored, err) {
					h.rec.logger.Warn("message stream terminated", "error", err)
				}
				return
			}
			h.rec.handle(h.ctx, c)
		}
	}
}

func (h *MessageHandle) close() {
	h.finish(StateClosed, nil)
}
