package realtime

import (
	"context"
	"fmt"
	"log/slog"

	"chatter/internal/models"
	"chatter/internal/provider"
)

const listTopic = "channel-list"

// ListHandle watches membership and list level changes and tells the consumer
// which list to reload.
type ListHandle struct {
	*handle
	self   string
	events chan models.ListEvent
	logger *slog.Logger
}

// Events delivers reload requests until the handle is closed or fails.
func (h *ListHandle) Events() <-chan models.ListEvent { return h.events }

var listBindings = []provider.Binding{
	{Table: models.TableChannels},
	{Table: models.TableChannelMembers},
	{Table: models.TableDMConversations},
}

// SubscribeChannelList opens the session's single list watcher, or returns it
// if it is already open.
func (r *Registry) SubscribeChannelList(ctx context.Context) (*ListHandle, error) {
	r.mu.Lock()
	if r.lists != nil {
		h := r.lists
		r.mu.Unlock()
		return h, nil
	}
	h := &ListHandle{
		handle: newHandle(r.ctx, listTopic),
		self:   r.cfg.UserID,
		events: make(chan models.ListEvent, r.cfg.EventBuffer),
		logger: r.logger.With("watcher", listTopic),
	}
	closeAfter(h.handle, h.events)
	r.lists = h
	r.mu.Unlock()

	stream, err := r.store.Subscribe(ctx, listTopic, listBindings...)
	if err != nil {
		r.dropLists(h)
		h.finish(StateErrored, err)
		h.release()
		return nil, fmt.Errorf("subscribe %s: %w", listTopic, err)
	}
	if !h.activate(stream.Close) {
		_ = stream.Close()
		h.release()
		return h, nil
	}

	go h.run(stream, func() { r.dropLists(h) })
	return h, nil
}

// UnsubscribeChannelList closes the list watcher if it is open.
func (r *Registry) UnsubscribeChannelList() {
	r.mu.Lock()
	h := r.lists
	r.lists = nil
	r.mu.Unlock()

	if h != nil {
		h.close()
	}
}

func (r *Registry) dropLists(h *ListHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lists == h {
		r.lists = nil
	}
}

func (h *ListHandle) run(stream provider.Stream, forget func()) {
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
				forget()
				if h.finish(StateErrored, err) {
					h.logger.Warn("list stream terminated", "error", err)
				}
				return
			}
			if ev, reload := h.classify(c); reload {
				send(h.handle, h.events, ev)
			}
		}
	}
}

// classify decides whether a change requires reloading a list.
func (h *ListHandle) classify(c provider.Change) (models.ListEvent, bool) {
	ev := models.ListEvent{Table: c.Table, Op: c.Op}

	switch c.Table {
	case models.TableChannels:
		ev.List = models.ListChannels
		if c.Op != models.OpUpdate {
			return ev, true
		}
		var cur, prev models.Channel
		if err := c.Decode(&cur); err != nil {
			h.logger.Warn("undecodable channel change", "error", err)
			return ev, false
		}
		hasOld, err := c.DecodeOld(&prev)
		if err != nil {
			h.logger.Warn("undecodable channel change", "error", err)
			return ev, false
		}
		// Without the previous row a rename cannot be ruled out.
		if hasOld && prev.Name == cur.Name {
			return ev, false
		}
		ev.Reason = "renamed"
		return ev, true

	case models.TableChannelMembers:
		ev.List = models.ListChannels
		var m models.ChannelMember
		if err := c.Decode(&m); err != nil {
			h.logger.Warn("undecodable membership change", "error", err)
			return ev, false
		}
		if m.UserID != h.self {
			return ev, false
		}
		ev.Reason = "membership"
		return ev, true

	case models.TableDMConversations:
		ev.List = models.ListDMs
		return ev, true
	}
	return ev, false
}

func (h *ListHandle) close() {
	h.finish(StateClosed, nil)
}
