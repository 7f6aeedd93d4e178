package realtime

import (
	"context"
	"errors"
	"log/slog"

	"chatter/internal/bus"
	"chatter/internal/models"
	"chatter/internal/provider"

	"github.com/c-pro/geche"
)

// ReactionTopic is the bus topic on which reaction changes of a message are announced.
func ReactionTopic(messageID string) string {
	return "reactions:" + messageID
}

// reconciler turns raw changes of one conversation into normalized events.
// Lookups run as background work of the owning handle and deliver patches by id.
//
// Reaction and attachment rows carry no conversation, so they arrive for every
// message in the system. scopes remembers, per message id, whether the message
// belongs to key so each foreign message costs at most one lookup.
type reconciler struct {
	key     models.ConversationKey
	store   provider.Store
	bus     *bus.Bus[models.Event]
	senders *senderCache
	scopes  geche.Geche[string, bool]
	logger  *slog.Logger

	emit  func(models.Event) bool
	spawn func(func())
}

func messageBindings(key models.ConversationKey) []provider.Binding {
	var msgs provider.Binding
	switch key.Kind() {
	case models.KindChannel:
		msgs = provider.Binding{Table: models.TableMessages, Column: "channel_id", Value: key.ID()}
	case models.KindDM:
		msgs = provider.Binding{Table: models.TableMessages, Column: "dm_id", Value: key.ID()}
	case models.KindThread:
		msgs = provider.Binding{Table: models.TableMessages, Column: "parent_id", Value: key.ID()}
	}
	bindings := []provider.Binding{msgs}
	if key.Kind() == models.KindThread {
		// The thread view shows its root too.
		bindings = append(bindings, provider.Binding{Table: models.TableMessages, Column: "id", Value: key.ID()})
	}
	return append(bindings,
		provider.Binding{Table: models.TableReactions},
		provider.Binding{Table: models.TableFileAttachments},
	)
}

func (r *reconciler) handle(ctx context.Context, c provider.Change) {
	switch c.Table {
	case models.TableMessages:
		r.message(ctx, c)
	case models.TableReactions:
		r.reaction(ctx, c)
	case models.TableFileAttachments:
		r.attachment(ctx, c)
	default:
		r.logger.Debug("ignoring change", "table", c.Table, "op", c.Op)
	}
}

func (r *reconciler) message(ctx context.Context, c provider.Change) {
	var m models.Message
	if err := c.Decode(&m); err != nil {
		r.logger.Warn("undecodable message change", "op", c.Op, "error", err)
		return
	}

	// Thread replies only reach the thread stream.
	if r.key.Kind() != models.KindThread && m.ThreadReply() {
		return
	}
	if scoped(m) && !m.BelongsTo(r.key) {
		r.logger.Debug("message outside conversation", "message_id", m.ID)
		r.scopes.Set(m.ID, false)
		return
	}
	if c.Op == models.OpDelete {
		_ = r.scopes.Del(m.ID)
	} else {
		r.scopes.Set(m.ID, true)
	}

	switch c.Op {
	case models.OpDelete:
		r.emit(models.Event{
			Kind:         models.EventMessageDeleted,
			Conversation: r.key,
			MessageID:    m.ID,
		})

	case models.OpInsert:
		resolve := false
		if m.Sender == nil {
			if u, ok := r.senders.get(m.UserID); ok {
				m.Sender = &u
			} else {
				m.Sender = models.PlaceholderSender(m.UserID)
				resolve = true
			}
		} else {
			r.senders.put(*m.Sender)
		}
		if !r.emit(models.Event{
			Kind:         models.EventNewMessage,
			Conversation: r.key,
			MessageID:    m.ID,
			Message:      &m,
		}) {
			return
		}
		if resolve {
			r.resolveSender(ctx, m.ID, m.UserID)
		}

	case models.OpUpdate:
		content, updatedAt := m.Content, m.UpdatedAt
		patch := &models.MessagePatch{Content: &content, UpdatedAt: &updatedAt}
		// A placeholder is never sent in an update: it would regress a resolved sender.
		resolve := false
		if m.Sender != nil {
			patch.Sender = m.Sender
			r.senders.put(*m.Sender)
		} else if u, ok := r.senders.get(m.UserID); ok {
			patch.Sender = &u
		} else {
			resolve = true
		}
		if !r.emit(models.Event{
			Kind:         models.EventMessageUpdated,
			Conversation: r.key,
			MessageID:    m.ID,
			Patch:        patch,
		}) {
			return
		}
		if resolve {
			r.resolveSender(ctx, m.ID, m.UserID)
		}
	}
}

// resolveSender fetches the sender in the background and emits a sender-only patch.
func (r *reconciler) resolveSender(ctx context.Context, messageID, userID string) {
	r.spawn(func() {
		u, err := r.senders.fetch(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("sender lookup failed", "message_id", messageID, "user_id", userID, "error", err)
			}
			return
		}
		r.emit(models.Event{
			Kind:         models.EventMessageUpdated,
			Conversation: r.key,
			MessageID:    messageID,
			Patch:        &models.MessagePatch{Sender: &u},
		})
	})
}

// reaction announces the change on the bus so the owner of the message's
// reaction set re-fetches it. The message stream itself is not touched, and
// reactions on messages of other conversations are dropped.
func (r *reconciler) reaction(ctx context.Context, c provider.Change) {
	var rx models.Reaction
	if err := c.Decode(&rx); err != nil {
		r.logger.Warn("undecodable reaction change", "op", c.Op, "error", err)
		return
	}
	if rx.MessageID == "" {
		return
	}
	ev := models.Event{
		Kind:         models.EventReactionChange,
		Conversation: r.key,
		MessageID:    rx.MessageID,
		Reaction: &models.ReactionDelta{
			MessageID: rx.MessageID,
			Op:        c.Op,
			Reaction:  rx,
		},
	}
	if in, known := r.cachedScope(rx.MessageID); known {
		if in {
			r.bus.Emit(ReactionTopic(rx.MessageID), ev)
		}
		return
	}
	r.spawn(func() {
		if r.inScope(ctx, rx.MessageID) {
			r.bus.Emit(ReactionTopic(rx.MessageID), ev)
		}
	})
}

func (r *reconciler) cachedScope(messageID string) (in, known bool) {
	in, err := r.scopes.Get(messageID)
	return in, err == nil
}

// inScope reports whether messageID belongs to the conversation, asking the
// store only when the answer is not cached. Messages that cannot be found are
// out of scope.
func (r *reconciler) inScope(ctx context.Context, messageID string) bool {
	if in, known := r.cachedScope(messageID); known {
		return in
	}
	m, err := r.store.GetMessage(ctx, messageID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return false
	case err != nil:
		if ctx.Err() == nil {
			r.logger.Warn("message scope lookup failed", "message_id", messageID, "error", err)
		}
		return false
	}
	in := m.BelongsTo(r.key)
	r.scopes.Set(messageID, in)
	return in
}

func (r *reconciler) attachment(ctx context.Context, c provider.Change) {
	var fa models.FileAttachment
	if err := c.Decode(&fa); err != nil {
		r.logger.Warn("undecodable attachment change", "op", c.Op, "error", err)
		return
	}
	// A message never changes conversation, so a cached miss needs no lookup.
	if in, known := r.cachedScope(fa.MessageID); known && !in {
		return
	}
	if c.Op == models.OpDelete {
		r.spawn(func() { r.attachmentDeleted(ctx, fa) })
		return
	}
	r.spawn(func() { r.attachmentUpserted(ctx, fa) })
}

func (r *reconciler) attachmentDeleted(ctx context.Context, fa models.FileAttachment) {
	parent, err := r.store.GetMessage(ctx, fa.MessageID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		// The parent went away concurrently; nothing left to patch.
		r.logger.Debug("attachment parent not found", "attachment_id", fa.ID, "message_id", fa.MessageID)
		return
	case err != nil:
		if ctx.Err() == nil {
			r.logger.Warn("attachment parent lookup failed", "attachment_id", fa.ID, "error", err)
		}
		return
	}
	in := parent.BelongsTo(r.key)
	r.scopes.Set(parent.ID, in)
	if !in {
		return
	}
	r.emit(models.Event{
		Kind:         models.EventMessageUpdated,
		Conversation: r.key,
		MessageID:    fa.MessageID,
		Patch: &models.MessagePatch{
			Attachments:          []models.Attachment{},
			RemovedAttachmentIDs: []string{fa.ID},
		},
	})
}

func (r *reconciler) attachmentUpserted(ctx context.Context, fa models.FileAttachment) {
	detail, err := r.store.GetAttachment(ctx, fa.ID)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("attachment lookup failed", "attachment_id", fa.ID, "error", err)
		}
		return
	}
	if !detail.Complete() {
		r.logger.Warn("attachment missing joined data", "attachment_id", fa.ID,
			"has_file", detail.File != nil, "has_message", detail.Message != nil)
		return
	}
	in := detail.Message.BelongsTo(r.key)
	r.scopes.Set(detail.MessageID, in)
	if !in {
		return
	}
	r.senders.put(*detail.Message.Sender)
	r.emit(models.Event{
		Kind:         models.EventMessageUpdated,
		Conversation: r.key,
		MessageID:    detail.MessageID,
		Patch: &models.MessagePatch{
			Attachments: []models.Attachment{detail.View()},
		},
	})
}

// scoped reports whether the row carries enough fields to check its conversation.
// Delete notifications may only carry the primary key.
func scoped(m models.Message) bool {
	return m.ChannelID != "" || m.DMID != "" || m.ParentID != ""
}
