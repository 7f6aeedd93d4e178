// Package view holds the consumer-side state a conversation screen renders:
// the ordered message list fed by realtime events and the displayed typing set.
package view

import (
	"slices"
	"sync"

	"chatter/internal/models"
)

// MessageList is the ordered message list of one conversation. Applying the
// same event twice leaves it unchanged.
type MessageList struct {
	key models.ConversationKey

	mu    sync.RWMutex
	order []string
	byID  map[string]*models.Message
}

func NewMessageList(key models.ConversationKey, initial ...models.Message) *MessageList {
	l := &MessageList{
		key:  key,
		byID: make(map[string]*models.Message, len(initial)),
	}
	for _, m := range initial {
		l.insertLocked(m)
	}
	return l
}

// Apply folds ev into the list and reports whether anything changed. Events of
// other conversations and reaction changes are ignored.
func (l *MessageList) Apply(ev models.Event) bool {
	if ev.Conversation != "" && ev.Conversation != l.key {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Kind {
	case models.EventNewMessage:
		if ev.Message == nil {
			return false
		}
		return l.insertLocked(*ev.Message)
	case models.EventMessageUpdated:
		m, ok := l.byID[ev.MessageID]
		if !ok || ev.Patch == nil {
			return false
		}
		applyPatch(m, ev.Patch)
		return true
	case models.EventMessageDeleted:
		if _, ok := l.byID[ev.MessageID]; !ok {
			return false
		}
		delete(l.byID, ev.MessageID)
		l.order = slices.DeleteFunc(l.order, func(id string) bool { return id == ev.MessageID })
		return true
	}
	return false
}

func (l *MessageList) insertLocked(m models.Message) bool {
	if _, ok := l.byID[m.ID]; ok {
		return false
	}
	msg := m
	l.byID[m.ID] = &msg
	l.order = append(l.order, m.ID)
	return true
}

// Messages returns a copy of the list in display order.
func (l *MessageList) Messages() []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Message, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, cloneMessage(l.byID[id]))
	}
	return out
}

func (l *MessageList) Get(id string) (models.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return cloneMessage(m), true
}

func (l *MessageList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

func applyPatch(m *models.Message, p *models.MessagePatch) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
	if p.Sender != nil {
		s := *p.Sender
		m.Sender = &s
	}
	if len(p.Attachments) > 0 {
		m.FileAttachments = MergeAttachments(m.FileAttachments, p.Attachments)
	}
	if len(p.RemovedAttachmentIDs) > 0 {
		m.FileAttachments = RemoveAttachments(m.FileAttachments, p.RemovedAttachmentIDs)
	}
}

// MergeAttachments merges incoming into existing by id: a known id is replaced
// in place and an unknown one is appended. Existing entries keep their order.
func MergeAttachments(existing, incoming []models.Attachment) []models.Attachment {
	out := slices.Clone(existing)
	for _, a := range incoming {
		if i := slices.IndexFunc(out, func(e models.Attachment) bool { return e.ID == a.ID }); i >= 0 {
			out[i] = a
			continue
		}
		out = append(out, a)
	}
	return out
}

// RemoveAttachments drops the attachments whose id is listed.
func RemoveAttachments(existing []models.Attachment, ids []string) []models.Attachment {
	return slices.DeleteFunc(slices.Clone(existing), func(a models.Attachment) bool {
		return slices.Contains(ids, a.ID)
	})
}

func cloneMessage(m *models.Message) models.Message {
	out := *m
	if m.Sender != nil {
		s := *m.Sender
		out.Sender = &s
	}
	out.FileAttachments = slices.Clone(m.FileAttachments)
	return out
}
