package models

import "time"

// Table names of the entities that produce change notifications.
type Table string

const (
	TableUsers           Table = "users"
	TableChannels        Table = "channels"
	TableChannelMembers  Table = "channel_members"
	TableDMConversations Table = "dm_conversations"
	TableMessages        Table = "messages"
	TableReactions       Table = "reactions"
	TableFiles           Table = "files"
	TableFileAttachments Table = "file_attachments"
)

type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

type EventKind string

const (
	EventNewMessage     EventKind = "new_message"
	EventMessageUpdated EventKind = "message_updated"
	EventMessageDeleted EventKind = "message_deleted"
	EventReactionChange EventKind = "reaction_change"
)

// MessagePatch carries only the sub-fields of a message that changed.
// Nil fields are untouched. Attachments are merged by id, never replaced wholesale.
type MessagePatch struct {
	Content              *string      `json:"content,omitempty"`
	UpdatedAt            *time.Time   `json:"updated_at,omitempty"`
	Sender               *User        `json:"sender,omitempty"`
	Attachments          []Attachment `json:"file_attachments,omitempty"`
	RemovedAttachmentIDs []string     `json:"removed_attachment_ids,omitempty"`
}

type ReactionDelta struct {
	MessageID string   `json:"message_id"`
	Op        Op       `json:"op"`
	Reaction  Reaction `json:"reaction"`
}

// Event is the normalized form of a change delivered to a conversation view.
type Event struct {
	Kind         EventKind       `json:"kind"`
	Conversation ConversationKey `json:"conversation"`
	MessageID    string          `json:"message_id"`
	Message      *Message        `json:"message,omitempty"`
	Patch        *MessagePatch   `json:"patch,omitempty"`
	Reaction     *ReactionDelta  `json:"reaction,omitempty"`
}

// ListKind names a list that a ListEvent asks the consumer to reload.
type ListKind string

const (
	ListChannels ListKind = "channels"
	ListDMs      ListKind = "dms"
)

type ListEvent struct {
	List   ListKind `json:"list"`
	Table  Table    `json:"table"`
	Op     Op       `json:"op"`
	Reason string   `json:"reason,omitempty"`
}

// UserPresence is a change of a user's published status.
type UserPresence struct {
	UserID   string    `json:"user_id"`
	Status   Presence  `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}
