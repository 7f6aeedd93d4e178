package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidPresence = errors.New("invalid presence value")
	ErrClosed          = errors.New("closed")
	ErrInvalidKey      = errors.New("invalid conversation key")
)

// PlaceholderUsername is shown for a sender whose profile has not been fetched yet.
const PlaceholderUsername = "Loading..."

// Presence is the online status a user publishes about themselves.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceIdle    Presence = "idle"
	PresenceOffline Presence = "offline"
)

func (p Presence) Valid() bool {
	switch p {
	case PresenceOnline, PresenceIdle, PresenceOffline:
		return true
	}
	return false
}

func ParsePresence(s string) (Presence, error) {
	p := Presence(s)
	if !p.Valid() {
		return "", ErrInvalidPresence
	}
	return p, nil
}

// User represents a user in the system.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Status    Presence  `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
}

// PlaceholderSender stands in for a sender until the real profile is known.
func PlaceholderSender(userID string) *User {
	return &User{ID: userID, Username: PlaceholderUsername}
}

type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type ChannelMember struct {
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

// DMConversation is a two-party direct message conversation.
type DMConversation struct {
	ID        string    `json:"id"`
	User1ID   string    `json:"user1_id"`
	User2ID   string    `json:"user2_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (d DMConversation) Has(userID string) bool {
	return d.User1ID == userID || d.User2ID == userID
}

// Message represents a chat message. Exactly one of ChannelID and DMID is set.
// Thread replies additionally carry the id of the message they reply to.
type Message struct {
	ID              string       `json:"id"`
	ChannelID       string       `json:"channel_id,omitempty"`
	DMID            string       `json:"dm_id,omitempty"`
	ParentID        string       `json:"parent_id,omitempty"`
	IsThreadReply   bool         `json:"is_thread_reply,omitempty"`
	UserID          string       `json:"user_id"`
	Content         string       `json:"content"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Sender          *User        `json:"sender,omitempty"`
	FileAttachments []Attachment `json:"file_attachments,omitempty"`
}

func (m Message) ThreadReply() bool {
	return m.IsThreadReply || m.ParentID != ""
}

// ConversationKey returns the stream the message is shown in.
func (m Message) ConversationKey() ConversationKey {
	switch {
	case m.ThreadReply():
		return ThreadKey(m.ParentID)
	case m.DMID != "":
		return DMKey(m.DMID)
	default:
		return ChannelKey(m.ChannelID)
	}
}

// BelongsTo reports whether the message is visible on the stream keyed by k.
// A thread stream shows its root message as well as the replies.
func (m Message) BelongsTo(k ConversationKey) bool {
	switch k.Kind() {
	case KindThread:
		return m.ParentID == k.ID() || m.ID == k.ID()
	case KindDM:
		return !m.ThreadReply() && m.DMID == k.ID()
	case KindChannel:
		return !m.ThreadReply() && m.ChannelID == k.ID()
	}
	return false
}

type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type File struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// FileAttachment links a stored file to a message.
type FileAttachment struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	FileID    string    `json:"file_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AttachmentDetail is a FileAttachment joined with its file and its message (sender included).
type AttachmentDetail struct {
	FileAttachment
	File    *File    `json:"file,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// Complete reports whether the joined file and message data are present.
func (d AttachmentDetail) Complete() bool {
	return d.File != nil && d.Message != nil && d.Message.Sender != nil
}

// View flattens the detail into the form held by a message view.
func (d AttachmentDetail) View() Attachment {
	a := Attachment{
		ID:        d.ID,
		MessageID: d.MessageID,
		FileID:    d.FileID,
	}
	if d.File != nil {
		a.Name = d.File.Name
		a.MimeType = d.File.MimeType
		a.Size = d.File.Size
	}
	return a
}

// Attachment is the message-view representation of an attached file.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	FileID    string `json:"file_id"`
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
}

// Typist is a user currently typing in a conversation.
type Typist struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
}
