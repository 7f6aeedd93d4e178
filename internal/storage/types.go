package storage

import (
	"encoding"
	"time"

	"chatter/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID        string `msgpack:"id"`
	Username  string `msgpack:"username"`
	AvatarURL string `msgpack:"avatarUrl"`
	Status    string `msgpack:"status"`
	LastSeen  int64  `msgpack:"lastSeen"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) Model() models.User {
	return models.User{
		ID:        u.ID,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
		Status:    models.Presence(u.Status),
		LastSeen:  fromUnix(u.LastSeen),
	}
}

func dbUser(u models.User) *DBUser {
	return &DBUser{
		ID:        u.ID,
		Username:  u.Username,
		AvatarURL: u.AvatarURL,
		Status:    string(u.Status),
		LastSeen:  toUnix(u.LastSeen),
	}
}

type DBChannel struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	CreatedBy string `msgpack:"createdBy"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (c *DBChannel) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChannel) MarshalBinary() (data []byte, err error) {
	type alias DBChannel
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChannel) UnmarshalBinary(data []byte) error {
	type alias DBChannel
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBChannel) Model() models.Channel {
	return models.Channel{ID: c.ID, Name: c.Name, CreatedBy: c.CreatedBy, CreatedAt: fromUnix(c.CreatedAt)}
}

type DBMember struct {
	ChannelID string `msgpack:"channelId"`
	UserID    string `msgpack:"userId"`
	JoinedAt  int64  `msgpack:"joinedAt"`
}

// Key groups the members of a channel under a common prefix.
func (m *DBMember) Key() []byte {
	return memberKey(m.ChannelID, m.UserID)
}

func memberKey(channelID, userID string) []byte {
	return []byte(channelID + "/" + userID)
}

func (m *DBMember) MarshalBinary() (data []byte, err error) {
	type alias DBMember
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMember) UnmarshalBinary(data []byte) error {
	type alias DBMember
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMember) Model() models.ChannelMember {
	return models.ChannelMember{ChannelID: m.ChannelID, UserID: m.UserID, JoinedAt: fromUnix(m.JoinedAt)}
}

type DBDM struct {
	ID        string `msgpack:"id"`
	User1ID   string `msgpack:"user1Id"`
	User2ID   string `msgpack:"user2Id"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (d *DBDM) Key() []byte {
	return []byte(d.ID)
}

func (d *DBDM) MarshalBinary() (data []byte, err error) {
	type alias DBDM
	return msgpack.Marshal((*alias)(d))
}

func (d *DBDM) UnmarshalBinary(data []byte) error {
	type alias DBDM
	return msgpack.Unmarshal(data, (*alias)(d))
}

func (d *DBDM) Model() models.DMConversation {
	return models.DMConversation{ID: d.ID, User1ID: d.User1ID, User2ID: d.User2ID, CreatedAt: fromUnix(d.CreatedAt)}
}

type DBMessage struct {
	ID        string `msgpack:"id"`
	ChannelID string `msgpack:"channelId"`
	DMID      string `msgpack:"dmId"`
	ParentID  string `msgpack:"parentId"`
	UserID    string `msgpack:"userId"`
	Content   string `msgpack:"content"`
	CreatedAt int64  `msgpack:"createdAt"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// Model returns the bare row; sender and attachments are joined by the caller.
func (m *DBMessage) Model() models.Message {
	return models.Message{
		ID:            m.ID,
		ChannelID:     m.ChannelID,
		DMID:          m.DMID,
		ParentID:      m.ParentID,
		IsThreadReply: m.ParentID != "",
		UserID:        m.UserID,
		Content:       m.Content,
		CreatedAt:     fromUnix(m.CreatedAt),
		UpdatedAt:     fromUnix(m.UpdatedAt),
	}
}

type DBReaction struct {
	ID        string `msgpack:"id"`
	MessageID string `msgpack:"messageId"`
	UserID    string `msgpack:"userId"`
	Emoji     string `msgpack:"emoji"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (r *DBReaction) Key() []byte {
	return []byte(r.ID)
}

func (r *DBReaction) MarshalBinary() (data []byte, err error) {
	type alias DBReaction
	return msgpack.Marshal((*alias)(r))
}

func (r *DBReaction) UnmarshalBinary(data []byte) error {
	type alias DBReaction
	return msgpack.Unmarshal(data, (*alias)(r))
}

func (r *DBReaction) Model() models.Reaction {
	return models.Reaction{ID: r.ID, MessageID: r.MessageID, UserID: r.UserID, Emoji: r.Emoji, CreatedAt: fromUnix(r.CreatedAt)}
}

type DBAttachment struct {
	ID        string `msgpack:"id"`
	MessageID string `msgpack:"messageId"`
	FileID    string `msgpack:"fileId"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (a *DBAttachment) Key() []byte {
	return []byte(a.ID)
}

func (a *DBAttachment) MarshalBinary() (data []byte, err error) {
	type alias DBAttachment
	return msgpack.Marshal((*alias)(a))
}

func (a *DBAttachment) UnmarshalBinary(data []byte) error {
	type alias DBAttachment
	return msgpack.Unmarshal(data, (*alias)(a))
}

func (a *DBAttachment) Model() models.FileAttachment {
	return models.FileAttachment{ID: a.ID, MessageID: a.MessageID, FileID: a.FileID, CreatedAt: fromUnix(a.CreatedAt)}
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnix(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
