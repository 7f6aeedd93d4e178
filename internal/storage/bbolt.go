package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chatter/internal/models"
	"chatter/internal/provider"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers       = []byte("users")
	bucketChannels    = []byte("channels")
	bucketMembers     = []byte("channel_members")
	bucketDMs         = []byte("dm_conversations")
	bucketMessages    = []byte("messages")
	bucketReactions   = []byte("reactions")
	bucketFiles       = []byte("files")
	bucketAttachments = []byte("file_attachments")
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUserExists     = errors.New("user already exists")
)

// BboltStorage persists the chat tables and announces every committed row
// change on its Feed.
type BboltStorage struct {
	db   *bbolt.DB
	feed *Feed
	now  func() time.Time
}

func NewBboltStorage(path string, feed *Feed) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{
			bucketUsers, bucketChannels, bucketMembers, bucketDMs,
			bucketMessages, bucketReactions, bucketFiles, bucketAttachments,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	if feed == nil {
		feed = NewFeed(0, nil)
	}
	return &BboltStorage{db: db, feed: feed, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *BboltStorage) Close() error {
	s.feed.Close()
	return s.db.Close()
}

func (s *BboltStorage) Feed() *Feed { return s.feed }

// stage publishes a row change once tx commits.
func (s *BboltStorage) stage(tx *bbolt.Tx, table models.Table, op models.Op, newRow, oldRow any) error {
	c := provider.Change{Table: table, Op: op}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			return err
		}
		c.New = raw
	}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			return err
		}
		c.Old = raw
	}
	tx.OnCommit(func() { s.feed.Publish(c) })
	return nil
}

func put(tx *bbolt.Tx, bucket []byte, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(v.Key(), data)
}

func get(tx *bbolt.Tx, bucket, key []byte, v Storeable) error {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return models.ErrNotFound
	}
	return v.UnmarshalBinary(data)
}

func newID() string {
	return uuid.NewString()
}

// Users.

func (s *BboltStorage) CreateUser(username string) (models.User, error) {
	u := models.User{ID: newID(), Username: username, Status: models.PresenceOffline}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		taken := false
		err := tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var existing DBUser
			if err := existing.UnmarshalBinary(v); err != nil {
				return err
			}
			if strings.EqualFold(existing.Username, username) {
				taken = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %q", ErrUserExists, username)
		}
		if err := put(tx, bucketUsers, dbUser(u)); err != nil {
			return err
		}
		return s.stage(tx, models.TableUsers, models.OpInsert, u, nil)
	})
	return u, err
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var u DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx, bucketUsers, []byte(id), &u)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("user %s: %w", id, err)
	}
	return u.Model(), nil
}

func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var u DBUser
			if err := u.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, u.Model())
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, err
}

// SetUserStatus records a published presence value and refreshes last seen.
func (s *BboltStorage) SetUserStatus(id string, status models.Presence) (models.User, error) {
	if !status.Valid() {
		return models.User{}, fmt.Errorf("%w: %q", models.ErrInvalidPresence, status)
	}
	var updated models.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var u DBUser
		if err := get(tx, bucketUsers, []byte(id), &u); err != nil {
			return fmt.Errorf("user %s: %w", id, err)
		}
		old := u.Model()
		u.Status = string(status)
		u.LastSeen = toUnix(s.now())
		if err := put(tx, bucketUsers, &u); err != nil {
			return err
		}
		updated = u.Model()
		return s.stage(tx, models.TableUsers, models.OpUpdate, updated, old)
	})
	return updated, err
}

// Channels and membership.

// CreateChannel creates a channel with its creator as the first member.
func (s *BboltStorage) CreateChannel(name, createdBy string) (models.Channel, error) {
	now := s.now()
	ch := &DBChannel{ID: newID(), Name: name, CreatedBy: createdBy, CreatedAt: toUnix(now)}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := put(tx, bucketChannels, ch); err != nil {
			return err
		}
		if err := s.stage(tx, models.TableChannels, models.OpInsert, ch.Model(), nil); err != nil {
			return err
		}
		if createdBy == "" {
			return nil
		}
		return s.addMember(tx, ch.ID, createdBy, now)
	})
	return ch.Model(), err
}

func (s *BboltStorage) GetChannel(id string) (models.Channel, error) {
	var ch DBChannel
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx, bucketChannels, []byte(id), &ch)
	})
	if err != nil {
		return models.Channel{}, fmt.Errorf("channel %s: %w", id, err)
	}
	return ch.Model(), nil
}

func (s *BboltStorage) RenameChannel(id, name string) (models.Channel, error) {
	var updated models.Channel
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var ch DBChannel
		if err := get(tx, bucketChannels, []byte(id), &ch); err != nil {
			return fmt.Errorf("channel %s: %w", id, err)
		}
		old := ch.Model()
		ch.Name = name
		if err := put(tx, bucketChannels, &ch); err != nil {
			return err
		}
		updated = ch.Model()
		return s.stage(tx, models.TableChannels, models.OpUpdate, updated, old)
	})
	return updated, err
}

// DeleteChannel removes the channel and its memberships.
func (s *BboltStorage) DeleteChannel(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var ch DBChannel
		if err := get(tx, bucketChannels, []byte(id), &ch); err != nil {
			return fmt.Errorf("channel %s: %w", id, err)
		}
		members, err := scanMembers(tx, id)
		if err != nil {
			return err
		}
		for _, m := range members {
			if err := tx.Bucket(bucketMembers).Delete(m.Key()); err != nil {
				return err
			}
			if err := s.stage(tx, models.TableChannelMembers, models.OpDelete, nil, m.Model()); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketChannels).Delete([]byte(id)); err != nil {
			return err
		}
		return s.stage(tx, models.TableChannels, models.OpDelete, nil, ch.Model())
	})
}

func (s *BboltStorage) AddMember(channelID, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var ch DBChannel
		if err := get(tx, bucketChannels, []byte(channelID), &ch); err != nil {
			return fmt.Errorf("channel %s: %w", channelID, err)
		}
		if tx.Bucket(bucketMembers).Get(memberKey(channelID, userID)) != nil {
			return nil
		}
		return s.addMember(tx, channelID, userID, s.now())
	})
}

func (s *BboltStorage) addMember(tx *bbolt.Tx, channelID, userID string, at time.Time) error {
	m := &DBMember{ChannelID: channelID, UserID: userID, JoinedAt: toUnix(at)}
	if err := put(tx, bucketMembers, m); err != nil {
		return err
	}
	return s.stage(tx, models.TableChannelMembers, models.OpInsert, m.Model(), nil)
}

func (s *BboltStorage) RemoveMember(channelID, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var m DBMember
		key := memberKey(channelID, userID)
		if err := get(tx, bucketMembers, key, &m); err != nil {
			return fmt.Errorf("member %s of %s: %w", userID, channelID, err)
		}
		if err := tx.Bucket(bucketMembers).Delete(key); err != nil {
			return err
		}
		return s.stage(tx, models.TableChannelMembers, models.OpDelete, nil, m.Model())
	})
}

func scanMembers(tx *bbolt.Tx, channelID string) ([]*DBMember, error) {
	var members []*DBMember
	prefix := []byte(channelID + "/")
	c := tx.Bucket(bucketMembers).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		m := &DBMember{}
		if err := m.UnmarshalBinary(v); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

func (s *BboltStorage) ListMembers(channelID string) ([]models.ChannelMember, error) {
	var out []models.ChannelMember
	err := s.db.View(func(tx *bbolt.Tx) error {
		members, err := scanMembers(tx, channelID)
		for _, m := range members {
			out = append(out, m.Model())
		}
		return err
	})
	return out, err
}

// ListChannels returns the channels userID is a member of, ordered by name.
func (s *BboltStorage) ListChannels(userID string) ([]models.Channel, error) {
	var channels []models.Channel
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMembers).ForEach(func(_, v []byte) error {
			var m DBMember
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			if m.UserID != userID {
				return nil
			}
			var ch DBChannel
			if err := get(tx, bucketChannels, []byte(m.ChannelID), &ch); err != nil {
				if errors.Is(err, models.ErrNotFound) {
					return nil
				}
				return err
			}
			channels = append(channels, ch.Model())
			return nil
		})
	})
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	return channels, err
}

// Direct messages.

// CreateDM returns the conversation between the two users, creating it if needed.
func (s *BboltStorage) CreateDM(user1, user2 string) (models.DMConversation, error) {
	var dm models.DMConversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		found := false
		err := tx.Bucket(bucketDMs).ForEach(func(_, v []byte) error {
			var d DBDM
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			m := d.Model()
			if m.Has(user1) && m.Has(user2) {
				dm, found = m, true
			}
			return nil
		})
		if err != nil || found {
			return err
		}
		d := &DBDM{ID: newID(), User1ID: user1, User2ID: user2, CreatedAt: toUnix(s.now())}
		if err := put(tx, bucketDMs, d); err != nil {
			return err
		}
		dm = d.Model()
		return s.stage(tx, models.TableDMConversations, models.OpInsert, dm, nil)
	})
	return dm, err
}

func (s *BboltStorage) ListDMs(userID string) ([]models.DMConversation, error) {
	var dms []models.DMConversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDMs).ForEach(func(_, v []byte) error {
			var d DBDM
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			if m := d.Model(); m.Has(userID) {
				dms = append(dms, m)
			}
			return nil
		})
	})
	sort.Slice(dms, func(i, j int) bool { return dms[i].CreatedAt.Before(dms[j].CreatedAt) })
	return dms, err
}

// Messages.

// PostMessage stores a new message. A reply inherits the conversation of its
// parent; otherwise exactly one of ChannelID and DMID must be set.
func (s *BboltStorage) PostMessage(msg models.Message) (models.Message, error) {
	var stored models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		row := &DBMessage{
			ID:        newID(),
			ChannelID: msg.ChannelID,
			DMID:      msg.DMID,
			ParentID:  msg.ParentID,
			UserID:    msg.UserID,
			Content:   msg.Content,
		}
		if row.ParentID != "" {
			var parent DBMessage
			if err := get(tx, bucketMessages, []byte(row.ParentID), &parent); err != nil {
				return fmt.Errorf("parent message %s: %w", row.ParentID, err)
			}
			if parent.ParentID != "" {
				return fmt.Errorf("%w: replies cannot be nested", ErrInvalidMessage)
			}
			row.ChannelID, row.DMID = parent.ChannelID, parent.DMID
		}
		if (row.ChannelID == "") == (row.DMID == "") {
			return fmt.Errorf("%w: exactly one of channel and dm must be set", ErrInvalidMessage)
		}
		now := toUnix(s.now())
		row.CreatedAt, row.UpdatedAt = now, now

		if err := put(tx, bucketMessages, row); err != nil {
			return err
		}
		stored = row.Model()
		return s.stage(tx, models.TableMessages, models.OpInsert, stored, nil)
	})
	return stored, err
}

func (s *BboltStorage) EditMessage(id, content string) (models.Message, error) {
	var updated models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var row DBMessage
		if err := get(tx, bucketMessages, []byte(id), &row); err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		old := row.Model()
		row.Content = content
		row.UpdatedAt = toUnix(s.now())
		if err := put(tx, bucketMessages, &row); err != nil {
			return err
		}
		updated = row.Model()
		return s.stage(tx, models.TableMessages, models.OpUpdate, updated, old)
	})
	return updated, err
}

// DeleteMessage removes a message together with its reactions and attachments.
func (s *BboltStorage) DeleteMessage(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var row DBMessage
		if err := get(tx, bucketMessages, []byte(id), &row); err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		if err := tx.Bucket(bucketMessages).Delete([]byte(id)); err != nil {
			return err
		}
		if err := s.stage(tx, models.TableMessages, models.OpDelete, nil, row.Model()); err != nil {
			return err
		}

		var reactions []*DBReaction
		err := tx.Bucket(bucketReactions).ForEach(func(_, v []byte) error {
			r := &DBReaction{}
			if err := r.UnmarshalBinary(v); err != nil {
				return err
			}
			if r.MessageID == id {
				reactions = append(reactions, r)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, r := range reactions {
			if err := tx.Bucket(bucketReactions).Delete(r.Key()); err != nil {
				return err
			}
			if err := s.stage(tx, models.TableReactions, models.OpDelete, nil, r.Model()); err != nil {
				return err
			}
		}

		attachments, err := scanAttachments(tx, id)
		if err != nil {
			return err
		}
		for _, a := range attachments {
			if err := tx.Bucket(bucketAttachments).Delete(a.Key()); err != nil {
				return err
			}
			if err := s.stage(tx, models.TableFileAttachments, models.OpDelete, nil, a.Model()); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMessage returns the message joined with its sender and attachments.
func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		var row DBMessage
		if err := get(tx, bucketMessages, []byte(id), &row); err != nil {
			return err
		}
		var err error
		msg, err = joinMessage(tx, &row)
		return err
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	return msg, nil
}

// ListMessages returns the messages shown on the conversation key, oldest first.
func (s *BboltStorage) ListMessages(key models.ConversationKey) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var row DBMessage
			if err := row.UnmarshalBinary(v); err != nil {
				return err
			}
			if !row.Model().BelongsTo(key) {
				return nil
			}
			msg, err := joinMessage(tx, &row)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
			return nil
		})
	})
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].CreatedAt.Before(messages[j].CreatedAt) })
	return messages, err
}

func joinMessage(tx *bbolt.Tx, row *DBMessage) (models.Message, error) {
	msg := row.Model()
	var u DBUser
	switch err := get(tx, bucketUsers, []byte(row.UserID), &u); {
	case err == nil:
		sender := u.Model()
		msg.Sender = &sender
	case !errors.Is(err, models.ErrNotFound):
		return models.Message{}, err
	}

	attachments, err := scanAttachments(tx, row.ID)
	if err != nil {
		return models.Message{}, err
	}
	for _, a := range attachments {
		detail := models.AttachmentDetail{FileAttachment: a.Model()}
		var f FileMetadata
		if err := get(tx, bucketFiles, []byte(a.FileID), &f); err == nil {
			file := f.Model()
			detail.File = &file
		}
		msg.FileAttachments = append(msg.FileAttachments, detail.View())
	}
	return msg, nil
}

// Reactions.

// ToggleReaction adds the reaction of userID, or removes it if it exists. It
// reports whether the reaction is now present.
func (s *BboltStorage) ToggleReaction(messageID, userID, emoji string) (bool, error) {
	added := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var msg DBMessage
		if err := get(tx, bucketMessages, []byte(messageID), &msg); err != nil {
			return fmt.Errorf("message %s: %w", messageID, err)
		}
		var existing *DBReaction
		err := tx.Bucket(bucketReactions).ForEach(func(_, v []byte) error {
			r := &DBReaction{}
			if err := r.UnmarshalBinary(v); err != nil {
				return err
			}
			if r.MessageID == messageID && r.UserID == userID && r.Emoji == emoji {
				existing = r
			}
			return nil
		})
		if err != nil {
			return err
		}
		if existing != nil {
			if err := tx.Bucket(bucketReactions).Delete(existing.Key()); err != nil {
				return err
			}
			return s.stage(tx, models.TableReactions, models.OpDelete, nil, existing.Model())
		}
		r := &DBReaction{ID: newID(), MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: toUnix(s.now())}
		if err := put(tx, bucketReactions, r); err != nil {
			return err
		}
		added = true
		return s.stage(tx, models.TableReactions, models.OpInsert, r.Model(), nil)
	})
	return added, err
}

func (s *BboltStorage) ListReactions(messageID string) ([]models.Reaction, error) {
	var out []models.Reaction
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReactions).ForEach(func(_, v []byte) error {
			var r DBReaction
			if err := r.UnmarshalBinary(v); err != nil {
				return err
			}
			if r.MessageID == messageID {
				out = append(out, r.Model())
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// Attachments.

func (s *BboltStorage) AttachFile(messageID, fileID string) (models.FileAttachment, error) {
	a := &DBAttachment{ID: newID(), MessageID: messageID, FileID: fileID, CreatedAt: toUnix(s.now())}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var msg DBMessage
		if err := get(tx, bucketMessages, []byte(messageID), &msg); err != nil {
			return fmt.Errorf("message %s: %w", messageID, err)
		}
		var f FileMetadata
		if err := get(tx, bucketFiles, []byte(fileID), &f); err != nil {
			return fmt.Errorf("file %s: %w", fileID, err)
		}
		if err := put(tx, bucketAttachments, a); err != nil {
			return err
		}
		return s.stage(tx, models.TableFileAttachments, models.OpInsert, a.Model(), nil)
	})
	return a.Model(), err
}

func (s *BboltStorage) DeleteAttachment(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var a DBAttachment
		if err := get(tx, bucketAttachments, []byte(id), &a); err != nil {
			return fmt.Errorf("attachment %s: %w", id, err)
		}
		if err := tx.Bucket(bucketAttachments).Delete([]byte(id)); err != nil {
			return err
		}
		return s.stage(tx, models.TableFileAttachments, models.OpDelete, nil, a.Model())
	})
}

// GetAttachment returns the attachment joined with its file and its message.
// Joined parts that no longer exist are left nil.
func (s *BboltStorage) GetAttachment(id string) (models.AttachmentDetail, error) {
	var detail models.AttachmentDetail
	err := s.db.View(func(tx *bbolt.Tx) error {
		var a DBAttachment
		if err := get(tx, bucketAttachments, []byte(id), &a); err != nil {
			return err
		}
		detail.FileAttachment = a.Model()

		var f FileMetadata
		if err := get(tx, bucketFiles, []byte(a.FileID), &f); err == nil {
			file := f.Model()
			detail.File = &file
		}
		var row DBMessage
		if err := get(tx, bucketMessages, []byte(a.MessageID), &row); err == nil {
			msg, err := joinMessage(tx, &row)
			if err != nil {
				return err
			}
			detail.Message = &msg
		}
		return nil
	})
	if err != nil {
		return models.AttachmentDetail{}, fmt.Errorf("attachment %s: %w", id, err)
	}
	return detail, nil
}

func scanAttachments(tx *bbolt.Tx, messageID string) ([]*DBAttachment, error) {
	var out []*DBAttachment
	err := tx.Bucket(bucketAttachments).ForEach(func(_, v []byte) error {
		a := &DBAttachment{}
		if err := a.UnmarshalBinary(v); err != nil {
			return err
		}
		if a.MessageID == messageID {
			out = append(out, a)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, err
}

// Peers.

// ChannelPeers returns the users sharing at least one channel with userID.
func (s *BboltStorage) ChannelPeers(userID string) ([]models.User, error) {
	var peers []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		mine := make(map[string]bool)
		var all []DBMember
		err := tx.Bucket(bucketMembers).ForEach(func(_, v []byte) error {
			var m DBMember
			if err := m.UnmarshalBinary(v); err != nil {
				return err
			}
			if m.UserID == userID {
				mine[m.ChannelID] = true
			}
			all = append(all, m)
			return nil
		})
		if err != nil {
			return err
		}
		ids := make(map[string]bool)
		for _, m := range all {
			if mine[m.ChannelID] && m.UserID != userID {
				ids[m.UserID] = true
			}
		}
		peers, err = loadUsers(tx, ids)
		return err
	})
	return peers, err
}

// DMPeers returns the other party of every direct conversation of userID.
func (s *BboltStorage) DMPeers(userID string) ([]models.User, error) {
	var peers []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids := make(map[string]bool)
		err := tx.Bucket(bucketDMs).ForEach(func(_, v []byte) error {
			var d DBDM
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			switch userID {
			case d.User1ID:
				ids[d.User2ID] = true
			case d.User2ID:
				ids[d.User1ID] = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		delete(ids, userID)
		peers, err = loadUsers(tx, ids)
		return err
	})
	return peers, err
}

func loadUsers(tx *bbolt.Tx, ids map[string]bool) ([]models.User, error) {
	users := make([]models.User, 0, len(ids))
	for id := range ids {
		var u DBUser
		if err := get(tx, bucketUsers, []byte(id), &u); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		users = append(users, u.Model())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}
