// Package provider declares the boundary between the realtime orchestration layer
// and the services it consumes: the data store with its change feed, the ephemeral
// presence broadcast used for typing indicators, the presence update endpoint and
// the auth token accessor.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"chatter/internal/models"
)

// Binding selects the rows of one table whose changes a stream delivers.
// An empty Column matches every row of Table.
type Binding struct {
	Table  models.Table `json:"table"`
	Column string       `json:"column,omitempty"`
	Value  string       `json:"value,omitempty"`
}

func (b Binding) String() string {
	if b.Column == "" {
		return string(b.Table)
	}
	return fmt.Sprintf("%s:%s=eq.%s", b.Table, b.Column, b.Value)
}

// Change is a raw row-level notification. New is empty for deletes, Old for inserts.
type Change struct {
	Table models.Table    `json:"table"`
	Op    models.Op       `json:"op"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Decode unmarshals the new row, or the old one for deletes.
func (c Change) Decode(v any) error {
	raw := c.New
	if c.Op == models.OpDelete || len(raw) == 0 {
		raw = c.Old
	}
	if len(raw) == 0 {
		return fmt.Errorf("%s %s change carries no row", c.Op, c.Table)
	}
	return json.Unmarshal(raw, v)
}

// DecodeOld unmarshals the previous row. It returns false when the change has none.
func (c Change) DecodeOld(v any) (bool, error) {
	if len(c.Old) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(c.Old, v)
}

// Stream is one live subscription. Changes is closed when the stream terminates;
// Err then reports why (nil after a regular Close).
type Stream interface {
	Changes() <-chan Change
	Err() error
	Close() error
}

// Store is the remote data store: a change feed plus the lookups the
// orchestration layer needs.
type Store interface {
	Subscribe(ctx context.Context, topic string, bindings ...Binding) (Stream, error)

	GetUser(ctx context.Context, id string) (models.User, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	// GetAttachment returns the attachment joined with its file and its message (sender included).
	GetAttachment(ctx context.Context, id string) (models.AttachmentDetail, error)
	// ChannelPeers returns the users sharing a channel with userID.
	ChannelPeers(ctx context.Context, userID string) ([]models.User, error)
	// DMPeers returns the other parties of userID's direct conversations.
	DMPeers(ctx context.Context, userID string) ([]models.User, error)
}

type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceMeta is the state a member tracks on an ephemeral presence channel.
type PresenceMeta struct {
	Key      string `json:"key"`
	UserID   string `json:"id"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceEvent carries the full member set for sync, or the changed members
// for join and leave.
type PresenceEvent struct {
	Kind  PresenceEventKind `json:"kind"`
	Metas []PresenceMeta    `json:"metas"`
}

// PresenceChannel is an ephemeral membership broadcast on one topic.
type PresenceChannel interface {
	Join(ctx context.Context, meta PresenceMeta) error
	Leave(ctx context.Context) error
	Events() <-chan PresenceEvent
	Close() error
}

// Ephemeral opens presence channels.
type Ephemeral interface {
	OpenPresence(ctx context.Context, topic string) (PresenceChannel, error)
}

// PresenceUpdater publishes the authenticated user's own status.
type PresenceUpdater interface {
	UpdatePresence(ctx context.Context, token string, status models.Presence) error
}

// TokenSource returns the current bearer token, or "" when there is none.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a plain function to TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }
