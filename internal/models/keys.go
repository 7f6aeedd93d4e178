package models

import (
	"fmt"
	"strings"
)

type ConversationKind string

const (
	KindChannel ConversationKind = "channel"
	KindDM      ConversationKind = "dm"
	KindThread  ConversationKind = "thread"
)

const typingPrefix = "typing:"

// ConversationKey identifies a message stream: "channel:<id>", "dm:<id>" or
// "thread:<parentMessageId>". The kind prefix keeps streams apart even when ids collide.
type ConversationKey string

func ChannelKey(id string) ConversationKey { return ConversationKey(string(KindChannel) + ":" + id) }
func DMKey(id string) ConversationKey      { return ConversationKey(string(KindDM) + ":" + id) }
func ThreadKey(id string) ConversationKey  { return ConversationKey(string(KindThread) + ":" + id) }

func ParseConversationKey(s string) (ConversationKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("%w: malformed %q", ErrInvalidKey, s)
	}
	switch ConversationKind(kind) {
	case KindChannel, KindDM, KindThread:
		return ConversationKey(s), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, kind)
}

func (k ConversationKey) Kind() ConversationKind {
	kind, _, _ := strings.Cut(string(k), ":")
	return ConversationKind(kind)
}

func (k ConversationKey) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

// TypingKey is the ephemeral presence topic used for typing indicators.
func (k ConversationKey) TypingKey() string {
	return typingPrefix + string(k)
}

func (k ConversationKey) String() string {
	return string(k)
}
