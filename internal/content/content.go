package content

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxMessageLength     = 4000
	MaxChannelNameLength = 80
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message is too long")
	ErrInvalidChannel = errors.New("channel name must be 1-80 characters without spaces")
)

var (
	policy           = bluemonday.UGCPolicy()
	usernameRegex    = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	channelNameRegex = regexp.MustCompile(`^[\p{L}\p{N}._-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Message sanitizes posted message content and checks its length.
func Message(input string) (string, error) {
	out := strings.TrimSpace(Sanitize(input))
	if out == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(out) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return out, nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

func ValidateChannelName(name string) error {
	if utf8.RuneCountInString(name) > MaxChannelNameLength || !channelNameRegex.MatchString(name) {
		return ErrInvalidChannel
	}
	return nil
}
