package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c-pro/geche"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
)

var enc = base64.RawURLEncoding

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type grant struct {
	userID string
	expiry time.Time
}

// Issuer signs and verifies bearer tokens of the form
// base64url(userID|expiry) "." base64url(HMAC-SHA256).
// Tokens are stateless; verified ones are cached, revoked ones are remembered
// until they would have expired anyway.
type Issuer struct {
	Config
	verified geche.Geche[string, grant]
	revoked  geche.Geche[string, struct{}]
	now      func() time.Time
}

func NewIssuer(ctx context.Context, config Config) (*Issuer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Issuer{
		Config:   config,
		verified: geche.NewMapTTLCache[string, grant](ctx, config.TokenExpiry, time.Minute),
		revoked:  geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, time.Minute),
		now:      time.Now,
	}, nil
}

func (is *Issuer) sign(payload string) string {
	h := hmac.New(sha256.New, is.secretBytes)
	h.Write([]byte(payload))
	return enc.EncodeToString(h.Sum(nil))
}

// Issue returns a token for userID valid for the configured expiry.
func (is *Issuer) Issue(userID string) (string, time.Time, error) {
	if userID == "" || strings.Contains(userID, "|") {
		return "", time.Time{}, fmt.Errorf("cannot issue token for user %q", userID)
	}
	expiry := is.now().Add(is.TokenExpiry).Truncate(time.Second)
	payload := userID + "|" + strconv.FormatInt(expiry.Unix(), 10)
	return enc.EncodeToString([]byte(payload)) + "." + is.sign(payload), expiry, nil
}

// Verify returns the user the token was issued to.
func (is *Issuer) Verify(token string) (string, error) {
	if _, err := is.revoked.Get(token); err == nil {
		return "", ErrTokenRevoked
	}
	now := is.now()
	if g, err := is.verified.Get(token); err == nil {
		if now.After(g.expiry) {
			_ = is.verified.Del(token)
			return "", ErrTokenExpired
		}
		return g.userID, nil
	}

	head, mac, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrInvalidToken
	}
	raw, err := enc.DecodeString(head)
	if err != nil {
		return "", ErrInvalidToken
	}
	payload := string(raw)
	if !hmac.Equal([]byte(mac), []byte(is.sign(payload))) {
		return "", ErrInvalidToken
	}
	userID, expiry, err := parsePayload(payload)
	if err != nil {
		return "", err
	}
	if now.After(expiry) {
		return "", ErrTokenExpired
	}

	is.verified.Set(token, grant{userID: userID, expiry: expiry})
	return userID, nil
}

// Revoke makes token unusable before its expiry.
func (is *Issuer) Revoke(token string) error {
	_ = is.verified.Del(token)
	is.revoked.Set(token, struct{}{})
	return nil
}

func parsePayload(payload string) (string, time.Time, error) {
	userID, exp, ok := strings.Cut(payload, "|")
	if !ok || userID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return "", time.Time{}, ErrInvalidToken
	}
	return userID, time.Unix(unix, 0), nil
}

// Claims decodes the user id and expiry carried by token without checking
// its signature. Clients use it to learn who they are logged in as.
func Claims(token string) (string, time.Time, error) {
	head, _, ok := strings.Cut(token, ".")
	if !ok {
		return "", time.Time{}, ErrInvalidToken
	}
	raw, err := enc.DecodeString(head)
	if err != nil {
		return "", time.Time{}, ErrInvalidToken
	}
	return parsePayload(string(raw))
}
