package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssuer(t *testing.T) {
	const t0Unix = 1700000000

	createIssuer := func(t *testing.T) (*Issuer, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret")),
			TokenExpiry: time.Hour,
		}

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		is, err := NewIssuer(ctx, cfg)
		if err != nil {
			t.Fatalf("Failed to create issuer: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		is.now = func() time.Time {
			return currentTime
		}
		return is, &currentTime
	}

	t.Run("IssueAndVerify", func(t *testing.T) {
		is, _ := createIssuer(t)
		token, expiry, err := is.Issue("user1")
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if expiry.Unix() != t0Unix+3600 {
			t.Errorf("Expected expiry %d, got %d", t0Unix+3600, expiry.Unix())
		}

		userID, err := is.Verify(token)
		if err != nil || userID != "user1" {
			t.Errorf("Verify = %q, %v", userID, err)
		}
		// Second verification is served from the cache.
		if userID, err := is.Verify(token); err != nil || userID != "user1" {
			t.Errorf("cached Verify = %q, %v", userID, err)
		}
	})

	t.Run("Tampered", func(t *testing.T) {
		is, _ := createIssuer(t)
		token, _, _ := is.Issue("user1")
		head, mac, _ := strings.Cut(token, ".")

		forged := enc.EncodeToString([]byte("admin|9999999999")) + "." + mac
		if _, err := is.Verify(forged); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken for forged payload, got %v", err)
		}
		if _, err := is.Verify(head); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken without signature, got %v", err)
		}
		if _, err := is.Verify(""); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken for empty token, got %v", err)
		}
	})

	t.Run("OtherSecret", func(t *testing.T) {
		is, _ := createIssuer(t)
		token, _, _ := is.Issue("user1")

		other, err := NewIssuer(context.Background(), Config{
			Secret: base64.StdEncoding.EncodeToString([]byte("another-secret")),
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		is, now := createIssuer(t)
		token, _, _ := is.Issue("user1")
		if _, err := is.Verify(token); err != nil {
			t.Fatal(err)
		}

		*now = now.Add(2 * time.Hour)
		if _, err := is.Verify(token); !errors.Is(err, ErrTokenExpired) {
			t.Errorf("Expected ErrTokenExpired, got %v", err)
		}
	})

	t.Run("Revoke", func(t *testing.T) {
		is, _ := createIssuer(t)
		token, _, _ := is.Issue("user1")
		if err := is.Revoke(token); err != nil {
			t.Fatal(err)
		}
		if _, err := is.Verify(token); !errors.Is(err, ErrTokenRevoked) {
			t.Errorf("Expected ErrTokenRevoked, got %v", err)
		}
	})

	t.Run("Claims", func(t *testing.T) {
		is, _ := createIssuer(t)
		token, expiry, _ := is.Issue("user1")
		userID, exp, err := Claims(token)
		if err != nil || userID != "user1" || !exp.Equal(expiry) {
			t.Errorf("Claims = %q, %v, %v", userID, exp, err)
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Error("Expected error for empty secret")
	}
	c = Config{Secret: "not base64!"}
	if err := c.Validate(); err == nil {
		t.Error("Expected error for invalid base64")
	}
	c = Config{Secret: base64.StdEncoding.EncodeToString([]byte("s"))}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.TokenExpiry != DefaultTokenExpiry {
		t.Errorf("Expected default expiry, got %v", c.TokenExpiry)
	}
}

type recordingListener struct {
	states []bool
	tokens []string
	source *Session
	err    error
}

func (l *recordingListener) SetAuthenticated(_ context.Context, authenticated bool) error {
	l.states = append(l.states, authenticated)
	l.tokens = append(l.tokens, l.source.Token())
	return l.err
}

func TestSession(t *testing.T) {
	is, err := NewIssuer(context.Background(), Config{
		Secret: base64.StdEncoding.EncodeToString([]byte("server-secret")),
	})
	if err != nil {
		t.Fatal(err)
	}
	token, _, _ := is.Issue("user1")

	s := NewSession()
	l := &recordingListener{source: s}
	s.Notify(l)

	if err := s.Login(context.Background(), "not a token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
	if len(l.states) != 0 {
		t.Errorf("listener should not be told about a rejected login")
	}

	if err := s.Login(context.Background(), token); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if s.UserID() != "user1" || s.Token() != token {
		t.Errorf("unexpected session state %q %q", s.UserID(), s.Token())
	}

	l.err = errors.New("offline update failed")
	if err := s.Logout(context.Background()); err == nil {
		t.Error("Expected listener error to be reported")
	}
	if s.Token() != "" {
		t.Error("token should be cleared after logout")
	}

	if len(l.states) != 2 || !l.states[0] || l.states[1] {
		t.Fatalf("unexpected transitions %v", l.states)
	}
	// The logout notification still sees the token.
	if l.tokens[1] != token {
		t.Errorf("expected token during logout notification, got %q", l.tokens[1])
	}
}
