package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chatter/internal/presence"
	"chatter/internal/provider"
)

// Listener is told when the session logs in or out. presence.Pipeline
// satisfies it.
type Listener interface {
	SetAuthenticated(ctx context.Context, authenticated bool) error
}

// Session holds the client's current token.
type Session struct {
	mu        sync.RWMutex
	token     string
	userID    string
	listeners []Listener
}

var _ provider.TokenSource = (*Session)(nil)

func NewSession() *Session {
	return &Session{}
}

// Notify registers l for login and logout transitions.
func (s *Session) Notify(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Login stores token and tells every listener the session is authenticated.
func (s *Session) Login(ctx context.Context, token string) error {
	if !presence.ValidToken(token) {
		return ErrInvalidToken
	}
	userID, _, err := Claims(token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.token = token
	s.userID = userID
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.SetAuthenticated(ctx, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logout tells listeners first, while the token is still readable, so they
// can publish a last update, then forgets the token.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	var errs []error
	for _, l := range listeners {
		if err := l.SetAuthenticated(ctx, false); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.token = ""
	s.userID = ""
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}
