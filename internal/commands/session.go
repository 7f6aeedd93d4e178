package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatter/internal/auth"
	"chatter/internal/client"
	"chatter/internal/config"
	"chatter/internal/models"
	"chatter/internal/realtime"
)

var errNoToken = errors.New("no token configured: set CHATTER_TOKEN or pass --token")

// clientSession is a logged in connection to the server.
type clientSession struct {
	session *auth.Session
	client  *client.Client
	me      models.User
}

// newSession builds a client whose token comes from a fresh auth.Session.
// Nothing is sent until login.
func newSession(cfg *config.Config, logger *slog.Logger) (*clientSession, error) {
	if cfg.Token == "" {
		return nil, errNoToken
	}

	session := auth.NewSession()
	c, err := client.New(client.Config{
		ServerURL: cfg.ServerURL,
		Tokens:    session,
		Timeout:   cfg.RequestTimeout.Duration,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &clientSession{session: session, client: c}, nil
}

func (s *clientSession) login(ctx context.Context, token string) error {
	if err := s.session.Login(ctx, token); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	me, err := s.client.Me(ctx)
	if err != nil {
		return err
	}
	s.me = me
	return nil
}

func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*clientSession, error) {
	s, err := newSession(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := s.login(ctx, cfg.Token); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *clientSession) registry(ctx context.Context, logger *slog.Logger) *realtime.Registry {
	return realtime.NewRegistry(ctx, s.client, s.client, nil, realtime.Config{
		UserID: s.me.ID,
		Logger: logger,
	})
}

func (s *clientSession) Close() error {
	return s.client.Close()
}
