package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"chatter/internal/config"
	"chatter/internal/models"
	"chatter/internal/presence"
)

const retryPoll = 100 * time.Millisecond

// SetPresence publishes the user's status, riding out transient failures with
// the pipeline's retries. With logout set the session ends right after, which
// publishes offline.
func SetPresence(ctx context.Context, cfg *config.Config, logger *slog.Logger, value string, logout bool, out io.Writer) error {
	status, err := models.ParsePresence(value)
	if err != nil {
		return fmt.Errorf("%w: %q", err, value)
	}

	s, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	pipeline := presence.New(s.client, s.session, presence.Config{
		BaseDelay:      cfg.PresenceRetry.Duration,
		MaxRetries:     cfg.PresenceTries,
		RequestTimeout: cfg.RequestTimeout.Duration,
		Logger:         logger,
	})
	s.session.Notify(pipeline)
	if err := s.login(ctx, cfg.Token); err != nil {
		return err
	}

	if err := pipeline.SetPresence(ctx, status); err != nil {
		return err
	}
	for pipeline.State() == presence.StateRetrying {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-pipeline.Errors():
			return err
		case <-time.After(retryPoll):
		}
	}
	_, _ = fmt.Fprintf(out, "%s is now %s\n", s.me.Username, pipeline.Current())

	if logout {
		if err := s.session.Logout(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "%s logged out (%s)\n", s.me.Username, pipeline.Current())
	}
	return nil
}
