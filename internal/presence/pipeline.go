// Package presence manages the authenticated user's own online status. Updates
// attempted before authentication are queued, failed updates are retried with
// bounded exponential backoff, and logging out publishes "offline".
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatter/internal/models"
	"chatter/internal/provider"
)

const (
	DefaultBaseDelay      = time.Second
	DefaultMaxRetries     = 3
	DefaultRequestTimeout = 10 * time.Second
)

var ErrRetriesExhausted = errors.New("presence update retries exhausted")

type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateIdle            State = "authenticated-idle"
	StateRetrying        State = "authenticated-retrying"
)

// Timer is the part of *time.Timer the pipeline uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func()) Timer

type Config struct {
	BaseDelay      time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
	Logger         *slog.Logger
	// AfterFunc overrides timer scheduling, mainly for tests.
	AfterFunc AfterFunc
}

func (c *Config) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.AfterFunc == nil {
		c.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
}

// Pipeline serializes presence updates of one session. At most one retry timer
// is outstanding at any time; a newer value replaces the pending one.
type Pipeline struct {
	cfg     Config
	updater provider.PresenceUpdater
	tokens  provider.TokenSource
	logger  *slog.Logger
	errs    chan error

	mu            sync.Mutex
	authenticated bool
	pending       *models.Presence
	retryCount    int
	retryDelay    time.Duration
	timer         Timer
	current       models.Presence
}

func New(updater provider.PresenceUpdater, tokens provider.TokenSource, cfg Config) *Pipeline {
	cfg.setDefaults()
	return &Pipeline{
		cfg:        cfg,
		updater:    updater,
		tokens:     tokens,
		logger:     cfg.Logger.With("component", "presence"),
		errs:       make(chan error, 1),
		retryDelay: cfg.BaseDelay,
	}
}

// Errors reports updates given up on by a background retry. Only the most
// recent unread failure is kept.
func (p *Pipeline) Errors() <-chan error { return p.errs }

// State returns the current position of the pipeline's state machine.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.authenticated:
		return StateUnauthenticated
	case p.timer != nil:
		return StateRetrying
	default:
		return StateIdle
	}
}

// Pending returns the queued value, if any.
func (p *Pipeline) Pending() (models.Presence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return "", false
	}
	return *p.pending, true
}

// Current returns the last value the remote accepted.
func (p *Pipeline) Current() models.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// RetryCount returns the number of retries scheduled since the last reset.
func (p *Pipeline) RetryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCount
}

// SetAuthenticated records an authentication transition. Becoming
// authenticated applies a queued value; losing authentication publishes
// offline on a best-effort basis and drops anything queued.
func (p *Pipeline) SetAuthenticated(ctx context.Context, authenticated bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelTimerLocked()
	p.resetLocked()

	if !authenticated {
		wasAuthenticated := p.authenticated
		p.pending = nil
		if wasAuthenticated {
			if token, ok := p.tokenLocked(); ok {
				if err := p.callLocked(ctx, token, models.PresenceOffline); err != nil {
					p.logger.Warn("offline update on logout failed", "error", err)
				} else {
					p.current = models.PresenceOffline
				}
			}
		}
		p.authenticated = false
		return nil
	}

	p.authenticated = true
	if p.pending == nil {
		return nil
	}
	value := *p.pending
	p.logger.Debug("applying queued presence", "status", value)
	return p.attemptLocked(ctx, value)
}

// SetPresence publishes value. Invalid values are rejected without a remote
// call. While unauthenticated, or without a usable token, the value is queued.
func (p *Pipeline) SetPresence(ctx context.Context, value models.Presence) error {
	if !value.Valid() {
		p.logger.Warn("rejecting invalid presence value", "status", value)
		return fmt.Errorf("%w: %q", models.ErrInvalidPresence, value)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.authenticated {
		p.queueLocked(value)
		return nil
	}
	if _, ok := p.tokenLocked(); !ok {
		p.queueLocked(value)
		return nil
	}

	// A direct call supersedes any scheduled retry.
	p.cancelTimerLocked()
	return p.attemptLocked(ctx, value)
}

func (p *Pipeline) queueLocked(value models.Presence) {
	v := value
	p.pending = &v
	p.logger.Debug("presence update queued", "status", value)
}

// attemptLocked performs one remote update and, on failure, schedules the next
// retry or gives up once the budget is spent.
func (p *Pipeline) attemptLocked(ctx context.Context, value models.Presence) error {
	token, ok := p.tokenLocked()
	if !ok {
		p.queueLocked(value)
		return nil
	}

	err := p.callLocked(ctx, token, value)
	if err == nil {
		p.current = value
		p.pending = nil
		p.resetLocked()
		return nil
	}

	v := value
	p.pending = &v
	if p.retryCount >= p.cfg.MaxRetries {
		p.logger.Error("presence update failed, retries exhausted", "status", value, "attempts", p.retryCount+1, "error", err)
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}

	p.retryCount++
	delay := p.retryDelay
	p.retryDelay *= 2
	p.logger.Warn("presence update failed, retrying", "status", value, "retry", p.retryCount, "delay", delay, "error", err)
	p.scheduleLocked(delay, value)
	return nil
}

func (p *Pipeline) scheduleLocked(delay time.Duration, value models.Presence) {
	p.cancelTimerLocked()
	var t Timer
	t = p.cfg.AfterFunc(delay, func() { p.retry(t, value) })
	p.timer = t
}

func (p *Pipeline) retry(t Timer, value models.Presence) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Superseded or cancelled while waiting for the lock.
	if p.timer == nil || p.timer != t || !p.authenticated {
		return
	}
	p.timer = nil

	ctx := context.Background()
	if err := p.attemptLocked(ctx, value); err != nil {
		select {
		case p.errs <- err:
		default:
			select {
			case <-p.errs:
			default:
			}
			select {
			case p.errs <- err:
			default:
			}
		}
	}
}

func (p *Pipeline) callLocked(ctx context.Context, token string, value models.Presence) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	return p.updater.UpdatePresence(ctx, token, value)
}

func (p *Pipeline) tokenLocked() (string, bool) {
	if p.tokens == nil {
		return "", false
	}
	token := p.tokens.Token()
	if !ValidToken(token) {
		return "", false
	}
	return token, true
}

func (p *Pipeline) cancelTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Pipeline) resetLocked() {
	p.retryCount = 0
	p.retryDelay = p.cfg.BaseDelay
}

// ValidToken reports whether token looks like a usable bearer token.
func ValidToken(token string) bool {
	if token == "" {
		return false
	}
	return !strings.ContainsFunc(token, func(r rune) bool {
		return r <= ' ' || r == 0x7f
	})
}
