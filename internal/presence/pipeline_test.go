package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatter/internal/models"
	"chatter/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockUpdater struct {
	mu     sync.Mutex
	calls  []models.Presence
	tokens []string
	fail   int // number of upcoming calls that fail; -1 fails forever
}

func (m *mockUpdater) UpdatePresence(_ context.Context, token string, status models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, status)
	m.tokens = append(m.tokens, token)
	if m.fail != 0 {
		if m.fail > 0 {
			m.fail--
		}
		return errors.New("remote unavailable")
	}
	return nil
}

func (m *mockUpdater) Calls() []models.Presence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Presence(nil), m.calls...)
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

// fakeClock records scheduled timers instead of running them.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) active() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fireNext runs the only outstanding timer.
func (c *fakeClock) fireNext(t *testing.T) time.Duration {
	t.Helper()
	active := c.active()
	require.Len(t, active, 1, "expected exactly one outstanding retry timer")
	timer := active[0]
	timer.stopped = true
	timer.fn()
	return timer.delay
}

func newTestPipeline(updater *mockUpdater, token *string) (*Pipeline, *fakeClock) {
	clock := &fakeClock{}
	p := New(updater, provider.TokenFunc(func() string { return *token }), Config{
		AfterFunc: clock.AfterFunc,
	})
	return p, clock
}

func TestPipeline_InvalidValue(t *testing.T) {
	updater := &mockUpdater{}
	token := "tok"
	p, _ := newTestPipeline(updater, &token)
	require.NoError(t, p.SetAuthenticated(context.Background(), true))

	var err error
	require.NotPanics(t, func() { err = p.SetPresence(context.Background(), "bogus") })
	assert.ErrorIs(t, err, models.ErrInvalidPresence)
	assert.Empty(t, updater.Calls())
}

func TestPipeline_QueueUntilAuthenticated(t *testing.T) {
	updater := &mockUpdater{}
	token := "tok"
	p, _ := newTestPipeline(updater, &token)
	ctx := context.Background()

	require.NoError(t, p.SetPresence(ctx, models.PresenceOnline))
	assert.Empty(t, updater.Calls())
	pending, ok := p.Pending()
	require.True(t, ok)
	assert.Equal(t, models.PresenceOnline, pending)
	assert.Equal(t, StateUnauthenticated, p.State())

	require.NoError(t, p.SetAuthenticated(ctx, true))
	assert.Equal(t, []models.Presence{models.PresenceOnline}, updater.Calls())
	_, ok = p.Pending()
	assert.False(t, ok)
	assert.Equal(t, models.PresenceOnline, p.Current())
	assert.Equal(t, StateIdle, p.State())
}

func TestPipeline_QueueWithoutToken(t *testing.T) {
	updater := &mockUpdater{}
	token := ""
	p, _ := newTestPipeline(updater, &token)
	ctx := context.Background()

	require.NoError(t, p.SetAuthenticated(ctx, true))
	require.NoError(t, p.SetPresence(ctx, models.PresenceIdle))
	assert.Empty(t, updater.Calls())

	token = "bad token"
	require.NoError(t, p.SetPresence(ctx, models.PresenceIdle))
	assert.Empty(t, updater.Calls(), "malformed token must not reach the remote")

	token = "good-token"
	require.NoError(t, p.SetAuthenticated(ctx, true))
	assert.Equal(t, []models.Presence{models.PresenceIdle}, updater.Calls())
}

func TestPipeline_BoundedRetry(t *testing.T) {
	updater := &mockUpdater{fail: -1}
	token := "tok"
	p, clock := newTestPipeline(updater, &token)
	ctx := context.Background()
	require.NoError(t, p.SetAuthenticated(ctx, true))

	require.NoError(t, p.SetPresence(ctx, models.PresenceIdle))
	assert.Equal(t, StateRetrying, p.State())

	var delays []time.Duration
	for range 3 {
		delays = append(delays, clock.fireNext(t))
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
	// Initial attempt plus three retries.
	assert.Len(t, updater.Calls(), 4)
	assert.Empty(t, clock.active(), "no further retry may be scheduled")

	select {
	case err := <-p.Errors():
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	default:
		t.Fatal("expected exhausted error to be reported")
	}

	pending, ok := p.Pending()
	require.True(t, ok, "last value stays pending for a manual retry")
	assert.Equal(t, models.PresenceIdle, pending)

	// A direct call after exhaustion surfaces the error to the caller.
	err := p.SetPresence(ctx, models.PresenceIdle)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestPipeline_RetryRecovers(t *testing.T) {
	updater := &mockUpdater{fail: 1}
	token := "tok"
	p, clock := newTestPipeline(updater, &token)
	ctx := context.Background()
	require.NoError(t, p.SetAuthenticated(ctx, true))

	require.NoError(t, p.SetPresence(ctx, models.PresenceOnline))
	assert.Equal(t, 1, p.RetryCount())
	assert.Equal(t, time.Second, clock.fireNext(t))

	assert.Equal(t, 0, p.RetryCount())
	assert.Equal(t, models.PresenceOnline, p.Current())
	assert.Equal(t, StateIdle, p.State())
	_, ok := p.Pending()
	assert.False(t, ok)
}

func TestPipeline_ReentrantReplacesTimer(t *testing.T) {
	updater := &mockUpdater{fail: -1}
	token := "tok"
	p, clock := newTestPipeline(updater, &token)
	ctx := context.Background()
	require.NoError(t, p.SetAuthenticated(ctx, true))

	require.NoError(t, p.SetPresence(ctx, models.PresenceOnline))
	require.NoError(t, p.SetPresence(ctx, models.PresenceIdle))

	active := clock.active()
	require.Len(t, active, 1, "timers must not stack")
	pending, ok := p.Pending()
	require.True(t, ok)
	assert.Equal(t, models.PresenceIdle, pending)

	clock.fireNext(t)
	calls := updater.Calls()
	assert.Equal(t, models.PresenceIdle, calls[len(calls)-1])
}

func TestPipeline_Logout(t *testing.T) {
	updater := &mockUpdater{fail: 1}
	token := "tok"
	p, clock := newTestPipeline(updater, &token)
	ctx := context.Background()
	require.NoError(t, p.SetAuthenticated(ctx, true))

	require.NoError(t, p.SetPresence(ctx, models.PresenceIdle))
	require.Len(t, clock.active(), 1)

	require.NoError(t, p.SetAuthenticated(ctx, false))
	assert.Empty(t, clock.active(), "logout cancels the retry timer")
	_, ok := p.Pending()
	assert.False(t, ok)
	assert.Equal(t, StateUnauthenticated, p.State())

	calls := updater.Calls()
	assert.Equal(t, models.PresenceOffline, calls[len(calls)-1])
	assert.Equal(t, models.PresenceOffline, p.Current())
}

func TestValidToken(t *testing.T) {
	assert.True(t, ValidToken("abc.def"))
	assert.False(t, ValidToken(""))
	assert.False(t, ValidToken("abc def"))
	assert.False(t, ValidToken("abc\n"))
}
