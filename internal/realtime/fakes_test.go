package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"chatter/internal/models"
	"chatter/internal/provider"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type mockStore struct {
	mu           sync.Mutex
	subscribeErr error
	subscribes   map[string]int
	closes       map[string]int
	bindings     map[string][]provider.Binding
	streams      map[string]*provider.ChanStream

	users        map[string]models.User
	messages     map[string]models.Message
	attachments  map[string]models.AttachmentDetail
	channelPeers []models.User
	dmPeers      []models.User

	messageLookups    int
	attachmentLookups int
}

func newMockStore() *mockStore {
	return &mockStore{
		subscribes:  make(map[string]int),
		closes:      make(map[string]int),
		bindings:    make(map[string][]provider.Binding),
		streams:     make(map[string]*provider.ChanStream),
		users:       make(map[string]models.User),
		messages:    make(map[string]models.Message),
		attachments: make(map[string]models.AttachmentDetail),
	}
}

func (s *mockStore) Subscribe(_ context.Context, topic string, bindings ...provider.Binding) (provider.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	s.subscribes[topic]++
	s.bindings[topic] = bindings
	stream := provider.NewChanStream(16, func() {
		s.mu.Lock()
		s.closes[topic]++
		s.mu.Unlock()
	})
	s.streams[topic] = stream
	return stream, nil
}

func (s *mockStore) stream(t *testing.T, topic string) *provider.ChanStream {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[topic]
	require.True(t, ok, "no stream for %s", topic)
	return st
}

func (s *mockStore) subscribeCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes[topic]
}

func (s *mockStore) closeCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes[topic]
}

func (s *mockStore) lookups() (messages, attachments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageLookups, s.attachmentLookups
}

func (s *mockStore) GetUser(_ context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return u, nil
}

func (s *mockStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageLookups++
	m, ok := s.messages[id]
	if !ok {
		return models.Message{}, models.ErrNotFound
	}
	return m, nil
}

func (s *mockStore) GetAttachment(_ context.Context, id string) (models.AttachmentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachmentLookups++
	a, ok := s.attachments[id]
	if !ok {
		return models.AttachmentDetail{}, models.ErrNotFound
	}
	return a, nil
}

func (s *mockStore) ChannelPeers(context.Context, string) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelPeers, nil
}

func (s *mockStore) DMPeers(context.Context, string) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dmPeers, nil
}

type mockPresence struct {
	events chan provider.PresenceEvent

	mu     sync.Mutex
	joins  []provider.PresenceMeta
	leaves int
	closed bool
	once   sync.Once
}

func (p *mockPresence) Join(_ context.Context, meta provider.PresenceMeta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joins = append(p.joins, meta)
	return nil
}

func (p *mockPresence) Leave(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves++
	return nil
}

func (p *mockPresence) Events() <-chan provider.PresenceEvent { return p.events }

func (p *mockPresence) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// end simulates the provider dropping the channel.
func (p *mockPresence) end() {
	p.once.Do(func() { close(p.events) })
}

func (p *mockPresence) counts() (joins, leaves int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.joins), p.leaves
}

type mockEphemeral struct {
	mu       sync.Mutex
	opens    map[string]int
	channels map[string]*mockPresence
}

func newMockEphemeral() *mockEphemeral {
	return &mockEphemeral{
		opens:    make(map[string]int),
		channels: make(map[string]*mockPresence),
	}
}

func (e *mockEphemeral) OpenPresence(_ context.Context, topic string) (provider.PresenceChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens[topic]++
	ch := &mockPresence{events: make(chan provider.PresenceEvent, 16)}
	e.channels[topic] = ch
	return ch, nil
}

func (e *mockEphemeral) channel(t *testing.T, topic string) *mockPresence {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[topic]
	require.True(t, ok, "no presence channel for %s", topic)
	return ch
}

func newTestRegistry(t *testing.T, userID string) (*Registry, *mockStore, *mockEphemeral) {
	t.Helper()
	store := newMockStore()
	eph := newMockEphemeral()
	r := NewRegistry(context.Background(), store, eph, nil, Config{UserID: userID, EventBuffer: 16})
	t.Cleanup(func() { _ = r.Close() })
	return r, store, eph
}

func rowChange(t *testing.T, table models.Table, op models.Op, row any) provider.Change {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	c := provider.Change{Table: table, Op: op}
	if op == models.OpDelete {
		c.Old = raw
	} else {
		c.New = raw
	}
	return c
}

func nextEvent(t *testing.T, h *MessageHandle) models.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
	}
	return models.Event{}
}

func expectNoEvent(t *testing.T, h *MessageHandle) {
	t.Helper()
	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected event %s for %s", ev.Kind, ev.MessageID)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for handle to finish")
	}
}
