package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatter/internal/ephemeral"
	"chatter/internal/models"
	"chatter/internal/provider"
)

type mockWS struct {
	readCh      chan ClientFrame
	writeCh     chan any
	closeCh     chan struct{}
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan ClientFrame, 10),
		writeCh: make(chan any, 64),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*ClientFrame); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockFeed struct {
	mu      sync.Mutex
	streams map[string]*provider.ChanStream
	err     error
}

func newMockFeed() *mockFeed {
	return &mockFeed{streams: make(map[string]*provider.ChanStream)}
}

func (m *mockFeed) Subscribe(_ context.Context, topic string, _ ...provider.Binding) (provider.Stream, error) {
	if m.err != nil {
		return nil, m.err
	}
	s := provider.NewChanStream(8, nil)
	m.mu.Lock()
	m.streams[topic] = s
	m.mu.Unlock()
	return s, nil
}

func (m *mockFeed) stream(t *testing.T, topic string) *provider.ChanStream {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[topic]
	if !ok {
		t.Fatalf("no stream for %s", topic)
	}
	return s
}

func nextFrame(t *testing.T, ws *mockWS) ServerFrame {
	t.Helper()
	select {
	case v := <-ws.writeCh:
		f, ok := v.(ServerFrame)
		if !ok {
			t.Fatalf("WS received wrong type: %T", v)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("WS did not receive a frame")
	}
	return ServerFrame{}
}

func TestConnection_Lifecycle(t *testing.T) {
	feed := newMockFeed()
	hub := ephemeral.NewHub(0, nil)
	ws := newMockWS()
	userID := "user1"

	conn := NewConnection(feed, hub, ws, userID, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Store subscription
	ws.readCh <- ClientFrame{
		Type:     FrameSubscribe,
		Ref:      "s1",
		Topic:    "channel:c1",
		Bindings: []provider.Binding{{Table: models.TableMessages, Column: "channel_id", Value: "c1"}},
	}
	if f := nextFrame(t, ws); f.Type != FrameStatus || f.Status != StatusSubscribed || f.Ref != "s1" {
		t.Fatalf("unexpected frame %+v", f)
	}

	stream := feed.stream(t, "channel:c1")
	stream.Push(provider.Change{Table: models.TableMessages, Op: models.OpInsert, New: []byte(`{"id":"m1"}`)})
	f := nextFrame(t, ws)
	if f.Type != FrameChange || f.Ref != "s1" || f.Change == nil || f.Change.Op != models.OpInsert {
		t.Fatalf("unexpected change frame %+v", f)
	}

	// Duplicate refs are refused.
	ws.readCh <- ClientFrame{Type: FrameSubscribe, Ref: "s1", Topic: "channel:c1", Bindings: []provider.Binding{{Table: models.TableMessages}}}
	if f := nextFrame(t, ws); f.Status != StatusError {
		t.Errorf("expected error status for duplicate ref, got %+v", f)
	}

	ws.readCh <- ClientFrame{Type: FrameUnsubscribe, Ref: "s1"}
	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatal("stream not closed on unsubscribe")
	}

	// 2. Presence channel
	ws.readCh <- ClientFrame{Type: FramePresenceOpen, Ref: "p1", Topic: "typing:channel:c1"}
	if f := nextFrame(t, ws); f.Type != FrameStatus || f.Status != StatusSubscribed {
		t.Fatalf("unexpected frame %+v", f)
	}
	if f := nextFrame(t, ws); f.Type != FramePresence || f.Presence.Kind != provider.PresenceSync {
		t.Fatalf("expected presence sync, got %+v", f)
	}

	ws.readCh <- ClientFrame{Type: FramePresenceJoin, Ref: "p1", Seq: 7, Meta: &provider.PresenceMeta{UserID: "spoofed", Username: "alice", IsTyping: true}}
	if f := nextFrame(t, ws); f.Type != FrameAck || f.Seq != 7 || f.Error != "" {
		t.Fatalf("unexpected ack %+v", f)
	}
	f = nextFrame(t, ws)
	if f.Type != FramePresence || f.Presence.Kind != provider.PresenceJoin {
		t.Fatalf("expected presence join, got %+v", f)
	}
	if m := f.Presence.Metas[0]; m.UserID != userID || m.Key != userID {
		t.Errorf("member should join as the authenticated user, got %+v", m)
	}

	ws.readCh <- ClientFrame{Type: FramePresenceJoin, Ref: "nope", Seq: 8, Meta: &provider.PresenceMeta{}}
	if f := nextFrame(t, ws); f.Type != FrameAck || f.Error == "" {
		t.Errorf("expected ack error for unknown ref, got %+v", f)
	}

	// 3. Server-side stream failure
	ws.readCh <- ClientFrame{Type: FrameSubscribe, Ref: "s2", Topic: "lists", Bindings: []provider.Binding{{Table: models.TableChannels}}}
	nextFrame(t, ws)
	feed.stream(t, "lists").Fail(errors.New("boom"))
	if f := nextFrame(t, ws); f.Type != FrameStatus || f.Status != StatusError || f.Ref != "s2" || f.Error != "boom" {
		t.Errorf("expected error status, got %+v", f)
	}

	// 4. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after cancel")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
	if len(hub.Members("typing:channel:c1")) != 0 {
		t.Error("presence member should leave when the connection ends")
	}
}

func TestConnection_SubscribeError(t *testing.T) {
	feed := newMockFeed()
	feed.err = errors.New("no bindings")
	ws := newMockWS()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := NewConnection(feed, ephemeral.NewHub(0, nil), ws, "user1", nil, nil)
	go func() { _ = conn.Handle(ctx) }()

	ws.readCh <- ClientFrame{Type: FrameSubscribe, Ref: "s1", Topic: "t"}
	if f := nextFrame(t, ws); f.Status != StatusError || f.Error != "no bindings" {
		t.Errorf("expected error status, got %+v", f)
	}
}

func TestConnection_WSError(t *testing.T) {
	ws := newMockWS()
	conn := NewConnection(newMockFeed(), ephemeral.NewHub(0, nil), ws, "user2", nil, nil)

	// Simulate ReadJSON error immediately
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}
