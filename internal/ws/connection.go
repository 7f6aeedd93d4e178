package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chatter/internal/provider"

	"golang.org/x/time/rate"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// subscriber opens change streams. *storage.Feed satisfies it.
type subscriber interface {
	Subscribe(ctx context.Context, topic string, bindings ...provider.Binding) (provider.Stream, error)
}

var errUnknownRef = errors.New("unknown ref")

// Connection relays one client's store subscriptions and presence channels
// over a single socket.
type Connection struct {
	ws         wsConnection
	feed       subscriber
	presence   provider.Ephemeral
	userID     string
	limiter    *rate.Limiter
	logger     *slog.Logger
	fromClient chan ClientFrame
	fromServer chan ServerFrame
	errorCh    chan error

	mu         sync.Mutex
	streams    map[string]provider.Stream
	channels   map[string]provider.PresenceChannel
	forwarders sync.WaitGroup
}

// NewConnection creates a relay for userID. A nil limiter lets every frame through.
func NewConnection(
	feed subscriber,
	presence provider.Ephemeral,
	ws wsConnection,
	userID string,
	limiter *rate.Limiter,
	logger *slog.Logger,
) *Connection {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ws:         ws,
		feed:       feed,
		presence:   presence,
		userID:     userID,
		limiter:    limiter,
		logger:     logger.With("component", "relay", "user_id", userID),
		fromClient: make(chan ClientFrame),
		fromServer: make(chan ServerFrame, 64),
		errorCh:    make(chan error, 2),
		streams:    make(map[string]provider.Stream),
		channels:   make(map[string]provider.PresenceChannel),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	cancel()
	c.ws.Close()
	wg.Wait()

	c.closeAll()
	c.forwarders.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg ClientFrame
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.processClientFrame(ctx, msg); err != nil {
				return err
			}
		case msg := <-c.fromServer:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientFrame runs on the writer goroutine, so replies are written directly.
func (c *Connection) processClientFrame(ctx context.Context, msg ClientFrame) error {
	switch msg.Type {
	case FrameSubscribe:
		return c.ws.WriteJSON(c.subscribe(ctx, msg))
	case FrameUnsubscribe:
		c.mu.Lock()
		stream, ok := c.streams[msg.Ref]
		delete(c.streams, msg.Ref)
		c.mu.Unlock()
		if ok {
			_ = stream.Close()
		}
	case FramePresenceOpen:
		return c.ws.WriteJSON(c.openPresence(ctx, msg))
	case FramePresenceJoin, FramePresenceLeave:
		err := c.track(ctx, msg)
		ack := ServerFrame{Type: FrameAck, Ref: msg.Ref, Seq: msg.Seq}
		if err != nil {
			ack.Error = err.Error()
		}
		return c.ws.WriteJSON(ack)
	case FramePresenceClose:
		c.mu.Lock()
		ch, ok := c.channels[msg.Ref]
		delete(c.channels, msg.Ref)
		c.mu.Unlock()
		if ok {
			_ = ch.Close()
		}
	default:
		c.logger.Warn("ignoring unknown frame", "type", msg.Type, "ref", msg.Ref)
	}
	return nil
}

func (c *Connection) subscribe(ctx context.Context, msg ClientFrame) ServerFrame {
	if msg.Ref == "" {
		return statusFrame(msg.Ref, StatusError, errors.New("missing ref"))
	}
	c.mu.Lock()
	_, dup := c.streams[msg.Ref]
	c.mu.Unlock()
	if dup {
		return statusFrame(msg.Ref, StatusError, fmt.Errorf("ref %s already in use", msg.Ref))
	}

	stream, err := c.feed.Subscribe(ctx, msg.Topic, msg.Bindings...)
	if err != nil {
		c.logger.Warn("subscribe failed", "topic", msg.Topic, "error", err)
		return statusFrame(msg.Ref, StatusError, err)
	}
	c.mu.Lock()
	c.streams[msg.Ref] = stream
	c.mu.Unlock()

	c.forwarders.Go(func() { c.forwardChanges(ctx, msg.Ref, stream) })
	return statusFrame(msg.Ref, StatusSubscribed, nil)
}

func (c *Connection) forwardChanges(ctx context.Context, ref string, stream provider.Stream) {
	for change := range stream.Changes() {
		if !c.send(ctx, ServerFrame{Type: FrameChange, Ref: ref, Change: &change}) {
			return
		}
	}

	// The stream ended on its own unless the client already dropped the ref.
	c.mu.Lock()
	owned := c.streams[ref] == stream
	if owned {
		delete(c.streams, ref)
	}
	c.mu.Unlock()
	if !owned {
		return
	}
	if err := stream.Err(); err != nil {
		c.send(ctx, statusFrame(ref, StatusError, err))
		return
	}
	c.send(ctx, statusFrame(ref, StatusClosed, nil))
}

func (c *Connection) openPresence(ctx context.Context, msg ClientFrame) ServerFrame {
	if msg.Ref == "" || msg.Topic == "" {
		return statusFrame(msg.Ref, StatusError, errors.New("missing ref or topic"))
	}
	c.mu.Lock()
	_, dup := c.channels[msg.Ref]
	c.mu.Unlock()
	if dup {
		return statusFrame(msg.Ref, StatusError, fmt.Errorf("ref %s already in use", msg.Ref))
	}

	ch, err := c.presence.OpenPresence(ctx, msg.Topic)
	if err != nil {
		c.logger.Warn("open presence failed", "topic", msg.Topic, "error", err)
		return statusFrame(msg.Ref, StatusError, err)
	}
	c.mu.Lock()
	c.channels[msg.Ref] = ch
	c.mu.Unlock()

	c.forwarders.Go(func() { c.forwardPresence(ctx, msg.Ref, ch) })
	return statusFrame(msg.Ref, StatusSubscribed, nil)
}

func (c *Connection) forwardPresence(ctx context.Context, ref string, ch provider.PresenceChannel) {
	for ev := range ch.Events() {
		if !c.send(ctx, ServerFrame{Type: FramePresence, Ref: ref, Presence: &ev}) {
			return
		}
	}

	c.mu.Lock()
	owned := c.channels[ref] == ch
	if owned {
		delete(c.channels, ref)
	}
	c.mu.Unlock()
	if owned {
		c.send(ctx, statusFrame(ref, StatusClosed, nil))
	}
}

func (c *Connection) track(ctx context.Context, msg ClientFrame) error {
	c.mu.Lock()
	ch, ok := c.channels[msg.Ref]
	c.mu.Unlock()
	if !ok {
		return errUnknownRef
	}
	if msg.Type == FramePresenceLeave {
		return ch.Leave(ctx)
	}
	if msg.Meta == nil {
		return errors.New("missing meta")
	}
	// Members always join as the authenticated user.
	meta := *msg.Meta
	meta.UserID = c.userID
	if meta.Key == "" {
		meta.Key = c.userID
	}
	return ch.Join(ctx, meta)
}

func (c *Connection) send(ctx context.Context, f ServerFrame) bool {
	select {
	case c.fromServer <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) closeAll() {
	c.mu.Lock()
	streams := c.streams
	channels := c.channels
	c.streams = make(map[string]provider.Stream)
	c.channels = make(map[string]provider.PresenceChannel)
	c.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}
	for _, ch := range channels {
		_ = ch.Close()
	}
}
