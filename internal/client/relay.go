package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"chatter/internal/models"
	"chatter/internal/provider"
	"chatter/internal/ws"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSlowConsumer  = errors.New("stream consumer fell behind")
	ErrRemoteClosed  = errors.New("stream closed by server")
	ErrRelayFinished = errors.New("realtime connection closed")
)

// relay multiplexes streams and presence channels over one websocket. Each
// stream or channel is addressed by a ref chosen here.
type relay struct {
	conn   *websocket.Conn
	buffer int
	logger *slog.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu       sync.Mutex
	streams  map[string]*provider.ChanStream
	channels map[string]*presenceChannel
	pending  map[string]chan ws.ServerFrame
	acks     map[uint64]chan ws.ServerFrame
	err      error
	done     chan struct{}
}

// connect returns the live relay, dialing a new one when there is none.
func (c *Client) connect(ctx context.Context) (*relay, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relay != nil && !c.relay.finished() {
		return c.relay, nil
	}

	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/api/realtime"

	header := http.Header{}
	if token := c.tokens.Token(); token != "" {
		header.Set("token", token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	r := &relay{
		conn:     conn,
		buffer:   c.buffer,
		logger:   c.logger,
		streams:  make(map[string]*provider.ChanStream),
		channels: make(map[string]*presenceChannel),
		pending:  make(map[string]chan ws.ServerFrame),
		acks:     make(map[uint64]chan ws.ServerFrame),
		done:     make(chan struct{}),
	}
	go r.readLoop()
	c.relay = r
	return r, nil
}

// Subscribe opens a change stream on the server. ctx bounds only the
// subscription handshake.
func (c *Client) Subscribe(ctx context.Context, topic string, bindings ...provider.Binding) (provider.Stream, error) {
	r, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	ref := uuid.NewString()
	stream := provider.NewChanStream(r.buffer, func() {
		if r.forgetStream(ref) {
			_ = r.write(ws.ClientFrame{Type: ws.FrameUnsubscribe, Ref: ref})
		}
	})

	r.mu.Lock()
	r.streams[ref] = stream
	r.mu.Unlock()

	status, err := r.handshake(ctx, ws.ClientFrame{Type: ws.FrameSubscribe, Ref: ref, Topic: topic, Bindings: bindings})
	if err == nil && status.Status != ws.StatusSubscribed {
		err = fmt.Errorf("subscribe %s: %s", topic, status.Error)
	}
	if err != nil {
		r.forgetStream(ref)
		stream.Fail(err)
		return nil, err
	}
	return stream, nil
}

// OpenPresence opens a presence channel on the server.
func (c *Client) OpenPresence(ctx context.Context, topic string) (provider.PresenceChannel, error) {
	r, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	ch := &presenceChannel{
		relay:  r,
		ref:    uuid.NewString(),
		events: make(chan provider.PresenceEvent, r.buffer),
	}

	r.mu.Lock()
	r.channels[ch.ref] = ch
	r.mu.Unlock()

	status, err := r.handshake(ctx, ws.ClientFrame{Type: ws.FramePresenceOpen, Ref: ch.ref, Topic: topic})
	if err == nil && status.Status != ws.StatusSubscribed {
		err = fmt.Errorf("open presence %s: %s", topic, status.Error)
	}
	if err != nil {
		r.forgetChannel(ch.ref)
		ch.end()
		return nil, err
	}
	return ch, nil
}

func (r *relay) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *relay) write(f ws.ClientFrame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(f)
}

// handshake sends f and waits for the status frame answering it.
func (r *relay) handshake(ctx context.Context, f ws.ClientFrame) (ws.ServerFrame, error) {
	reply := make(chan ws.ServerFrame, 1)
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return ws.ServerFrame{}, r.err
	}
	r.pending[f.Ref] = reply
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, f.Ref)
		r.mu.Unlock()
	}()

	if err := r.write(f); err != nil {
		return ws.ServerFrame{}, err
	}
	return r.await(ctx, reply)
}

// request sends f with a fresh sequence number and waits for its ack.
func (r *relay) request(ctx context.Context, f ws.ClientFrame) error {
	f.Seq = r.seq.Add(1)
	reply := make(chan ws.ServerFrame, 1)
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return r.err
	}
	r.acks[f.Seq] = reply
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.acks, f.Seq)
		r.mu.Unlock()
	}()

	if err := r.write(f); err != nil {
		return err
	}
	ack, err := r.await(ctx, reply)
	if err != nil {
		return err
	}
	if ack.Error != "" {
		return errors.New(ack.Error)
	}
	return nil
}

func (r *relay) await(ctx context.Context, reply chan ws.ServerFrame) (ws.ServerFrame, error) {
	select {
	case f := <-reply:
		return f, nil
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return ws.ServerFrame{}, r.err
	case <-ctx.Done():
		return ws.ServerFrame{}, ctx.Err()
	}
}

func (r *relay) readLoop() {
	var err error
	for {
		var f ws.ServerFrame
		if err = r.conn.ReadJSON(&f); err != nil {
			break
		}
		r.dispatch(f)
	}
	r.shutdown(fmt.Errorf("%w: %v", ErrRelayFinished, err))
}

func (r *relay) dispatch(f ws.ServerFrame) {
	r.mu.Lock()
	stream := r.streams[f.Ref]
	ch := r.channels[f.Ref]
	var reply chan ws.ServerFrame
	switch f.Type {
	case ws.FrameStatus:
		reply = r.pending[f.Ref]
	case ws.FrameAck:
		reply = r.acks[f.Seq]
	}
	r.mu.Unlock()

	switch f.Type {
	case ws.FrameChange:
		if stream == nil || f.Change == nil {
			return
		}
		if !stream.TryPush(*f.Change) {
			r.logger.Warn("dropping stream of slow consumer", "ref", f.Ref)
			if r.forgetStream(f.Ref) {
				_ = r.write(ws.ClientFrame{Type: ws.FrameUnsubscribe, Ref: f.Ref})
			}
			stream.Fail(ErrSlowConsumer)
		}
	case ws.FramePresence:
		if ch != nil && f.Presence != nil {
			ch.deliver(*f.Presence)
		}
	case ws.FrameStatus:
		if reply != nil {
			reply <- f
			return
		}
		// An unsolicited status ends the stream or channel.
		if stream != nil && r.forgetStream(f.Ref) {
			if f.Status == ws.StatusError {
				stream.Fail(errors.New(f.Error))
			} else {
				stream.Fail(ErrRemoteClosed)
			}
		}
		if ch != nil && r.forgetChannel(f.Ref) {
			ch.end()
		}
	case ws.FrameAck:
		if reply != nil {
			reply <- f
		}
	}
}

func (r *relay) forgetStream(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[ref]
	delete(r.streams, ref)
	return ok
}

func (r *relay) forgetChannel(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[ref]
	delete(r.channels, ref)
	return ok
}

// shutdown fails everything still attached to the relay.
func (r *relay) shutdown(err error) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return
	}
	r.err = err
	streams := r.streams
	channels := r.channels
	r.streams = make(map[string]*provider.ChanStream)
	r.channels = make(map[string]*presenceChannel)
	close(r.done)
	r.mu.Unlock()

	for _, s := range streams {
		s.Fail(err)
	}
	for _, ch := range channels {
		ch.end()
	}
	_ = r.conn.Close()
}

func (r *relay) close() error {
	r.writeMu.Lock()
	_ = r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	r.shutdown(ErrRelayFinished)
	return nil
}

type presenceChannel struct {
	relay  *relay
	ref    string
	events chan provider.PresenceEvent

	mu     sync.Mutex
	closed bool
}

func (ch *presenceChannel) Join(ctx context.Context, meta provider.PresenceMeta) error {
	if ch.isClosed() {
		return models.ErrClosed
	}
	return ch.relay.request(ctx, ws.ClientFrame{Type: ws.FramePresenceJoin, Ref: ch.ref, Meta: &meta})
}

func (ch *presenceChannel) Leave(ctx context.Context) error {
	if ch.isClosed() {
		return models.ErrClosed
	}
	return ch.relay.request(ctx, ws.ClientFrame{Type: ws.FramePresenceLeave, Ref: ch.ref})
}

func (ch *presenceChannel) Events() <-chan provider.PresenceEvent { return ch.events }

func (ch *presenceChannel) Close() error {
	if ch.relay.forgetChannel(ch.ref) {
		_ = ch.relay.write(ws.ClientFrame{Type: ws.FramePresenceClose, Ref: ch.ref})
	}
	ch.end()
	return nil
}

func (ch *presenceChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// deliver drops the event when the consumer is behind, like the server hub.
func (ch *presenceChannel) deliver(ev provider.PresenceEvent) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	select {
	case ch.events <- ev:
	default:
		ch.relay.logger.Warn("dropping presence event for slow channel", "ref", ch.ref, "kind", ev.Kind)
	}
}

func (ch *presenceChannel) end() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	close(ch.events)
}
