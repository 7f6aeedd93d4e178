package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chatter/internal/provider"
)

// ErrSlowConsumer terminates a subscription whose buffer overflowed. The
// subscriber is expected to re-subscribe and reload.
var ErrSlowConsumer = errors.New("subscriber fell behind the change feed")

const defaultFeedBuffer = 256

// Feed fans committed row changes out to subscriptions. Each subscription
// filters by its bindings and receives matches on its own buffered stream.
type Feed struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*feedSub
	nextID uint64
	buffer int
	closed bool
}

type feedSub struct {
	topic    string
	bindings []provider.Binding
	stream   *provider.ChanStream
}

func NewFeed(buffer int, logger *slog.Logger) *Feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		logger: logger.With("component", "feed"),
		subs:   make(map[uint64]*feedSub),
		buffer: buffer,
	}
}

// Subscribe registers a subscription for changes matching any of bindings.
// It implements the subscribe half of provider.Store.
func (f *Feed) Subscribe(_ context.Context, topic string, bindings ...provider.Binding) (provider.Stream, error) {
	if len(bindings) == 0 {
		return nil, fmt.Errorf("subscribe %s: no bindings", topic)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("subscribe %s: feed closed", topic)
	}

	id := f.nextID
	f.nextID++
	sub := &feedSub{topic: topic, bindings: bindings}
	sub.stream = provider.NewChanStream(f.buffer, func() { f.remove(id) })
	f.subs[id] = sub
	return sub.stream, nil
}

func (f *Feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

// Publish delivers c to every matching subscription without blocking.
func (f *Feed) Publish(c provider.Change) {
	var row map[string]any
	raw := c.New
	if len(raw) == 0 {
		raw = c.Old
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &row); err != nil {
			f.logger.Warn("undecodable change row", "table", c.Table, "error", err)
			return
		}
	}

	var overflow []uint64
	f.mu.RLock()
	for id, sub := range f.subs {
		if !matches(sub.bindings, c, row) {
			continue
		}
		if !sub.stream.TryPush(c) {
			overflow = append(overflow, id)
		}
	}
	f.mu.RUnlock()

	for _, id := range overflow {
		f.mu.Lock()
		sub, ok := f.subs[id]
		delete(f.subs, id)
		f.mu.Unlock()
		if ok {
			f.logger.Warn("dropping slow subscriber", "topic", sub.topic)
			sub.stream.Fail(ErrSlowConsumer)
		}
	}
}

func matches(bindings []provider.Binding, c provider.Change, row map[string]any) bool {
	for _, b := range bindings {
		if b.Table != c.Table {
			continue
		}
		if b.Column == "" {
			return true
		}
		if v, ok := row[b.Column]; ok && fmt.Sprint(v) == b.Value {
			return true
		}
	}
	return false
}

// Size returns the number of live subscriptions.
func (f *Feed) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close fails every subscription and rejects new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uint64]*feedSub)
	f.closed = true
	f.mu.Unlock()

	for _, sub := range subs {
		sub.stream.Fail(errors.New("feed closed"))
	}
}
