package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatter/internal/models"
	"chatter/internal/provider"

	"github.com/gomodule/redigo/redis"
)

// memberTTL bounds how long a member outlives a crashed process.
const memberTTL = 2 * time.Minute

// Redis is the presence backend shared by several server processes. Members of
// a topic live in the hash "presence:<topic>"; joins and leaves are published
// on the pub/sub channel named after the topic.
type Redis struct {
	pool   *redis.Pool
	logger *slog.Logger
	buffer int
}

var _ provider.Ephemeral = (*Redis)(nil)

func NewRedis(addr string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		pool: &redis.Pool{
			MaxIdle:     16,
			IdleTimeout: 4 * time.Minute,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", addr)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
		logger: logger.With("component", "ephemeral", "backend", "redis"),
		buffer: defaultBuffer,
	}
}

func (r *Redis) Close() error {
	return r.pool.Close()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PING")
	return err
}

func membersKey(topic string) string { return "presence:" + topic }

// OpenPresence subscribes to topic and then delivers the current members as a
// sync, so no join published after the subscription is missed.
func (r *Redis) OpenPresence(ctx context.Context, topic string) (provider.PresenceChannel, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("open presence %s: %w", topic, err)
	}
	psc := redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(topic); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	// Wait for the subscription confirmation.
	switch n := psc.Receive().(type) {
	case redis.Subscription:
	case error:
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, n)
	}

	metas, err := r.members(ctx, topic)
	if err != nil {
		_ = psc.Unsubscribe()
		_ = conn.Close()
		return nil, fmt.Errorf("load members of %s: %w", topic, err)
	}

	c := &redisChannel{
		backend: r,
		topic:   topic,
		psc:     psc,
		events:  make(chan provider.PresenceEvent, r.buffer),
		done:    make(chan struct{}),
	}
	c.events <- provider.PresenceEvent{Kind: provider.PresenceSync, Metas: metas}
	go c.receive()
	return c, nil
}

func (r *Redis) members(ctx context.Context, topic string) ([]provider.PresenceMeta, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	values, err := redis.StringMap(conn.Do("HGETALL", membersKey(topic)))
	if err != nil {
		return nil, err
	}
	metas := make([]provider.PresenceMeta, 0, len(values))
	for key, raw := range values {
		var m provider.PresenceMeta
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			r.logger.Warn("skipping undecodable member", "topic", topic, "key", key, "error", err)
			continue
		}
		metas = append(metas, m)
	}
	return metas, nil
}

func (r *Redis) publish(ctx context.Context, topic string, ev provider.PresenceEvent, cmd string, args ...any) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return err
	}
	if err := conn.Send(cmd, args...); err != nil {
		return err
	}
	if err := conn.Send("EXPIRE", membersKey(topic), int(memberTTL.Seconds())); err != nil {
		return err
	}
	if err := conn.Send("PUBLISH", topic, payload); err != nil {
		return err
	}
	_, err = conn.Do("EXEC")
	return err
}

type redisChannel struct {
	backend *Redis
	topic   string
	psc     redis.PubSubConn
	events  chan provider.PresenceEvent
	done    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	key string
}

func (c *redisChannel) Join(ctx context.Context, meta provider.PresenceMeta) error {
	if meta.Key == "" {
		meta.Key = meta.UserID
	}
	select {
	case <-c.done:
		return models.ErrClosed
	default:
	}

	c.mu.Lock()
	prev := c.key
	c.key = meta.Key
	c.mu.Unlock()
	if prev != "" && prev != meta.Key {
		if err := c.leaveKey(ctx, prev); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	ev := provider.PresenceEvent{Kind: provider.PresenceJoin, Metas: []provider.PresenceMeta{meta}}
	return c.backend.publish(ctx, c.topic, ev, "HSET", membersKey(c.topic), meta.Key, raw)
}

func (c *redisChannel) Leave(ctx context.Context) error {
	select {
	case <-c.done:
		return models.ErrClosed
	default:
	}
	c.mu.Lock()
	key := c.key
	c.key = ""
	c.mu.Unlock()
	if key == "" {
		return nil
	}
	return c.leaveKey(ctx, key)
}

func (c *redisChannel) leaveKey(ctx context.Context, key string) error {
	ev := provider.PresenceEvent{Kind: provider.PresenceLeave, Metas: []provider.PresenceMeta{{Key: key, UserID: key}}}
	return c.backend.publish(ctx, c.topic, ev, "HDEL", membersKey(c.topic), key)
}

func (c *redisChannel) Events() <-chan provider.PresenceEvent { return c.events }

func (c *redisChannel) Close() error {
	var err error
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.mu.Lock()
		key := c.key
		c.key = ""
		c.mu.Unlock()
		if key != "" {
			if lerr := c.leaveKey(ctx, key); lerr != nil {
				c.backend.logger.Warn("presence leave on close failed", "topic", c.topic, "error", lerr)
			}
		}
		close(c.done)
		_ = c.psc.Unsubscribe()
		err = c.psc.Close()
	})
	return err
}

func (c *redisChannel) receive() {
	defer close(c.events)
	for {
		switch n := c.psc.Receive().(type) {
		case redis.Message:
			var ev provider.PresenceEvent
			if err := json.Unmarshal(n.Data, &ev); err != nil {
				c.backend.logger.Warn("undecodable presence event", "topic", c.topic, "error", err)
				continue
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			default:
				c.backend.logger.Warn("dropping presence event for slow channel", "topic", c.topic, "kind", ev.Kind)
			}
		case redis.Subscription:
			if n.Count == 0 {
				return
			}
		case error:
			select {
			case <-c.done:
			default:
				c.backend.logger.Warn("presence subscription ended", "topic", c.topic, "error", n)
			}
			return
		}
	}
}
