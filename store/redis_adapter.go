package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskqueue-go/taskqueue/telemetry"
)

// maxContentionRetries bounds the adapter's own optimistic-concurrency
// retry loop (two callers racing the same WATCHed key). This is
// separate from, and invisible to, the caller's own bounded retry
// policy around transient errors (spec.md §4.2, §7).
const maxContentionRetries = 30

// RedisAdapter implements Adapter on top of Redis: each record is a
// JSON blob at key "{namespace}:{collection}:{key}"; transactions use
// WATCH/TxPipelined for optimistic concurrency (the same pattern the
// teacher codebase uses for workflow-execution updates); child and
// value events are delivered over a Pub/Sub channel per collection,
// "{namespace}:events:{collection}".
type RedisAdapter struct {
	client    *redis.Client
	namespace string
	logger    telemetry.Logger

	mu   sync.Mutex
	subs map[*redisChildSub]struct{}
}

// RedisAdapterOption configures a RedisAdapter at construction time.
type RedisAdapterOption func(*redisAdapterConfig)

type redisAdapterConfig struct {
	namespace string
	logger    telemetry.Logger
}

// WithNamespace sets the key prefix for every record and event channel.
// Default: "taskqueue".
func WithNamespace(ns string) RedisAdapterOption {
	return func(c *redisAdapterConfig) { c.namespace = ns }
}

// WithLogger injects a logger; defaults to telemetry.NoOpLogger.
func WithLogger(l telemetry.Logger) RedisAdapterOption {
	return func(c *redisAdapterConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewRedisAdapter wraps an already-connected *redis.Client.
func NewRedisAdapter(client *redis.Client, opts ...RedisAdapterOption) *RedisAdapter {
	cfg := &redisAdapterConfig{namespace: "taskqueue", logger: telemetry.NoOpLogger{}}
	for _, opt := range opts {
		opt(cfg)
	}
	if cal, ok := cfg.logger.(telemetry.ComponentAwareLogger); ok {
		cfg.logger = cal.WithComponent("taskqueue/store")
	}
	return &RedisAdapter{
		client:    client,
		namespace: cfg.namespace,
		logger:    cfg.logger,
		subs:      make(map[*redisChildSub]struct{}),
	}
}

func (a *RedisAdapter) recordKey(collection, key string) string {
	return fmt.Sprintf("%s:%s:%s", a.namespace, collection, key)
}

func (a *RedisAdapter) eventChannel(collection string) string {
	return fmt.Sprintf("%s:events:%s", a.namespace, collection)
}

type redisEvent struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	HasValue  bool        `json:"has_value"`
	Collection string     `json:"collection"`
}

// Transaction implements Adapter.Transaction with WATCH/TxPipelined,
// retrying internally on redis.TxFailedErr (optimistic-lock
// contention) up to maxContentionRetries times, after which it returns
// an error.
func (a *RedisAdapter) Transaction(ctx context.Context, collection, key string, fn TxFunc) (bool, interface{}, error) {
	redisKey := a.recordKey(collection, key)

	var (
		committed bool
		result    interface{}
	)

	for attempt := 0; attempt < maxContentionRetries; attempt++ {
		var previous interface{}

		txErr := a.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, getErr := tx.Get(ctx, redisKey).Bytes()
			switch {
			case getErr == redis.Nil:
				previous = nil
			case getErr != nil:
				return fmt.Errorf("failed to read %s: %w", redisKey, getErr)
			default:
				if err := json.Unmarshal(raw, &previous); err != nil {
					return fmt.Errorf("failed to decode %s: %w", redisKey, err)
				}
			}

			next, fnErr := fn(previous)
			if fnErr != nil {
				return fnErr
			}
			if next == Abort {
				committed = false
				return nil
			}

			next = stampServerTimestamps(next, time.Now().UTC())

			_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, redisKey)
					return nil
				}
				data, marshalErr := json.Marshal(next)
				if marshalErr != nil {
					return fmt.Errorf("failed to encode %s: %w", redisKey, marshalErr)
				}
				pipe.Set(ctx, redisKey, data, 0)
				return nil
			})
			if pipeErr != nil {
				return fmt.Errorf("failed to commit %s: %w", redisKey, pipeErr)
			}

			committed = true
			result = next
			return nil
		}, redisKey)

		if txErr == redis.TxFailedErr {
			continue // optimistic-lock contention, retry
		}
		if txErr != nil {
			return false, nil, txErr
		}

		if committed {
			a.publish(ctx, collection, key, result)
		} else {
			result = previous
		}
		return committed, result, nil
	}

	return false, nil, fmt.Errorf("store: exceeded %d contention retries on %s", maxContentionRetries, redisKey)
}

func (a *RedisAdapter) publish(ctx context.Context, collection, key string, value interface{}) {
	data, err := json.Marshal(redisEvent{Key: key, Value: value, HasValue: value != nil, Collection: collection})
	if err != nil {
		a.logger.Error("failed to encode store event", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := a.client.Publish(ctx, a.eventChannel(collection), data).Err(); err != nil {
		a.logger.Warn("failed to publish store event", map[string]interface{}{
			"collection": collection,
			"key":        key,
			"error":      err.Error(),
		})
	}
}

// SubscribeChildren implements Adapter.SubscribeChildren.
func (a *RedisAdapter) SubscribeChildren(ctx context.Context, collection string, filter Filter, handler func(ChildEvent)) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisChildSub{adapter: a, collection: collection, filter: filter, handler: handler, cancel: cancel, matched: make(map[string]bool)}

	backlog, err := a.scanMatching(subCtx, collection, filter)
	if err != nil {
		cancel()
		return nil, err
	}
	for _, ev := range backlog {
		sub.matched[ev.Key] = true
		handler(ev)
	}

	pubsub := a.client.Subscribe(subCtx, a.eventChannel(collection))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", a.eventChannel(collection), err)
	}
	sub.pubsub = pubsub

	a.mu.Lock()
	a.subs[sub] = struct{}{}
	a.mu.Unlock()

	go sub.run()

	return sub, nil
}

func (a *RedisAdapter) scanMatching(ctx context.Context, collection string, filter Filter) ([]ChildEvent, error) {
	pattern := fmt.Sprintf("%s:%s:*", a.namespace, collection)
	prefix := fmt.Sprintf("%s:%s:", a.namespace, collection)

	var events []ChildEvent
	var cursor uint64
	for {
		keys, next, err := a.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		for _, redisKey := range keys {
			raw, err := a.client.Get(ctx, redisKey).Bytes()
			if err != nil {
				continue
			}
			var value interface{}
			if err := json.Unmarshal(raw, &value); err != nil {
				continue
			}
			if matchesFilter(value, filter) {
				id := redisKey
				if len(redisKey) > len(prefix) {
					id = redisKey[len(prefix):]
				}
				events = append(events, ChildEvent{Kind: ChildAdded, Key: id, Value: value})
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return events, nil
}

// SubscribeValue implements Adapter.SubscribeValue.
func (a *RedisAdapter) SubscribeValue(ctx context.Context, collection, key string, handler func(ValueEvent)) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	raw, err := a.client.Get(ctx, a.recordKey(collection, key)).Bytes()
	var current interface{}
	if err == nil {
		if unmarshalErr := json.Unmarshal(raw, &current); unmarshalErr != nil {
			cancel()
			return nil, fmt.Errorf("failed to decode %s: %w", key, unmarshalErr)
		}
	} else if err != redis.Nil {
		cancel()
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	sub := &redisChildSub{adapter: a, collection: collection, valueKey: key, valueHandler: handler, cancel: cancel}

	pubsub := a.client.Subscribe(subCtx, a.eventChannel(collection))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", a.eventChannel(collection), err)
	}
	sub.pubsub = pubsub

	a.mu.Lock()
	a.subs[sub] = struct{}{}
	a.mu.Unlock()

	handler(ValueEvent{Collection: collection, Key: key, Value: current})

	go sub.run()

	return sub, nil
}

// FindFirst implements Adapter.FindFirst with a bounded SCAN, stopping
// at the first matching record. SCAN visits keys in no defined order,
// so which of several matching records is returned is not defined.
func (a *RedisAdapter) FindFirst(ctx context.Context, collection string, filter Filter) (string, interface{}, bool, error) {
	pattern := fmt.Sprintf("%s:%s:*", a.namespace, collection)
	prefix := fmt.Sprintf("%s:%s:", a.namespace, collection)

	var cursor uint64
	for {
		keys, next, err := a.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return "", nil, false, fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		for _, redisKey := range keys {
			raw, err := a.client.Get(ctx, redisKey).Bytes()
			if err != nil {
				continue
			}
			var value interface{}
			if err := json.Unmarshal(raw, &value); err != nil {
				continue
			}
			if matchesFilter(value, filter) {
				id := redisKey
				if len(redisKey) > len(prefix) {
					id = redisKey[len(prefix):]
				}
				return id, value, true, nil
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return "", nil, false, nil
}

// Close closes the underlying Redis client. It does not close any
// still-open subscriptions; callers are expected to have unsubscribed.
func (a *RedisAdapter) Close() error {
	return a.client.Close()
}

type redisChildSub struct {
	adapter *RedisAdapter
	pubsub  *redis.PubSub
	cancel  context.CancelFunc

	collection string

	// children-mode fields
	filter  Filter
	handler func(ChildEvent)
	matched map[string]bool

	// value-mode fields
	valueKey     string
	valueHandler func(ValueEvent)
}

func (s *redisChildSub) run() {
	ch := s.pubsub.Channel()
	for msg := range ch {
		var ev redisEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.adapter.logger.Warn("failed to decode store event", map[string]interface{}{"error": err.Error()})
			continue
		}

		if s.valueHandler != nil {
			if ev.Key != s.valueKey {
				continue
			}
			s.valueHandler(ValueEvent{Collection: s.collection, Key: ev.Key, Value: ev.Value})
			continue
		}

		wasMatch := s.matched[ev.Key]
		isMatch := ev.HasValue && matchesFilter(ev.Value, s.filter)
		switch {
		case !wasMatch && isMatch:
			s.matched[ev.Key] = true
			s.handler(ChildEvent{Kind: ChildAdded, Key: ev.Key, Value: ev.Value})
		case wasMatch && isMatch:
			s.handler(ChildEvent{Kind: ChildChanged, Key: ev.Key, Value: ev.Value})
		case wasMatch && !isMatch:
			delete(s.matched, ev.Key)
			s.handler(ChildEvent{Kind: ChildRemoved, Key: ev.Key, Value: ev.Value})
		}
	}
}

func (s *redisChildSub) Unsubscribe() {
	s.cancel()
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	s.adapter.mu.Lock()
	delete(s.adapter.subs, s)
	s.adapter.mu.Unlock()
}

var (
	_ Adapter      = (*RedisAdapter)(nil)
	_ Adapter      = (*MemoryAdapter)(nil)
	_ Subscription = (*redisChildSub)(nil)
)
