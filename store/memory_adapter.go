package store

import (
	"context"
	"sync"
	"time"
)

// MemoryAdapter is a single-process, mutex-guarded Adapter implementation.
// It satisfies the same transactional contract and delivers the same
// kinds of events as RedisAdapter, but calls subscription handlers
// synchronously (inside Subscribe* for the backlog, inside Transaction
// for live changes), making it suitable for worker/queue unit tests and
// for local development without a live Redis (spec.md §4.2 scenarios in
// §8 are all exercised against this implementation).
type MemoryAdapter struct {
	mu          sync.Mutex
	collections map[string]map[string]interface{}
	subs        []*memSub
	nextSubID   int
	closed      bool
}

// NewMemoryAdapter constructs an empty in-memory store.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{collections: make(map[string]map[string]interface{})}
}

type memSub struct {
	id         int
	collection string
	key        string // empty for a children subscription
	filter     Filter
	childFn    func(ChildEvent)
	valueFn    func(ValueEvent)
	closed     bool
}

func (m *MemoryAdapter) Transaction(ctx context.Context, collection, key string, fn TxFunc) (bool, interface{}, error) {
	m.mu.Lock()
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]interface{})
	}
	current, existed := m.collections[collection][key]
	if !existed {
		current = nil
	}

	next, err := fn(current)
	if err != nil {
		m.mu.Unlock()
		return false, nil, err
	}
	if next == Abort {
		m.mu.Unlock()
		return false, current, nil
	}

	next = stampServerTimestamps(next, time.Now().UTC())

	if next == nil {
		delete(m.collections[collection], key)
	} else {
		m.collections[collection][key] = next
	}

	subsSnapshot := make([]*memSub, len(m.subs))
	copy(subsSnapshot, m.subs)
	m.mu.Unlock()

	m.dispatch(collection, key, current, next, subsSnapshot)

	return true, next, nil
}

func (m *MemoryAdapter) dispatch(collection, key string, oldValue, newValue interface{}, subs []*memSub) {
	oldMatchers := make(map[int]bool)
	for _, s := range subs {
		if s.collection != collection || s.key != "" {
			continue
		}
		oldMatchers[s.id] = matchesFilter(oldValue, s.filter)
	}

	for _, s := range subs {
		if s.closed {
			continue
		}
		if s.collection == collection && s.key == key && s.valueFn != nil {
			s.valueFn(ValueEvent{Collection: collection, Key: key, Value: newValue})
			continue
		}
		if s.collection == collection && s.key == "" && s.childFn != nil {
			wasMatch := oldMatchers[s.id]
			isMatch := matchesFilter(newValue, s.filter)
			switch {
			case !wasMatch && isMatch:
				s.childFn(ChildEvent{Kind: ChildAdded, Key: key, Value: newValue})
			case wasMatch && isMatch:
				s.childFn(ChildEvent{Kind: ChildChanged, Key: key, Value: newValue})
			case wasMatch && !isMatch:
				s.childFn(ChildEvent{Kind: ChildRemoved, Key: key, Value: oldValue})
			}
		}
	}
}

func (m *MemoryAdapter) SubscribeChildren(ctx context.Context, collection string, filter Filter, handler func(ChildEvent)) (Subscription, error) {
	m.mu.Lock()
	m.nextSubID++
	sub := &memSub{id: m.nextSubID, collection: collection, filter: filter, childFn: handler}
	m.subs = append(m.subs, sub)

	var backlog []ChildEvent
	for k, v := range m.collections[collection] {
		if matchesFilter(v, filter) {
			backlog = append(backlog, ChildEvent{Kind: ChildAdded, Key: k, Value: v})
		}
	}
	m.mu.Unlock()

	for _, ev := range backlog {
		handler(ev)
	}

	return &memSubHandle{adapter: m, sub: sub}, nil
}

func (m *MemoryAdapter) SubscribeValue(ctx context.Context, collection, key string, handler func(ValueEvent)) (Subscription, error) {
	m.mu.Lock()
	m.nextSubID++
	sub := &memSub{id: m.nextSubID, collection: collection, key: key, valueFn: handler}
	m.subs = append(m.subs, sub)
	current := m.collections[collection][key]
	m.mu.Unlock()

	handler(ValueEvent{Collection: collection, Key: key, Value: current})

	return &memSubHandle{adapter: m, sub: sub}, nil
}

func (m *MemoryAdapter) FindFirst(ctx context.Context, collection string, filter Filter) (string, interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.collections[collection] {
		if matchesFilter(v, filter) {
			return k, v, true, nil
		}
	}
	return "", nil, false, nil
}

func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = nil
	return nil
}

type memSubHandle struct {
	adapter *MemoryAdapter
	sub     *memSub
}

func (h *memSubHandle) Unsubscribe() {
	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	h.sub.closed = true
	for i, s := range h.adapter.subs {
		if s == h.sub {
			h.adapter.subs = append(h.adapter.subs[:i], h.adapter.subs[i+1:]...)
			break
		}
	}
}

// matchesFilter reports whether value (a decoded record, or nil if the
// record does not exist) matches filter. An absent record never
// matches, even a nil-equals filter — that models "no child here", not
// "a child whose field is null". A malformed (non-map) record, like a
// map record missing the field, is treated as having that field equal
// to null: this is what lets a query filtered on an absent startState
// observe a malformed task the way Firebase's orderByChild would
// (spec.md §4.4 scenario 5).
func matchesFilter(value interface{}, filter Filter) bool {
	if value == nil {
		return false
	}
	if filter.ByField == "" {
		return filter.Equals == nil
	}
	var field interface{}
	if m, ok := value.(map[string]interface{}); ok {
		field = m[filter.ByField]
	}
	return valuesEqual(field, filter.Equals)
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// stampServerTimestamps returns a copy of value with any top-level
// field set to the Now sentinel replaced by ts. Only map-shaped values
// carry server timestamps; anything else is returned unchanged.
func stampServerTimestamps(value interface{}, ts time.Time) interface{} {
	m, ok := value.(map[string]interface{})
	if !ok {
		return value
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if _, isStamp := v.(ServerTimestamp); isStamp {
			out[k] = ts.UnixMilli()
		} else {
			out[k] = v
		}
	}
	return out
}
