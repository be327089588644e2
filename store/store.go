// Package store provides the Store Adapter contract: a uniform interface
// to a hierarchical, transactional, listener-oriented tree store (the
// kind of "realtime database" a job queue is layered on top of), plus
// two implementations — a Redis-backed one for production and an
// in-memory one for tests and local development.
//
// The tree is modeled as a set of named collections ("tasks", "specs").
// Each collection holds JSON-shaped records keyed by an ID. Callers
// never see raw bytes: Transaction and the subscription callbacks hand
// back decoded Go values (map[string]interface{}, or any other JSON
// shape for malformed records).
package store

import (
	"context"
	"errors"
)

// ErrAborted names the outcome of a transaction function asking to
// leave the value unchanged. Neither adapter returns it: callers
// observe an abort via the `committed` return value of Transaction.
var ErrAborted = errors.New("store: transaction aborted")

// abortSentinel is a unique, unexported type so nothing but this
// package's Abort value can ever compare equal to it.
type abortSentinel struct{}

// Abort is returned by a TxFunc to leave the current value unchanged.
var Abort interface{} = abortSentinel{}

// ServerTimestamp is a sentinel type. A TxFunc that wants a field
// server-stamped at commit time sets that field to the Now value; the
// adapter substitutes the commit-time wall clock before persisting and
// before handing the committed value back to the caller.
type ServerTimestamp struct{}

// Now is the sentinel value for "stamp this field with the server's
// commit-time clock", mirroring the tree store's server-timestamp
// placeholder (spec.md §4.2).
var Now = ServerTimestamp{}

// TxFunc is called with the current decoded value at a key (nil if the
// key is absent). It returns the new value to commit, store.Abort to
// leave the value unchanged, or nil to delete the record.
type TxFunc func(current interface{}) (interface{}, error)

// EventKind distinguishes the three child-change event types a
// filtered collection query can deliver.
type EventKind int

const (
	ChildAdded EventKind = iota
	ChildChanged
	ChildRemoved
)

func (k EventKind) String() string {
	switch k {
	case ChildAdded:
		return "child_added"
	case ChildChanged:
		return "child_changed"
	case ChildRemoved:
		return "child_removed"
	default:
		return "unknown"
	}
}

// ChildEvent is delivered to a SubscribeChildren handler.
type ChildEvent struct {
	Kind  EventKind
	Key   string
	Value interface{}
}

// ValueEvent is delivered to a SubscribeValue handler. Value is nil
// when the record was deleted.
type ValueEvent struct {
	Collection string
	Key        string
	Value      interface{}
}

// Filter selects which records in a collection a SubscribeChildren
// subscription observes, modeling orderByChild(ByField)/equalTo(Equals)
// [/limitToFirst(LimitFirst)].
type Filter struct {
	// ByField is the record field to filter on, e.g. "_state".
	ByField string
	// Equals is the value ByField must equal. A nil Equals matches
	// records where the field is absent or explicitly null.
	Equals interface{}
	// LimitFirst is not consulted by either adapter: FindFirst always
	// returns at most one record, and a live subscription delivers
	// events for every matching record.
	LimitFirst int
}

// Subscription is returned by the two Subscribe methods; Unsubscribe is
// idempotent and releases any resources (goroutines, Pub/Sub
// connections) the subscription holds.
type Subscription interface {
	Unsubscribe()
}

// Adapter is the Store Adapter contract consumed by the queue package
// (spec.md §4.2). Every operation may suspend (network I/O); handlers
// registered via the two Subscribe methods are invoked either on a
// per-subscription delivery goroutine (RedisAdapter) or synchronously
// on the goroutine that subscribed or committed the change
// (MemoryAdapter), concurrent with other Transaction calls — callers
// must re-verify any cached assumption inside every transaction.
type Adapter interface {
	// Transaction retries internally on optimistic-concurrency
	// contention (two callers racing the same key) until it commits, ctx
	// is done, or RedisAdapter's maxContentionRetries bound is reached.
	// It does NOT retry on other errors (network failures,
	// serialization errors) — those are returned to the caller, which
	// is responsible for its own bounded retry policy (spec.md §4.2,
	// §7: MAX_TRANSACTION_ATTEMPTS).
	Transaction(ctx context.Context, collection, key string, fn TxFunc) (committed bool, value interface{}, err error)

	// SubscribeChildren delivers ChildAdded for every already-matching
	// record at subscribe time (the backlog), then live ChildAdded /
	// ChildChanged / ChildRemoved events as records enter, mutate
	// within, or leave the filtered view.
	SubscribeChildren(ctx context.Context, collection string, filter Filter, handler func(ChildEvent)) (Subscription, error)

	// SubscribeValue delivers the current value immediately, then a
	// new ValueEvent every time the record at collection/key is
	// replaced or deleted.
	SubscribeValue(ctx context.Context, collection, key string, handler func(ValueEvent)) (Subscription, error)

	// FindFirst does a one-shot read of a single record matching
	// filter (the "read a one-child page" step of the claim protocol,
	// spec.md §4.4). Ordering among matching records is best-effort
	// (FIFO-ish, not guaranteed) per spec.md's scheduling non-goals.
	FindFirst(ctx context.Context, collection string, filter Filter) (key string, value interface{}, found bool, err error)

	// Close releases adapter-wide resources (connections). Individual
	// subscriptions should already have been unsubscribed by callers.
	Close() error
}
