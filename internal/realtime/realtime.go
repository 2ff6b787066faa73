// Package realtime abstracts a push-capable store: path-addressed documents,
// standing subscriptions that deliver full snapshots, generated keys, atomic
// multi-path writes and a server-assigned timestamp.
package realtime

import (
	"context"
	"strings"
)

type serverTimestamp struct{}

// ServerTimestamp is replaced by the store's own clock when written.
var ServerTimestamp = serverTimestamp{}

// Store is implemented by Firestore, Redis and Memory.
type Store interface {
	// SubscribeChildren delivers every document directly under a collection path
	// on subscription and after each change.
	SubscribeChildren(ctx context.Context, path string, fn func([]Snapshot)) (Subscription, error)
	// SubscribeValue delivers a single document; exists is false when it is absent.
	SubscribeValue(ctx context.Context, path string, fn func(snap Snapshot, exists bool)) (Subscription, error)
	// NewKey generates a fresh, roughly time-ordered key under a collection path.
	NewKey(path string) string
	// Set replaces the document at path.
	Set(ctx context.Context, path string, fields map[string]any) error
	// Update merges fields into the document at path, creating it when absent.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Commit applies all writes atomically.
	Commit(ctx context.Context, writes ...Write) error
	Close() error
}

// Subscription is returned by the Subscribe methods.
type Subscription interface {
	Unsubscribe()
}

// Write is one document write of an atomic Commit.
type Write struct {
	Path   string
	Fields map[string]any
	Merge  bool
}

// Snapshot is one document as delivered to a subscriber.
type Snapshot struct {
	Key    string
	decode func(any) error
}

func NewSnapshot(key string, decode func(any) error) Snapshot {
	return Snapshot{Key: key, decode: decode}
}

// DataTo decodes the document into v.
func (s Snapshot) DataTo(v any) error {
	if s.decode == nil {
		return nil
	}
	return s.decode(v)
}

// Join builds a slash separated path.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// splitPath returns the parent collection path and the document key.
func splitPath(path string) (parent, key string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

type subscriptionFunc func()

func (f subscriptionFunc) Unsubscribe() { f() }
