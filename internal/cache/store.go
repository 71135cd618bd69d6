// Package cache provides the opaque TTL key/value port backing user-context
// snapshots and offline WebSocket buffers.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Store is the cache port. The canonical source of cached data lives
// elsewhere; a miss always falls through to it, so stale reads are fine.
type Store interface {
	// GetJSON unmarshals the value at key into dest. found is false on miss.
	GetJSON(ctx context.Context, key string, dest any) (found bool, err error)
	// SetJSON marshals val at key with a TTL. ttl <= 0 means no expiry.
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	// Delete removes keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)
	// PushList appends a value to the list at key and refreshes its TTL.
	PushList(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// DrainList atomically returns and clears the list at key, oldest first.
	DrainList(ctx context.Context, key string) ([][]byte, error)
}

// UserContextKey names the snapshot of a session's tenant metadata.
func UserContextKey(userID, tenantID string) string {
	return fmt.Sprintf("user_context:%s:%s", userID, tenantID)
}

// BufferKey names a user's offline event buffer, drained when the user
// reconnects to the websocket hub.
func BufferKey(userID string) string {
	return fmt.Sprintf("ws_buffer:%s", userID)
}
