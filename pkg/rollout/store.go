package rollout

import "context"

// Store hands out scoped connections to the backing key-value store.
// Every Rollout operation acquires one Conn and closes it on every exit path.
type Store interface {
	Conn(ctx context.Context) (Conn, error)
}

// Conn is the minimal key-value contract the rollout needs.
// Absent keys are reported as empty strings, not errors.
type Conn interface {
	// Get returns the value stored at key, or "" if the key is absent.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key without expiration.
	Set(ctx context.Context, key, value string) error

	// MultiGet returns the values for keys in one round trip, positionally
	// aligned with keys. Absent keys yield "".
	MultiGet(ctx context.Context, keys ...string) ([]string, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a value is stored at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases the connection.
	Close() error
}
