// Package statestore provides the keyed blob store backing run snapshots,
// delta logs, and prompt records. Entries are TTL-bounded. The in-memory
// implementation is the default; a Redis-backed implementation serves
// deployments where the client reconnect window must survive a restart.
package statestore

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long snapshots, deltas, and prompts are retained.
const DefaultTTL = 20 * time.Minute

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when the requested key does not exist
	// or its TTL has elapsed.
	ErrNotFound = errors.New("statestore: key not found")

	// ErrInvalidKey is returned when an empty key is supplied.
	ErrInvalidKey = errors.New("statestore: invalid key")
)

// Store is a mapping key → blob with per-entry TTL and prefix listing.
// Implementations must be safe for concurrent use; the run coordinator and
// the background sweeper interleave freely.
type Store interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL.
	// A non-positive ttl stores the entry without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key, returning ErrNotFound when nothing was stored.
	Delete(ctx context.Context, key string) error

	// List returns every live key with the given prefix, in no particular
	// order. Callers sort by whatever ordering their keys embed.
	List(ctx context.Context, prefix string) ([]string, error)

	// Prune discards expired entries on backends without native expiry.
	Prune(ctx context.Context) error
}
