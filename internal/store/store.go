// Package store provides the durable key-value persistence used for the
// session index, per-session message buckets, and the run-status ledger.
//
// Two tiers are available: a larger-capacity SQLite-backed primary and a
// small atomic-JSON-file secondary used when the primary fails. Both honor
// an explicit capacity contract; callers must never assume unlimited size.
package store

import (
	"context"
	"errors"
)

// Limits is the capacity contract of a store. Zero fields mean "no bound
// enforced by this store"; callers still should not rely on that.
type Limits struct {
	// MaxEntries caps the number of stored keys. Oldest entries (by last
	// write) are evicted first once the cap is exceeded.
	MaxEntries int
	// MaxValueBytes caps a single value. Writes over the cap are rejected.
	MaxValueBytes int64
}

// ErrValueTooLarge is returned when a value exceeds the store's per-value cap.
var ErrValueTooLarge = errors.New("value exceeds store capacity")

// DurableStore is a bounded durable key-value store.
type DurableStore interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores the value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists stored keys with the given prefix (any order).
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Limits reports the store's capacity contract.
	Limits() Limits
	Close() error
}
