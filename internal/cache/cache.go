package cache

import (
	"context"
	"time"
)

// KeyValue is the shared cache backend used by the profile and friendship
// caches. Implementations treat the backend as a remote resource: every
// operation takes a context and may fail transiently. Callers are expected
// to degrade to the authoritative store on error rather than failing the
// request.
//
// Set operations back the reverse dependency index: each user's set holds
// the cache keys that embed that user's profile fragment.
type KeyValue interface {
	// Get retrieves a value. Returns the value, whether it was found, and
	// any error. An entry past its TTL is reported as not found.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the provided TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// SetAdd adds a member to the named set. Adding an existing member is
	// a no-op.
	SetAdd(ctx context.Context, key string, member string) error

	// SetMembers returns the members of the named set, which may be empty.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetDrain atomically reads and clears the named set, returning the
	// members present at the moment of the clear. A concurrent SetAdd
	// lands either before the clear (and is returned) or after (and
	// remains for the next drain); it is never lost.
	SetDrain(ctx context.Context, key string) ([]string, error)

	// Close releases any resources held by the cache.
	Close() error
}
