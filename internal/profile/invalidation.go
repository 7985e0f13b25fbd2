package profile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/bookgraph/bookgraph/internal/cache"
)

// DependentsKey returns the reverse-index set key for a user: the set of
// cache keys that embed that user's profile fragment.
func DependentsKey(userID string) string {
	return "dependents:" + userID
}

// InvalidationIndex maintains, for every user, the set of cache entries
// that embed that user's profile fragment, so a profile mutation can evict
// exactly the affected entries instead of flushing the whole cache.
type InvalidationIndex struct {
	kv cache.KeyValue
}

func NewInvalidationIndex(kv cache.KeyValue) *InvalidationIndex {
	return &InvalidationIndex{kv: kv}
}

// Register records that dependentKey embeds ownerID's profile fragment.
// Registration is idempotent. A registration racing with an in-flight
// FanOut either lands before the drain (and is evicted by it) or after
// (and becomes a dependency for the next profile version); the backend's
// atomic drain guarantees it is never lost in between.
func (i *InvalidationIndex) Register(ctx context.Context, ownerID, dependentKey string) error {
	if err := i.kv.SetAdd(ctx, DependentsKey(ownerID), dependentKey); err != nil {
		return fmt.Errorf("register dependency %s -> %s: %w", ownerID, dependentKey, err)
	}
	return nil
}

// FanOut atomically drains ownerID's reverse set and evicts every listed
// key. It returns the keys that were evicted. A key whose eviction fails is
// re-registered so a later fan-out retries it.
func (i *InvalidationIndex) FanOut(ctx context.Context, ownerID string) ([]string, error) {
	dependents, err := i.kv.SetDrain(ctx, DependentsKey(ownerID))
	if err != nil {
		return nil, fmt.Errorf("drain reverse index for user %s: %w", ownerID, err)
	}

	evicted := make([]string, 0, len(dependents))
	var failed error
	for _, key := range dependents {
		if err := i.kv.Delete(ctx, key); err != nil {
			failed = err
			// Put the key back: the dependent entry still embeds the old
			// fragment and must be evicted by a retry before it can be
			// forgotten.
			if rerr := i.kv.SetAdd(ctx, DependentsKey(ownerID), key); rerr != nil {
				log.Error().Err(rerr).Str("key", key).Msg("failed to re-register dependency after eviction failure")
			}
			continue
		}
		evicted = append(evicted, key)
	}

	if failed != nil {
		return evicted, fmt.Errorf("fan-out eviction incomplete for user %s: %w", ownerID, failed)
	}
	return evicted, nil
}
