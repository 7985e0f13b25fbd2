package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/bookgraph/bookgraph/internal/cache"
	"github.com/bookgraph/bookgraph/internal/identity"
)

// Key returns the cache key for a user's profile fragment.
func Key(userID string) string {
	return "profile:" + userID
}

// Fragment is the denormalized profile snapshot embedded in friendship
// list entries and served from the profile cache.
type Fragment struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	PhotoRef  string    `json:"photoRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Users is the authoritative source of principal records.
type Users interface {
	Find(ctx context.Context, id string) (identity.Principal, error)
}

// Cache is a read-through cache of profile fragments. Cache-backend trouble
// degrades to authoritative reads; it never fails the request. Concurrent
// misses for the same user collapse to a single authoritative load.
type Cache struct {
	kv    cache.KeyValue
	users Users
	index *InvalidationIndex
	ttl   time.Duration
	group singleflight.Group
}

func NewCache(kv cache.KeyValue, users Users, index *InvalidationIndex, ttl time.Duration) *Cache {
	return &Cache{
		kv:    kv,
		users: users,
		index: index,
		ttl:   ttl,
	}
}

// Get returns the user's profile fragment, populating the cache on a miss.
func (c *Cache) Get(ctx context.Context, userID string) (Fragment, error) {
	key := Key(userID)

	data, found, err := c.kv.Get(ctx, key)
	if err != nil {
		// Degrade to the authoritative store without caching this call.
		log.Warn().Err(err).Str("key", key).Msg("profile cache read failed, falling back to store")
		return c.load(ctx, userID)
	}

	if found {
		var fragment Fragment
		if err := json.Unmarshal(data, &fragment); err == nil {
			return fragment, nil
		}
		// Corrupted entry: evict best-effort and repopulate.
		log.Warn().Str("key", key).Msg("evicting undecodable profile fragment")
		_ = c.kv.Delete(ctx, key)
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		fragment, err := c.load(ctx, userID)
		if err != nil {
			return Fragment{}, err
		}
		c.populate(ctx, key, fragment)
		return fragment, nil
	})
	if err != nil {
		return Fragment{}, err
	}

	return result.(Fragment), nil
}

// Invalidate evicts the user's cached fragment and fans the invalidation
// out to every cache entry that embeds it. Calling it for an uncached user
// is safe and idempotent.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if err := c.kv.Delete(ctx, Key(userID)); err != nil {
		// The fragment entry survives until its TTL; the fan-out below is
		// still attempted so dependents do not serve the stale embed.
		log.Warn().Err(err).Str("user_id", userID).Msg("profile fragment eviction failed")
	}

	evicted, err := c.index.FanOut(ctx, userID)
	if err != nil {
		return fmt.Errorf("invalidation fan-out for user %s: %w", userID, err)
	}

	if len(evicted) > 0 {
		log.Debug().Str("user_id", userID).Strs("evicted", evicted).Msg("profile invalidation fanned out")
	}
	return nil
}

func (c *Cache) load(ctx context.Context, userID string) (Fragment, error) {
	p, err := c.users.Find(ctx, userID)
	if err != nil {
		return Fragment{}, err
	}

	return Fragment{
		ID:        p.ID,
		Username:  p.Username,
		Email:     p.Email,
		PhotoRef:  p.PhotoRef,
		CreatedAt: p.CreatedAt,
	}, nil
}

func (c *Cache) populate(ctx context.Context, key string, fragment Fragment) {
	data, err := json.Marshal(fragment)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("profile fragment marshal failed")
		return
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		// Population is best-effort: the caller already has the fragment.
		log.Warn().Err(err).Str("key", key).Msg("profile cache population failed")
	}
}
