package friendship

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/bookgraph/bookgraph/internal/cache"
	"github.com/bookgraph/bookgraph/internal/profile"
)

// FriendsKey returns the cache key for a user's accepted-friends list.
func FriendsKey(userID string) string {
	return "friends:" + userID
}

// PendingKey returns the cache key for a user's pending-requests list.
func PendingKey(userID string) string {
	return "pending:" + userID
}

// View is a friendship list entry with the counterpart's denormalized
// profile fragment embedded.
type View struct {
	ID          string           `json:"id"`
	RequesterID string           `json:"requesterId"`
	FriendID    string           `json:"friendId"`
	Status      Status           `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	Friend      profile.Fragment `json:"friend"`
}

// Profiles hydrates counterpart profile fragments.
type Profiles interface {
	Get(ctx context.Context, userID string) (profile.Fragment, error)
}

// DependencyIndex records which cache entries embed a user's fragment.
type DependencyIndex interface {
	Register(ctx context.Context, ownerID, dependentKey string) error
}

// ListCache is a read-through cache of per-user friendship lists. Each
// cached list embeds counterpart profile fragments; every embed is
// registered in the counterpart's reverse index so a profile change evicts
// the list. Empty authoritative results are not cached, so a first friend
// or request becomes visible without waiting out a TTL.
type ListCache struct {
	kv       cache.KeyValue
	store    Store
	profiles Profiles
	index    DependencyIndex
	ttl      time.Duration
	group    singleflight.Group
}

func NewListCache(kv cache.KeyValue, store Store, profiles Profiles, index DependencyIndex, ttl time.Duration) *ListCache {
	return &ListCache{
		kv:       kv,
		store:    store,
		profiles: profiles,
		index:    index,
		ttl:      ttl,
	}
}

// Friends returns the user's accepted friendships with embedded profiles.
func (c *ListCache) Friends(ctx context.Context, userID string) ([]View, error) {
	return c.list(ctx, FriendsKey(userID), userID, StatusAccepted)
}

// Pending returns the user's pending requests (sent and received) with
// embedded profiles.
func (c *ListCache) Pending(ctx context.Context, userID string) ([]View, error) {
	return c.list(ctx, PendingKey(userID), userID, StatusPending)
}

// InvalidateUser evicts both of the user's cached lists.
func (c *ListCache) InvalidateUser(ctx context.Context, userID string) error {
	var firstErr error
	for _, key := range []string{FriendsKey(userID), PendingKey(userID)} {
		if err := c.kv.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("evict %s: %w", key, err)
		}
	}
	return firstErr
}

func (c *ListCache) list(ctx context.Context, key, userID string, status Status) ([]View, error) {
	data, found, err := c.kv.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("list cache read failed, falling back to store")
		views, _, derr := c.derive(ctx, key, userID, status)
		return views, derr
	}

	if found {
		var views []View
		if err := json.Unmarshal(data, &views); err == nil {
			return views, nil
		}
		log.Warn().Str("key", key).Msg("evicting undecodable friendship list")
		_ = c.kv.Delete(ctx, key)
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		views, cacheable, err := c.derive(ctx, key, userID, status)
		if err != nil {
			return nil, err
		}
		if cacheable && len(views) > 0 {
			c.populate(ctx, key, views)
		}
		return views, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]View), nil
}

// derive rebuilds the list from the authoritative store, hydrating each
// entry's counterpart profile and registering the reverse-index
// dependencies. It reports whether the result may be cached: a list whose
// dependency registration failed must not be cached, or a later profile
// change could leave it stale until its TTL.
func (c *ListCache) derive(ctx context.Context, key, userID string, status Status) ([]View, bool, error) {
	records, err := c.store.ListByUserAndStatus(ctx, userID, status)
	if err != nil {
		return nil, false, fmt.Errorf("list friendships: %w", err)
	}

	cacheable := true
	views := make([]View, 0, len(records))
	for _, f := range records {
		counterpart := f.Counterpart(userID)

		fragment, err := c.profiles.Get(ctx, counterpart)
		if err != nil {
			return nil, false, fmt.Errorf("hydrate profile %s: %w", counterpart, err)
		}

		if err := c.index.Register(ctx, counterpart, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("dependency registration failed, skipping cache population")
			cacheable = false
		}

		views = append(views, View{
			ID:          f.ID,
			RequesterID: f.RequesterID,
			FriendID:    f.FriendID,
			Status:      f.Status,
			CreatedAt:   f.CreatedAt,
			Friend:      fragment,
		})
	}

	return views, cacheable, nil
}

func (c *ListCache) populate(ctx context.Context, key string, views []View) {
	data, err := json.Marshal(views)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("friendship list marshal failed")
		return
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("list cache population failed")
	}
}
