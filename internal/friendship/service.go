package friendship

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ListInvalidator evicts a user's cached friendship lists.
type ListInvalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
}

// Service governs the friendship lifecycle. Every transition invalidates
// the affected users' cached lists before returning, so a caller that
// mutates and immediately re-reads through this instance never observes
// the pre-transition lists.
type Service struct {
	store   Store
	lists   ListInvalidator
	nowFunc func() time.Time
}

func NewService(store Store, lists ListInvalidator) *Service {
	return &Service{
		store:   store,
		lists:   lists,
		nowFunc: time.Now,
	}
}

// Create records a friend request from requesterID to friendID. It fails
// with ErrConflict when an active record already exists in either
// direction; the conflict check completes before any write occurs.
func (s *Service) Create(ctx context.Context, requesterID, friendID string) (Friendship, error) {
	if requesterID == friendID {
		return Friendship{}, fmt.Errorf("%w: cannot befriend yourself", ErrConflict)
	}

	exists, err := s.store.ExistsActive(ctx, requesterID, friendID)
	if err != nil {
		return Friendship{}, fmt.Errorf("conflict check: %w", err)
	}
	if exists {
		return Friendship{}, ErrConflict
	}

	f := Friendship{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		FriendID:    friendID,
		Status:      StatusPending,
		CreatedAt:   s.nowFunc().UTC(),
	}

	if err := s.store.Create(ctx, f); err != nil {
		return Friendship{}, fmt.Errorf("create friendship: %w", err)
	}

	log.Info().Str("friendship_id", f.ID).Str("requester", requesterID).Str("friend", friendID).Msg("friend request created")
	return f, nil
}

// Accept transitions a Pending record to Accepted.
func (s *Service) Accept(ctx context.Context, friendshipID string) (Friendship, error) {
	f, err := s.store.Find(ctx, friendshipID)
	if err != nil {
		return Friendship{}, err
	}

	if f.Status != StatusPending {
		return Friendship{}, fmt.Errorf("%w: cannot accept a %s friendship", ErrInvalidTransition, f.Status)
	}

	if err := s.store.UpdateStatus(ctx, friendshipID, StatusAccepted); err != nil {
		return Friendship{}, fmt.Errorf("accept friendship: %w", err)
	}
	f.Status = StatusAccepted

	s.invalidateBoth(ctx, f)
	return f, nil
}

// Decline transitions a Pending record to Declined, a terminal state.
func (s *Service) Decline(ctx context.Context, friendshipID string) (Friendship, error) {
	f, err := s.store.Find(ctx, friendshipID)
	if err != nil {
		return Friendship{}, err
	}

	if f.Status != StatusPending {
		return Friendship{}, fmt.Errorf("%w: cannot decline a %s friendship", ErrInvalidTransition, f.Status)
	}

	if err := s.store.UpdateStatus(ctx, friendshipID, StatusDeclined); err != nil {
		return Friendship{}, fmt.Errorf("decline friendship: %w", err)
	}
	f.Status = StatusDeclined

	s.invalidateBoth(ctx, f)
	return f, nil
}

// Remove deletes an Accepted record. A subsequent request between the same
// users creates a fresh record.
func (s *Service) Remove(ctx context.Context, friendshipID string) error {
	f, err := s.store.Find(ctx, friendshipID)
	if err != nil {
		return err
	}

	if f.Status != StatusAccepted {
		return fmt.Errorf("%w: cannot remove a %s friendship", ErrInvalidTransition, f.Status)
	}

	if err := s.store.Delete(ctx, friendshipID); err != nil {
		return fmt.Errorf("remove friendship: %w", err)
	}

	s.invalidateBoth(ctx, f)
	return nil
}

// Find returns the friendship record by id.
func (s *Service) Find(ctx context.Context, friendshipID string) (Friendship, error) {
	return s.store.Find(ctx, friendshipID)
}

// AreFriends reports whether an Accepted record exists between the two
// users. The check bypasses the cache: it underlies authorization-sensitive
// decisions and must reflect the authoritative store.
func (s *Service) AreFriends(ctx context.Context, a, b string) (bool, error) {
	return s.store.ExistsAccepted(ctx, a, b)
}

// invalidateBoth evicts the friends and pending lists of both participants.
// Cache-backend trouble is logged, not surfaced: the authoritative write
// already happened and stale lists expire with their TTL.
func (s *Service) invalidateBoth(ctx context.Context, f Friendship) {
	for _, userID := range []string{f.RequesterID, f.FriendID} {
		if err := s.lists.InvalidateUser(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("friendship list invalidation failed")
		}
	}
}
