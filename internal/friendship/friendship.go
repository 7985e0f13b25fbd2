package friendship

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict indicates an active friendship or request already exists
	// between the two users, in either direction.
	ErrConflict = errors.New("friendship already exists")
	// ErrNotFound indicates the friendship record does not exist.
	ErrNotFound = errors.New("friendship not found")
	// ErrInvalidTransition indicates the requested lifecycle transition is
	// not valid for the record's current status.
	ErrInvalidTransition = errors.New("invalid friendship transition")
)

// Status is the lifecycle state of a friendship record.
// Pending -> {Accepted, Declined}; Accepted -> removed (record deleted).
// Declined is terminal: a new request must create a fresh record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// Friendship is a relationship record between two users. At most one record
// per unordered user pair may be active (Pending or Accepted) at a time.
type Friendship struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requesterId"`
	FriendID    string    `json:"friendId"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Counterpart returns the other participant from userID's point of view.
func (f Friendship) Counterpart(userID string) string {
	if f.RequesterID == userID {
		return f.FriendID
	}
	return f.RequesterID
}

// Store is the authoritative friendship store. ListByUserAndStatus matches
// records where the user appears on either side, in insertion order.
type Store interface {
	Create(ctx context.Context, f Friendship) error
	Find(ctx context.Context, id string) (Friendship, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	Delete(ctx context.Context, id string) error
	ListByUserAndStatus(ctx context.Context, userID string, status Status) ([]Friendship, error)
	// ExistsActive reports whether a Pending or Accepted record exists
	// between the two users, in either direction.
	ExistsActive(ctx context.Context, a, b string) (bool, error)
	// ExistsAccepted reports whether an Accepted record exists between the
	// two users, in either direction.
	ExistsAccepted(ctx context.Context, a, b string) (bool, error)
}
