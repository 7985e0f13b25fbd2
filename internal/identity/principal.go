package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPrincipalNotFound indicates the requested principal does not exist.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrInvalidCredentials indicates a failed username/password login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAlreadyRegistered indicates the username or email is already taken.
	ErrAlreadyRegistered = errors.New("username or email already registered")
)

// Principal is an authenticated identity. Immutable except via Service
// update operations, which invalidate the cached profile fragment.
type Principal struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PhotoRef     string    `json:"photoRef,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Users is the authoritative principal store.
type Users interface {
	Find(ctx context.Context, id string) (Principal, error)
	FindByUsername(ctx context.Context, username string) (Principal, error)
	FindByEmail(ctx context.Context, email string) (Principal, error)
	Create(ctx context.Context, p Principal) error
	Update(ctx context.Context, p Principal) error
}
