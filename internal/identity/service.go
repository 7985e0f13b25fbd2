package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// ProfileInvalidator evicts a user's cached profile fragment and fans the
// invalidation out to every cache entry that embeds it.
type ProfileInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// Service owns principal registration, login and profile updates.
type Service struct {
	users       Users
	federation  Federation
	invalidator ProfileInvalidator
	nowFunc     func() time.Time
}

// NewService constructs an identity service. The federation resolver may be
// nil when federated login is not configured.
func NewService(users Users, federation Federation, invalidator ProfileInvalidator) *Service {
	return &Service{
		users:       users,
		federation:  federation,
		invalidator: invalidator,
		nowFunc:     time.Now,
	}
}

// ProfileUpdate carries the mutable principal fields. Zero values leave the
// corresponding field unchanged.
type ProfileUpdate struct {
	Username string
	Email    string
	PhotoRef string
}

// Register creates a local principal with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, username, email, password string) (Principal, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))

	if username == "" || email == "" || password == "" {
		return Principal{}, fmt.Errorf("username, email and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Principal{}, fmt.Errorf("invalid email address: %w", err)
	}
	if len(password) < 8 {
		return Principal{}, fmt.Errorf("password must be at least 8 characters")
	}

	if _, err := s.users.FindByUsername(ctx, username); err == nil {
		return Principal{}, ErrAlreadyRegistered
	} else if !errors.Is(err, ErrPrincipalNotFound) {
		return Principal{}, fmt.Errorf("username lookup: %w", err)
	}
	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return Principal{}, ErrAlreadyRegistered
	} else if !errors.Is(err, ErrPrincipalNotFound) {
		return Principal{}, fmt.Errorf("email lookup: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Principal{}, fmt.Errorf("hash password: %w", err)
	}

	p := Principal{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.nowFunc().UTC(),
	}

	if err := s.users.Create(ctx, p); err != nil {
		return Principal{}, fmt.Errorf("create principal: %w", err)
	}

	log.Info().Str("user_id", p.ID).Msg("principal registered")
	return p, nil
}

// Login verifies a username/password pair. An unknown username and a wrong
// password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, password string) (Principal, error) {
	p, err := s.users.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, fmt.Errorf("principal lookup: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)) != nil {
		return Principal{}, ErrInvalidCredentials
	}

	return p, nil
}

// Get returns the authoritative principal record.
func (s *Service) Get(ctx context.Context, id string) (Principal, error) {
	return s.users.Find(ctx, id)
}

// Update applies a profile change to the authoritative store, then
// invalidates the cached fragment. The invalidation completes before Update
// returns, so a client that writes and immediately re-reads through this
// instance never observes the pre-write fragment.
func (s *Service) Update(ctx context.Context, id string, change ProfileUpdate) (Principal, error) {
	p, err := s.users.Find(ctx, id)
	if err != nil {
		return Principal{}, err
	}

	if change.Username != "" {
		p.Username = change.Username
	}
	if change.Email != "" {
		email := strings.TrimSpace(strings.ToLower(change.Email))
		if _, err := mail.ParseAddress(email); err != nil {
			return Principal{}, fmt.Errorf("invalid email address: %w", err)
		}
		p.Email = email
	}
	if change.PhotoRef != "" {
		p.PhotoRef = change.PhotoRef
	}

	if err := s.users.Update(ctx, p); err != nil {
		return Principal{}, fmt.Errorf("update principal: %w", err)
	}

	if err := s.invalidator.Invalidate(ctx, id); err != nil {
		// Cache trouble must not fail the write: the store is already
		// updated and stale entries expire with their TTL.
		log.Warn().Err(err).Str("user_id", id).Msg("profile invalidation failed")
	}

	return p, nil
}

// Federate exchanges an external identity assertion for a local principal,
// creating one on first login. Federation is purely a principal-resolution
// step: token issuance afterwards is identical to local login.
func (s *Service) Federate(ctx context.Context, assertion string) (Principal, error) {
	if s.federation == nil {
		return Principal{}, fmt.Errorf("federated login is not configured")
	}

	resolved, err := s.federation.Resolve(ctx, assertion)
	if err != nil {
		return Principal{}, fmt.Errorf("resolve identity assertion: %w", err)
	}

	email := strings.TrimSpace(strings.ToLower(resolved.Email))
	p, err := s.users.FindByEmail(ctx, email)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPrincipalNotFound) {
		return Principal{}, fmt.Errorf("principal lookup: %w", err)
	}

	// First federated login: provision a principal. No password hash is
	// set, so local password login stays unavailable for this account.
	p = Principal{
		ID:        uuid.NewString(),
		Username:  federatedUsername(resolved.DisplayName),
		Email:     email,
		CreatedAt: s.nowFunc().UTC(),
	}

	if err := s.users.Create(ctx, p); err != nil {
		return Principal{}, fmt.Errorf("create federated principal: %w", err)
	}

	log.Info().Str("user_id", p.ID).Msg("federated principal provisioned")
	return p, nil
}

func federatedUsername(displayName string) string {
	name := strings.ToLower(strings.Join(strings.Fields(displayName), "."))
	if name == "" {
		name = "user"
	}
	// Suffix keeps provisioned usernames unique without a retry loop.
	return name + "-" + uuid.NewString()[:8]
}
