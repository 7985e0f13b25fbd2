package token

import (
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/bookgraph/bookgraph/internal/identity"
)

// Authority issues and validates tokens. Issued tokens are self-contained:
// validation verifies the signature and expiry without consulting any
// store, trading revocation capability for zero-lookup verification.
// A consequence is that a refresh token cannot be revoked before its
// natural expiry; logout only clears the client-side cookie.
type Authority struct {
	codec      *Codec
	accessTTL  time.Duration
	refreshTTL time.Duration
	nowFunc    func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock replaces the authority's time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.nowFunc = now }
}

// NewAuthority constructs an authority signing with the given secret.
func NewAuthority(secret []byte, accessTTL, refreshTTL time.Duration, opts ...Option) *Authority {
	a := &Authority{
		codec:      NewCodec(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue mints a token of the given kind for the principal, embedding a
// profile snapshot in the claims.
func (a *Authority) Issue(p identity.Principal, kind Kind) (string, Claims, error) {
	now := a.nowFunc().UTC()

	ttl := a.accessTTL
	if kind == KindRefresh {
		ttl = a.refreshTTL
	}

	claims := Claims{
		Kind:      kind,
		Username:  p.Username,
		Email:     p.Email,
		PhotoRef:  p.PhotoRef,
		CreatedAt: p.CreatedAt,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := a.codec.Encode(claims)
	if err != nil {
		return "", Claims{}, err
	}

	return signed, claims, nil
}

// Validate verifies the token's signature, kind and expiry. It never
// consults a store: the claims are trusted as issued.
func (a *Authority) Validate(raw string, kind Kind) (Claims, error) {
	claims, err := a.codec.Decode(raw)
	if err != nil {
		return Claims{}, err
	}

	if claims.Kind != kind {
		return Claims{}, ErrWrongKind
	}

	if !a.nowFunc().Before(claims.ExpiresAt.Time) {
		return Claims{}, ErrExpired
	}

	return claims, nil
}

// Refresh validates a refresh token and issues a fresh access token for the
// same subject. The embedded profile snapshot is carried over as-is; it may
// be stale, and callers wanting fresh claims re-resolve the subject against
// the authoritative store.
func (a *Authority) Refresh(refreshToken string) (string, Claims, error) {
	claims, err := a.Validate(refreshToken, KindRefresh)
	if err != nil {
		return "", Claims{}, err
	}

	return a.Issue(identity.Principal{
		ID:        claims.Subject,
		Username:  claims.Username,
		Email:     claims.Email,
		PhotoRef:  claims.PhotoRef,
		CreatedAt: claims.CreatedAt,
	}, KindAccess)
}
