package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrExpired indicates the token's validity period has passed.
	ErrExpired = errors.New("token expired")
	// ErrMalformed indicates the token could not be parsed or is missing
	// required claims.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid indicates the token was not signed with the
	// authority's key.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrWrongKind indicates an access token was presented where a refresh
	// token was required, or vice versa.
	ErrWrongKind = errors.New("unexpected token kind")
)

// Kind distinguishes the two credentials the authority issues.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the signed content of an issued token. The profile fields are a
// snapshot taken at issuance: they may go stale during the token's lifetime
// and are refreshed on rotation. The subject is always authoritative.
type Claims struct {
	Kind      Kind      `json:"kind"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	PhotoRef  string    `json:"photoRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	jwt.RegisteredClaims
}

// Codec encodes and decodes signed claim-bearing tokens. Decoding verifies
// the signature but not the validity period: expiry is the authority's
// concern, checked against its own clock.
type Codec struct {
	key []byte
}

func NewCodec(secret []byte) *Codec {
	return &Codec{key: secret}
}

// Encode signs the claims into a compact token string.
func (c *Codec) Encode(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode parses the token and verifies its signature. Signature mismatches
// are reported as ErrSignatureInvalid, every other parse failure as
// ErrMalformed.
func (c *Codec) Decode(raw string) (Claims, error) {
	var claims Claims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Claims{}, ErrSignatureInvalid
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if claims.Subject == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return Claims{}, fmt.Errorf("%w: missing required claims", ErrMalformed)
	}

	return claims, nil
}
