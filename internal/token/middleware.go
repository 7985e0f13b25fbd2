package token

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type claimsContextKey struct{}

// Middleware returns HTTP middleware that verifies the bearer access token
// and enforces its validity. The validated claims are set on the request
// context and can be retrieved by calling token.ClaimsFromContext(ctx).
//
// An invalid or expired token is always rejected with 401; a protected
// route never treats the caller as anonymous.
func Middleware(authority *Authority) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}

			claims, err := authority.Validate(raw, KindAccess)
			if err != nil {
				log.Debug().Err(err).Msg("access token rejected")
				unauthorized(w, "invalid or expired token")
				return
			}

			ctx := ContextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextWithClaims returns a new context.Context with the provided
// validated claims added to it. This is primarily for test usage.
func ContextWithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the validated claims from the context as set by
// the middleware. The second return is false if the middleware did not run,
// which should be regarded as an error for handlers expecting the claims.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(Claims)
	return claims, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
