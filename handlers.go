package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bookgraph/bookgraph/internal/config"
	"github.com/bookgraph/bookgraph/internal/friendship"
	"github.com/bookgraph/bookgraph/internal/identity"
	"github.com/bookgraph/bookgraph/internal/profile"
	"github.com/bookgraph/bookgraph/internal/token"
)

const refreshCookieName = "refresh_token"

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type federatedRequest struct {
	Assertion string `json:"assertion"`
}

type updateProfileRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	PhotoRef string `json:"photoRef"`
}

type friendshipRequest struct {
	FriendID string `json:"friendId"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type statusResponse struct {
	Friends bool `json:"friends"`
}

func handleRegister(identities *identity.Service, authority *token.Authority, cookies cookieWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		p, err := identities.Register(r.Context(), req.Username, req.Email, req.Password)
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Err(err).Msg("registration failed")
			writeJSONError(w, status, message)
			return
		}

		issueSession(w, authority, cookies, p, http.StatusCreated)
	})
}

func handleLogin(identities *identity.Service, authority *token.Authority, cookies cookieWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		p, err := identities.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Msg("login failed")
			writeJSONError(w, status, message)
			return
		}

		issueSession(w, authority, cookies, p, http.StatusOK)
	})
}

func handleFederatedLogin(identities *identity.Service, authority *token.Authority, cookies cookieWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req federatedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Assertion == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		p, err := identities.Federate(r.Context(), req.Assertion)
		if err != nil {
			log.Info().Err(err).Msg("federated login failed")
			writeJSONError(w, http.StatusUnauthorized, "federated login failed")
			return
		}

		issueSession(w, authority, cookies, p, http.StatusOK)
	})
}

// handleRefresh exchanges the refresh cookie for a fresh access token,
// rotating the refresh token at the same time.
func handleRefresh(authority *token.Authority, cookies cookieWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		cookie, err := r.Cookie(refreshCookieName)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "missing refresh token")
			return
		}

		claims, err := authority.Validate(cookie.Value, token.KindRefresh)
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		p := identity.Principal{
			ID:        claims.Subject,
			Username:  claims.Username,
			Email:     claims.Email,
			PhotoRef:  claims.PhotoRef,
			CreatedAt: claims.CreatedAt,
		}

		issueSession(w, authority, cookies, p, http.StatusOK)
	})
}

// handleLogout clears the refresh cookie. Issued tokens stay valid until
// their natural expiry; there is no server-side revocation list.
func handleLogout(cookies cookieWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		cookies.clear(w)
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleUserInfo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		claims, ok := token.ClaimsFromContext(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		writeJSON(w, http.StatusOK, profile.Fragment{
			ID:        claims.Subject,
			Username:  claims.Username,
			Email:     claims.Email,
			PhotoRef:  claims.PhotoRef,
			CreatedAt: claims.CreatedAt,
		})
	})
}

func handleGetProfile(profiles *profile.Cache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		fragment, err := profiles.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusOK, fragment)
	})
}

func handleUpdateProfile(identities *identity.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		claims, _ := token.ClaimsFromContext(r.Context())
		id := r.PathValue("id")
		if id != claims.Subject {
			writeJSONError(w, http.StatusForbidden, "profiles can only be updated by their owner")
			return
		}

		var req updateProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		p, err := identities.Update(r.Context(), id, identity.ProfileUpdate{
			Username: req.Username,
			Email:    req.Email,
			PhotoRef: req.PhotoRef,
		})
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusOK, p)
	})
}

func handleCreateFriendship(friendships *friendship.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		claims, _ := token.ClaimsFromContext(r.Context())

		var req friendshipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FriendID == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		f, err := friendships.Create(r.Context(), claims.Subject, req.FriendID)
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusCreated, f)
	})
}

func handleAcceptFriendship(friendships *friendship.Service) http.Handler {
	return resolveFriendship(friendships, (*friendship.Service).Accept)
}

func handleDeclineFriendship(friendships *friendship.Service) http.Handler {
	return resolveFriendship(friendships, (*friendship.Service).Decline)
}

// resolveFriendship serves accept and decline. Only the recipient of a
// request may resolve it.
func resolveFriendship(friendships *friendship.Service, transition func(*friendship.Service, context.Context, string) (friendship.Friendship, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		claims, _ := token.ClaimsFromContext(r.Context())

		f, err := friendships.Find(r.Context(), r.PathValue("id"))
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}
		if f.FriendID != claims.Subject {
			writeJSONError(w, http.StatusForbidden, "only the recipient can resolve a request")
			return
		}

		f, err = transition(friendships, r.Context(), f.ID)
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusOK, f)
	})
}

func handleRemoveFriendship(friendships *friendship.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		claims, _ := token.ClaimsFromContext(r.Context())

		f, err := friendships.Find(r.Context(), r.PathValue("id"))
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}
		if f.RequesterID != claims.Subject && f.FriendID != claims.Subject {
			writeJSONError(w, http.StatusForbidden, "not a participant in this friendship")
			return
		}

		if err := friendships.Remove(r.Context(), f.ID); err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleListFriends(lists *friendship.ListCache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		claims, _ := token.ClaimsFromContext(r.Context())

		views, err := lists.Friends(r.Context(), claims.Subject)
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusOK, views)
	})
}

func handleListPending(lists *friendship.ListCache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		claims, _ := token.ClaimsFromContext(r.Context())

		views, err := lists.Pending(r.Context(), claims.Subject)
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusOK, views)
	})
}

func handleFriendshipStatus(friendships *friendship.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		claims, _ := token.ClaimsFromContext(r.Context())

		friends, err := friendships.AreFriends(r.Context(), claims.Subject, r.PathValue("otherId"))
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, http.StatusOK, statusResponse{Friends: friends})
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// issueSession mints an access/refresh pair and writes the session response:
// the access token in the body, the refresh token in an HttpOnly cookie.
func issueSession(w http.ResponseWriter, authority *token.Authority, cookies cookieWriter, p identity.Principal, status int) {
	access, accessClaims, err := authority.Issue(p, token.KindAccess)
	if err != nil {
		log.Warn().Err(err).Msg("access token issuance failed")
		writeJSONError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	refresh, _, err := authority.Issue(p, token.KindRefresh)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token issuance failed")
		writeJSONError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	cookies.set(w, refresh)

	writeJSON(w, status, tokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessClaims.ExpiresAt.Sub(accessClaims.IssuedAt.Time).Seconds()),
	})
}

// cookieWriter writes and clears the refresh cookie, scoped to the auth
// routes so the browser never sends the refresh token elsewhere.
type cookieWriter struct {
	secure bool
	maxAge time.Duration
}

func newCookieWriter(cfg config.AuthConfig) cookieWriter {
	return cookieWriter{secure: cfg.CookieSecure, maxAge: cfg.RefreshTTL()}
}

func (c cookieWriter) set(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     "/auth",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c cookieWriter) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		// the status code is already written, so we can only log
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrSignatureInvalid),
		errors.Is(err, token.ErrWrongKind):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, identity.ErrPrincipalNotFound),
		errors.Is(err, friendship.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, identity.ErrAlreadyRegistered),
		errors.Is(err, friendship.ErrConflict),
		errors.Is(err, friendship.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
}

// drainRequestBody drains the request body by reading and discarding the
// contents, which matters for connection reuse with HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
