package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookgraph/bookgraph/internal/cache"
	"github.com/bookgraph/bookgraph/internal/config"
	"github.com/bookgraph/bookgraph/internal/friendship"
	"github.com/bookgraph/bookgraph/internal/identity"
	"github.com/bookgraph/bookgraph/internal/profile"
	"github.com/bookgraph/bookgraph/internal/token"
)

// memUsers is an in-memory identity.Users for router tests.
type memUsers struct {
	mu    sync.Mutex
	users map[string]identity.Principal
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[string]identity.Principal{}}
}

func (m *memUsers) Find(_ context.Context, id string) (identity.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[id]
	if !ok {
		return identity.Principal{}, identity.ErrPrincipalNotFound
	}
	return p, nil
}

func (m *memUsers) FindByUsername(_ context.Context, username string) (identity.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.users {
		if p.Username == username {
			return p, nil
		}
	}
	return identity.Principal{}, identity.ErrPrincipalNotFound
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (identity.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.users {
		if p.Email == email {
			return p, nil
		}
	}
	return identity.Principal{}, identity.ErrPrincipalNotFound
}

func (m *memUsers) Create(_ context.Context, p identity.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[p.ID] = p
	return nil
}

func (m *memUsers) Update(_ context.Context, p identity.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[p.ID]; !ok {
		return identity.ErrPrincipalNotFound
	}
	m.users[p.ID] = p
	return nil
}

// memFriendships is an in-memory friendship.Store for router tests.
type memFriendships struct {
	mu      sync.Mutex
	records []friendship.Friendship
}

func (m *memFriendships) Create(_ context.Context, f friendship.Friendship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, f)
	return nil
}

func (m *memFriendships) Find(_ context.Context, id string) (friendship.Friendship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.records {
		if f.ID == id {
			return f, nil
		}
	}
	return friendship.Friendship{}, friendship.ErrNotFound
}

func (m *memFriendships) UpdateStatus(_ context.Context, id string, status friendship.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.records {
		if f.ID == id {
			m.records[i].Status = status
			return nil
		}
	}
	return friendship.ErrNotFound
}

func (m *memFriendships) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.records {
		if f.ID == id {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return nil
		}
	}
	return friendship.ErrNotFound
}

func (m *memFriendships) ListByUserAndStatus(_ context.Context, userID string, status friendship.Status) ([]friendship.Friendship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []friendship.Friendship
	for _, f := range m.records {
		if f.Status == status && (f.RequesterID == userID || f.FriendID == userID) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memFriendships) ExistsActive(_ context.Context, a, b string) (bool, error) {
	return m.exists(a, b, friendship.StatusPending, friendship.StatusAccepted), nil
}

func (m *memFriendships) ExistsAccepted(_ context.Context, a, b string) (bool, error) {
	return m.exists(a, b, friendship.StatusAccepted), nil
}

func (m *memFriendships) exists(a, b string, statuses ...friendship.Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.records {
		pair := (f.RequesterID == a && f.FriendID == b) || (f.RequesterID == b && f.FriendID == a)
		if !pair {
			continue
		}
		for _, s := range statuses {
			if f.Status == s {
				return true
			}
		}
	}
	return false
}

type harness struct {
	handler http.Handler
	cfg     config.Config
}

func newHarness(t *testing.T, federationURL string) *harness {
	t.Helper()

	cfg := config.Config{
		Auth: config.AuthConfig{
			Secret:           "test-secret-test-secret-test-secret",
			AccessTTLMinutes: 60,
			RefreshTTLHours:  168,
			CookieSecure:     false,
		},
	}

	kv, err := cache.NewMemory(time.Hour, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	users := newMemUsers()
	friendshipStore := &memFriendships{}

	index := profile.NewInvalidationIndex(kv)
	profiles := profile.NewCache(kv, users, index, time.Hour)
	lists := friendship.NewListCache(kv, friendshipStore, profiles, index, time.Hour)

	var federation identity.Federation
	if federationURL != "" {
		federation = identity.NewHTTPFederation(federationURL, time.Second)
	}

	svc := services{
		identities:  identity.NewService(users, federation, profiles),
		friendships: friendship.NewService(friendshipStore, lists),
		profiles:    profiles,
		lists:       lists,
		authority:   token.NewAuthority([]byte(cfg.Auth.Secret), cfg.Auth.AccessTTL(), cfg.Auth.RefreshTTL()),
	}

	return &harness{handler: configureServerRoutes(cfg, svc), cfg: cfg}
}

// do performs a request against the router, marshalling body to JSON when
// non-nil and attaching the bearer token when non-empty.
func (h *harness) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(encoded)
	} else {
		reader = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func (h *harness) register(t *testing.T, username string) (accessToken, userID string) {
	t.Helper()

	rr := h.do(t, "POST", "/auth/register", "", registerRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "long-enough-password",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	info := h.do(t, "GET", "/auth/userinfo", resp.AccessToken, nil)
	require.Equal(t, http.StatusOK, info.Code)

	var fragment profile.Fragment
	require.NoError(t, json.Unmarshal(info.Body.Bytes(), &fragment))

	return resp.AccessToken, fragment.ID
}

func refreshCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == refreshCookieName {
			return c
		}
	}
	t.Fatal("refresh cookie not set")
	return nil
}

func TestRegister_IssuesSession(t *testing.T) {
	h := newHarness(t, "")

	rr := h.do(t, "POST", "/auth/register", "", registerRequest{
		Username: "ada",
		Email:    "ada@example.com",
		Password: "long-enough-password",
	})

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)

	cookie := refreshCookie(t, rr)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/auth", cookie.Path)
	assert.NotEmpty(t, cookie.Value)
}

func TestRegister_DuplicateUsernameConflicts(t *testing.T) {
	h := newHarness(t, "")
	h.register(t, "ada")

	rr := h.do(t, "POST", "/auth/register", "", registerRequest{
		Username: "ada",
		Email:    "other@example.com",
		Password: "long-enough-password",
	})

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestLogin(t *testing.T) {
	h := newHarness(t, "")
	h.register(t, "ada")

	t.Run("succeeds with correct password", func(t *testing.T) {
		rr := h.do(t, "POST", "/auth/login", "", loginRequest{
			Username: "ada",
			Password: "long-enough-password",
		})
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("rejects wrong password", func(t *testing.T) {
		rr := h.do(t, "POST", "/auth/login", "", loginRequest{
			Username: "ada",
			Password: "not-the-password",
		})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("unknown user is indistinguishable from wrong password", func(t *testing.T) {
		rr := h.do(t, "POST", "/auth/login", "", loginRequest{
			Username: "nobody",
			Password: "long-enough-password",
		})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "invalid credentials", resp.Error)
	})
}

func TestProtectedRoutes_RequireBearerToken(t *testing.T) {
	h := newHarness(t, "")

	for _, route := range []struct{ method, path string }{
		{"GET", "/auth/userinfo"},
		{"GET", "/users/u1"},
		{"POST", "/friendships"},
		{"GET", "/friendships/friends"},
	} {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			rr := h.do(t, route.method, route.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestRefresh_RotatesSession(t *testing.T) {
	h := newHarness(t, "")

	rr := h.do(t, "POST", "/auth/register", "", registerRequest{
		Username: "ada",
		Email:    "ada@example.com",
		Password: "long-enough-password",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	cookie := refreshCookie(t, rr)

	req := httptest.NewRequest("POST", "/auth/refresh", nil)
	req.AddCookie(cookie)
	refreshed := httptest.NewRecorder()
	h.handler.ServeHTTP(refreshed, req)

	require.Equal(t, http.StatusOK, refreshed.Code, refreshed.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(refreshed.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)

	// the refresh token is rotated alongside the access token
	rotated := refreshCookie(t, refreshed)
	assert.NotEmpty(t, rotated.Value)

	// the fresh access token works against a protected route
	info := h.do(t, "GET", "/auth/userinfo", resp.AccessToken, nil)
	assert.Equal(t, http.StatusOK, info.Code)
}

func TestRefresh_MissingCookie(t *testing.T) {
	h := newHarness(t, "")

	rr := h.do(t, "POST", "/auth/refresh", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	h := newHarness(t, "")
	access, _ := h.register(t, "ada")

	req := httptest.NewRequest("POST", "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: access})
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogout_ClearsRefreshCookie(t *testing.T) {
	h := newHarness(t, "")

	rr := h.do(t, "POST", "/auth/logout", "", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	cookie := refreshCookie(t, rr)
	assert.Empty(t, cookie.Value)
	assert.Negative(t, cookie.MaxAge)
}

func TestFederatedLogin(t *testing.T) {
	userinfo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer valid-assertion" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"email":"grace@example.com","name":"Grace Hopper"}`)
	}))
	defer userinfo.Close()

	h := newHarness(t, userinfo.URL)

	t.Run("provisions a principal on first login", func(t *testing.T) {
		rr := h.do(t, "POST", "/auth/federated", "", federatedRequest{Assertion: "valid-assertion"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp tokenResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

		info := h.do(t, "GET", "/auth/userinfo", resp.AccessToken, nil)
		require.Equal(t, http.StatusOK, info.Code)

		var fragment profile.Fragment
		require.NoError(t, json.Unmarshal(info.Body.Bytes(), &fragment))
		assert.Equal(t, "grace@example.com", fragment.Email)
		assert.Contains(t, fragment.Username, "grace.hopper")
	})

	t.Run("rejects an invalid assertion", func(t *testing.T) {
		rr := h.do(t, "POST", "/auth/federated", "", federatedRequest{Assertion: "bogus"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestProfile_ReadAndUpdate(t *testing.T) {
	h := newHarness(t, "")
	adaToken, adaID := h.register(t, "ada")
	graceToken, _ := h.register(t, "grace")

	t.Run("any authenticated user can read a profile", func(t *testing.T) {
		rr := h.do(t, "GET", "/users/"+adaID, graceToken, nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var fragment profile.Fragment
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fragment))
		assert.Equal(t, "ada", fragment.Username)
	})

	t.Run("unknown user is 404", func(t *testing.T) {
		rr := h.do(t, "GET", "/users/no-such-user", adaToken, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("owner can update and the change is immediately visible", func(t *testing.T) {
		rr := h.do(t, "PUT", "/users/"+adaID, adaToken, updateProfileRequest{Username: "ada.lovelace"})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		read := h.do(t, "GET", "/users/"+adaID, graceToken, nil)
		require.Equal(t, http.StatusOK, read.Code)

		var fragment profile.Fragment
		require.NoError(t, json.Unmarshal(read.Body.Bytes(), &fragment))
		assert.Equal(t, "ada.lovelace", fragment.Username)
	})

	t.Run("non-owner cannot update", func(t *testing.T) {
		rr := h.do(t, "PUT", "/users/"+adaID, graceToken, updateProfileRequest{Username: "hijacked"})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestFriendshipFlow(t *testing.T) {
	h := newHarness(t, "")
	adaToken, adaID := h.register(t, "ada")
	graceToken, graceID := h.register(t, "grace")

	// request
	rr := h.do(t, "POST", "/friendships", adaToken, friendshipRequest{FriendID: graceID})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var f friendship.Friendship
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &f))
	assert.Equal(t, friendship.StatusPending, f.Status)

	// pending visible to both sides
	pending := h.do(t, "GET", "/friendships/pending", graceToken, nil)
	require.Equal(t, http.StatusOK, pending.Code)
	var views []friendship.View
	require.NoError(t, json.Unmarshal(pending.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "ada", views[0].Friend.Username)

	// not yet friends
	status := h.do(t, "GET", "/friendships/status/"+graceID, adaToken, nil)
	require.Equal(t, http.StatusOK, status.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &st))
	assert.False(t, st.Friends)

	// the requester cannot accept their own request
	denied := h.do(t, "POST", "/friendships/"+f.ID+"/accept", adaToken, nil)
	assert.Equal(t, http.StatusForbidden, denied.Code)

	// the recipient accepts
	accepted := h.do(t, "POST", "/friendships/"+f.ID+"/accept", graceToken, nil)
	require.Equal(t, http.StatusOK, accepted.Code, accepted.Body.String())

	// both sides see the friendship
	for name, tok := range map[string]string{"ada": adaToken, "grace": graceToken} {
		friends := h.do(t, "GET", "/friendships/friends", tok, nil)
		require.Equal(t, http.StatusOK, friends.Code)
		require.NoError(t, json.Unmarshal(friends.Body.Bytes(), &views), name)
		assert.Len(t, views, 1, name)
	}

	// status flips to friends
	status = h.do(t, "GET", "/friendships/status/"+adaID, graceToken, nil)
	require.Equal(t, http.StatusOK, status.Code)
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &st))
	assert.True(t, st.Friends)

	// duplicate request conflicts
	dup := h.do(t, "POST", "/friendships", graceToken, friendshipRequest{FriendID: adaID})
	assert.Equal(t, http.StatusConflict, dup.Code)

	// removal by a participant
	removed := h.do(t, "DELETE", "/friendships/"+f.ID, adaToken, nil)
	require.Equal(t, http.StatusNoContent, removed.Code)

	status = h.do(t, "GET", "/friendships/status/"+graceID, adaToken, nil)
	require.Equal(t, http.StatusOK, status.Code)
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &st))
	assert.False(t, st.Friends)
}

func TestFriendship_DeclineAndOutsiders(t *testing.T) {
	h := newHarness(t, "")
	adaToken, _ := h.register(t, "ada")
	graceToken, graceID := h.register(t, "grace")
	edsgerToken, _ := h.register(t, "edsger")

	rr := h.do(t, "POST", "/friendships", adaToken, friendshipRequest{FriendID: graceID})
	require.Equal(t, http.StatusCreated, rr.Code)

	var f friendship.Friendship
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &f))

	// an outsider cannot resolve or remove the friendship
	outsider := h.do(t, "POST", "/friendships/"+f.ID+"/decline", edsgerToken, nil)
	assert.Equal(t, http.StatusForbidden, outsider.Code)
	outsider = h.do(t, "DELETE", "/friendships/"+f.ID, edsgerToken, nil)
	assert.Equal(t, http.StatusForbidden, outsider.Code)

	// the recipient declines
	declined := h.do(t, "POST", "/friendships/"+f.ID+"/decline", graceToken, nil)
	require.Equal(t, http.StatusOK, declined.Code)

	require.NoError(t, json.Unmarshal(declined.Body.Bytes(), &f))
	assert.Equal(t, friendship.StatusDeclined, f.Status)

	// a declined request no longer blocks a fresh one
	again := h.do(t, "POST", "/friendships", adaToken, friendshipRequest{FriendID: graceID})
	assert.Equal(t, http.StatusCreated, again.Code)
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t, "")

	rr := h.do(t, "GET", "/healthcheck", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}
