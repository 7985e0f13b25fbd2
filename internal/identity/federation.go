package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Assertion is the identity attested by the external provider.
type Assertion struct {
	Email       string `json:"email"`
	DisplayName string `json:"name"`
}

// Federation resolves an opaque identity assertion (for example an OIDC
// access token) to the subject's email and display name.
type Federation interface {
	Resolve(ctx context.Context, assertion string) (Assertion, error)
}

// HTTPFederation resolves assertions against a userinfo-style endpoint: the
// assertion is presented as a bearer credential and the response body
// carries the subject's email and name.
type HTTPFederation struct {
	url    string
	client *http.Client
}

// NewHTTPFederation constructs a resolver for the given userinfo endpoint.
func NewHTTPFederation(url string, timeout time.Duration) *HTTPFederation {
	return &HTTPFederation{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFederation) Resolve(ctx context.Context, assertion string) (Assertion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Assertion{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)

	resp, err := f.client.Do(req)
	if err != nil {
		return Assertion{}, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Assertion{}, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var resolved Assertion
	if err := json.NewDecoder(resp.Body).Decode(&resolved); err != nil {
		return Assertion{}, fmt.Errorf("decode userinfo response: %w", err)
	}

	if resolved.Email == "" {
		return Assertion{}, fmt.Errorf("userinfo response missing email")
	}

	return resolved, nil
}
