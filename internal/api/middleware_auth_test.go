// ABOUTME: Tests for RequireAuthenticated middleware (Bearer JWT).
// ABOUTME: Uses package api to access unexported context keys and Server fields.
package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bvd757/receipt-analysis-system/internal/auth"
	"github.com/bvd757/receipt-analysis-system/internal/config"
)

// newAuthTestServer builds a minimal Server with the given JWTSecret.
func newAuthTestServer(jwtSecret string) *Server {
	cfg := &config.Config{JWTSecret: jwtSecret, UploadMaxBytes: 1 << 20} //nolint:exhaustruct // test: only JWT secret needed
	return NewServer(nil, nil, nil, cfg, nil)
}

func authRequest(t *testing.T, srv *Server, header string) (int, uuid.UUID) {
	t.Helper()
	var gotUserID uuid.UUID
	handler := srv.RequireAuthenticated()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = userFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := ts.Client().Do(req) //nolint:gosec // G704 false positive: ts.URL is httptest.Server, not user input
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	return resp.StatusCode, gotUserID
}

func TestRequireAuthenticated_NoCredentials_401(t *testing.T) {
	t.Parallel()
	status, _ := authRequest(t, newAuthTestServer("testsecret"), "")
	if status != http.StatusUnauthorized {
		t.Errorf("no credentials: got %d, want 401", status)
	}
}

func TestRequireAuthenticated_JWT_Valid(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	token, err := auth.IssueAccessToken([]byte("testsecret"), userID, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	status, got := authRequest(t, newAuthTestServer("testsecret"), "Bearer "+token)
	if status != http.StatusOK {
		t.Errorf("valid JWT: got %d, want 200", status)
	}
	if got != userID {
		t.Errorf("ctxUserID = %v, want %v", got, userID)
	}
}

func TestRequireAuthenticated_JWT_Expired_401(t *testing.T) {
	t.Parallel()
	// Issue token with TTL in the past, so it is already expired when parsed.
	token, _ := auth.IssueAccessToken([]byte("testsecret"), uuid.New(), -1*time.Minute)

	status, _ := authRequest(t, newAuthTestServer("testsecret"), "Bearer "+token)
	if status != http.StatusUnauthorized {
		t.Errorf("expired JWT: got %d, want 401", status)
	}
}

func TestRequireAuthenticated_WrongSecretOrScheme_401(t *testing.T) {
	t.Parallel()
	token, _ := auth.IssueAccessToken([]byte("othersecret"), uuid.New(), time.Minute)

	for name, header := range map[string]string{
		"wrong secret": "Bearer " + token,
		"basic scheme": "Basic dXNlcjpwYXNz",
		"garbage":      "Bearer not-a-jwt",
	} {
		status, _ := authRequest(t, newAuthTestServer("testsecret"), header)
		if status != http.StatusUnauthorized {
			t.Errorf("%s: got %d, want 401", name, status)
		}
	}
}
