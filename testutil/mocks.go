package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
)

// MockIdentityServer mocks the Twitch identity provider (token endpoint) and
// the Helix users endpoint on one httptest server.
type MockIdentityServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	// TokenCalls counts hits on /oauth2/token across all grants.
	TokenCalls atomic.Int64
}

// NewMockIdentityServer creates a mock identity/Helix server. Unregistered
// paths return 404.
func NewMockIdentityServer(t *testing.T) *MockIdentityServer {
	t.Helper()
	m := &MockIdentityServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			m.TokenCalls.Add(1)
		}
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockTokenResponse makes /oauth2/token answer every grant with the given
// pair.
func (m *MockIdentityServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	}
}

// MockTokenError makes /oauth2/token fail with the given status.
func (m *MockIdentityServer) MockTokenError(status int, message string) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		writeJSON(w, map[string]interface{}{"status": status, "message": message})
	}
}

// MockRotatingTokens makes /oauth2/token answer the nth call with
// token-n/refresh-n so tests can observe pair rotation.
func (m *MockIdentityServer) MockRotatingTokens(expiresIn int) {
	var n atomic.Int64
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		i := n.Add(1)
		writeJSON(w, map[string]interface{}{
			"access_token":  "token-" + strconv.FormatInt(i, 10),
			"refresh_token": "refresh-" + strconv.FormatInt(i, 10),
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	}
}

// MockValidateResponse adds a handler for /oauth2/validate.
func (m *MockIdentityServer) MockValidateResponse(login, userID string, scopes []string, expiresIn int) {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"client_id":  "test-client",
			"login":      login,
			"user_id":    userID,
			"scopes":     scopes,
			"expires_in": expiresIn,
		})
	}
}

// MockUserResponse adds a handler for /helix/users.
func (m *MockIdentityServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
