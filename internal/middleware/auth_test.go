package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func protected(t *testing.T) http.Handler {
	t.Helper()
	return AuthMiddleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := GetOperatorFromContext(r.Context()); c != nil {
			w.Header().Set("X-Operator", c.Operator)
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuthMiddleware(t *testing.T) {
	valid, err := IssueToken(secret, "noc", "admin", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "noc", "admin", -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken("other-secret", "noc", "admin", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		header   string
		upgrade  bool
		want     int
		operator string
	}{
		{name: "health is public", path: "/health", want: http.StatusOK},
		{name: "missing header", path: "/api/fleet/status", want: http.StatusUnauthorized},
		{name: "not bearer", path: "/api/fleet/status", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "valid token", path: "/api/fleet/status", header: "Bearer " + valid, want: http.StatusOK, operator: "noc"},
		{name: "expired token", path: "/api/fleet/status", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "wrong secret", path: "/api/fleet/status", header: "Bearer " + foreign, want: http.StatusUnauthorized},
		{name: "query token on upgrade", path: "/ws?token=" + valid, upgrade: true, want: http.StatusOK, operator: "noc"},
		{name: "query token without upgrade", path: "/api/fleet/status?token=" + valid, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				req.Header.Set("Upgrade", "websocket")
			}
			rec := httptest.NewRecorder()

			protected(t).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.operator, rec.Header().Get("X-Operator"))
		})
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	_, err := IssueToken("", "noc", "admin", time.Hour)
	assert.Error(t, err)
}
