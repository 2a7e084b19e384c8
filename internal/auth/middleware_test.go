package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHash(t *testing.T, token string) string {
	t.Helper()
	// MinCost keeps the tests fast; HashToken uses DefaultCost.
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestGenerateToken(t *testing.T) {
	a := GenerateToken()
	b := GenerateToken()

	assert.True(t, strings.HasPrefix(a, TokenPrefix))
	assert.Len(t, a, len(TokenPrefix)+48)
	assert.NotEqual(t, a, b)
}

func TestHashToken(t *testing.T) {
	hash, err := HashToken("rs_secret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("rs_secret")))

	_, err = HashToken("")
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	hash := testHash(t, "rs_good")

	tests := []struct {
		name       string
		header     string
		wantCode   int
		wantHeader string
	}{
		{"no header", "", http.StatusUnauthorized, "Bearer"},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, "Bearer"},
		{"wrong token", "Bearer rs_bad", http.StatusUnauthorized, wwwAuthInvalid},
		{"valid token", "Bearer rs_good", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotIP string

			mw := Middleware(hash, testLogger())
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotIP = RequestRemoteIP(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("GET", "/mcp", nil)
			req.RemoteAddr = "192.0.2.7:5555"
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantHeader, rec.Header().Get("WWW-Authenticate"))

			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "192.0.2.7", gotIP)
			}
		})
	}
}

func TestMiddleware_EmptyHashRejectsEverything(t *testing.T) {
	mw := Middleware("", testLogger())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest("GET", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
