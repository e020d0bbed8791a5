package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/convoke-ai/convoke/internal/middleware"
)

func authHandler(t *testing.T, enabled bool, key string) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return middleware.APIKeyAuth(enabled, string(hash))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
}

func TestAPIKeyAuthDisabledPassesThrough(t *testing.T) {
	h := authHandler(t, false, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/turns", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIKeyAuthValidKey(t *testing.T) {
	h := authHandler(t, true, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/turns", http.NoBody)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIKeyAuthBearerToken(t *testing.T) {
	h := authHandler(t, true, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/turns", http.NoBody)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIKeyAuthMissingKey(t *testing.T) {
	h := authHandler(t, true, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/turns", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAPIKeyAuthWrongKey(t *testing.T) {
	h := authHandler(t, true, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/turns", http.NoBody)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAPIKeyAuthPublicPath(t *testing.T) {
	h := authHandler(t, true, "secret")

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for public path, got %d", rec.Code)
	}
}

func TestAPIKeyAuthWebSocketQueryToken(t *testing.T) {
	h := authHandler(t, true, "secret")

	req := httptest.NewRequest(http.MethodGet, "/ws?token=secret", http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for ws token, got %d", rec.Code)
	}
}
