package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTokenRoundTrip(t *testing.T) {
	jm := NewJWTManager("test-signing-key", time.Hour)
	token, err := jm.GenerateToken("host-1", "owner")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	caller, err := jm.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if caller.Subject != "host-1" || caller.Role != "owner" {
		t.Errorf("caller = %+v", caller)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	jm := NewJWTManager("test-signing-key", -time.Minute)
	token, err := jm.GenerateToken("host-1", "owner")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := jm.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestWrongKeyRejected(t *testing.T) {
	token, err := NewJWTManager("key-one", time.Hour).GenerateToken("host-1", "owner")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := NewJWTManager("key-two", time.Hour).ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if _, err := NewJWTManager("key-one", time.Hour).ValidateToken("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token err = %v, want ErrInvalidToken", err)
	}
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("hunter2")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	if hash == "hunter2" || hash == "" {
		t.Errorf("hash = %q, want a bcrypt digest", hash)
	}
}

func echoCaller(t *testing.T, want Caller) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())
		if caller == nil {
			t.Error("no caller in request context")
			return
		}
		if caller.Subject != want.Subject || caller.Role != want.Role {
			t.Errorf("caller = %+v, want %+v", caller, want)
		}
	})
}

func TestMiddlewareSkipAuth(t *testing.T) {
	m := NewMiddleware(nil, "", true, zap.NewNop())
	handler := m.Handler(echoCaller(t, Caller{Subject: "dev", Role: "owner"}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMiddlewareBearerToken(t *testing.T) {
	jm := NewJWTManager("test-signing-key", time.Hour)
	m := NewMiddleware(jm, "", false, zap.NewNop())
	handler := m.Handler(echoCaller(t, Caller{Subject: "host-1", Role: "host"}))

	token, err := jm.GenerateToken("host-1", "host")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	// Malformed scheme and bad tokens both end in 401.
	for _, header := range []string{"Basic abc", "Bearer bogus"} {
		req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestMiddlewareAPIKey(t *testing.T) {
	hash, err := HashAPIKey("host-key")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	m := NewMiddleware(NewJWTManager("k", time.Hour), hash, false, zap.NewNop())
	handler := m.Handler(echoCaller(t, Caller{Subject: "api-key", Role: "host"}))

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("X-API-Key", "host-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("X-API-Key status = %d", rec.Code)
	}

	// EventSource clients pass the key in the query string instead.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events?api_key=host-key", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("query key status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareRequiresCredentials(t *testing.T) {
	m := NewMiddleware(NewJWTManager("k", time.Hour), "", false, zap.NewNop())
	called := false
	handler := m.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if called {
		t.Error("handler ran without credentials")
	}
}

func TestCallerFromContextMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if CallerFromContext(req.Context()) != nil {
		t.Error("expected nil caller on a bare context")
	}
}
