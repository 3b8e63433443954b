package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer secret", "secret"},
		{"bearer secret", "secret"},
		{"  Bearer   secret  ", "secret"},
		{"Basic secret", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := parseBearerToken(tc.header); got != tc.want {
			t.Fatalf("parseBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestAuthenticatorRequiresToken(t *testing.T) {
	if _, err := NewAuthenticator("  "); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestMiddlewareEnforcesBearer(t *testing.T) {
	auth, err := NewAuthenticator("secret")
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	var principal *Principal
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for valid token, got %d", rec.Code)
	}
	if principal == nil || principal.Method != "bearer" {
		t.Fatalf("unexpected principal %+v", principal)
	}
}
