// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation and the admin gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newHTTPVerifier(t *testing.T) (*JWTVerifier, *Verifier) {
	t.Helper()
	tokens := mustVerifier(t, testSecret)
	return tokens, NewVerifier(tokens, nil, nil)
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	tokens, v := newHTTPVerifier(t)
	token, _ := tokens.Generate("user-123", []string{"member"}, time.Hour)

	var got *AuthContext
	handler := HTTPAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.PrincipalID != "user-123" {
		t.Errorf("AuthContext = %+v", got)
	}
}

func TestHTTPAuthMiddleware_Rejects(t *testing.T) {
	_, v := newHTTPVerifier(t)
	handler := HTTPAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestRequireAdminHTTP(t *testing.T) {
	tokens, v := newHTTPVerifier(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := HTTPAuthMiddleware(v)(RequireAdminHTTP()(ok))

	tests := []struct {
		roles []string
		want  int
	}{
		{[]string{"member"}, http.StatusForbidden},
		{[]string{"admin"}, http.StatusNoContent},
		{[]string{"owner"}, http.StatusNoContent},
	}
	for _, tt := range tests {
		token, _ := tokens.Generate("p", tt.roles, time.Hour)
		req := httptest.NewRequest(http.MethodPost, "/api/admin/agents/restart-all", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("roles %v: status = %d, want %d", tt.roles, rec.Code, tt.want)
		}
	}
}

func TestRequireAdminHTTP_Unauthenticated(t *testing.T) {
	handler := RequireAdminHTTP()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	tokens, v := newHTTPVerifier(t)
	var got *AuthContext
	handler := OptionalAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got != nil {
		t.Errorf("anonymous request got AuthContext %+v", got)
	}

	token, _ := tokens.Generate("ops", nil, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got == nil || got.PrincipalID != "ops" {
		t.Errorf("AuthContext = %+v", got)
	}
}
