// ABOUTME: Tests for AuthContext propagation and the admin check
// ABOUTME: Covers WithAuth/FromContext round trip and role evaluation

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_RoundTrip(t *testing.T) {
	want := &AuthContext{PrincipalID: "ops-1", Roles: []string{"admin"}}
	ctx := WithAuth(context.Background(), want)

	if got := FromContext(ctx); got != want {
		t.Errorf("FromContext() = %v, want %v", got, want)
	}
	if got := PrincipalID(ctx); got != "ops-1" {
		t.Errorf("PrincipalID() = %q", got)
	}
}

func TestAuthContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
	if got := PrincipalID(context.Background()); got != "anonymous" {
		t.Errorf("PrincipalID() = %q, want anonymous", got)
	}
}

func TestAuthContext_IsAdmin(t *testing.T) {
	tests := []struct {
		roles []string
		want  bool
	}{
		{nil, false},
		{[]string{"member"}, false},
		{[]string{"admin"}, true},
		{[]string{"member", "owner"}, true},
	}
	for _, tt := range tests {
		a := &AuthContext{PrincipalID: "p", Roles: tt.roles}
		if got := a.IsAdmin(); got != tt.want {
			t.Errorf("IsAdmin(%v) = %v, want %v", tt.roles, got, tt.want)
		}
	}

	var nilCtx *AuthContext
	if nilCtx.IsAdmin() {
		t.Error("nil AuthContext must not be admin")
	}
}
