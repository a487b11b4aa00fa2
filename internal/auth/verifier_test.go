// ABOUTME: Tests for the PrincipalVerifier role merge
// ABOUTME: Token roles and stored roles are unioned; lookup failures fall back to the token

package auth

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type stubRoles struct {
	roles map[string][]string
	err   error
}

func (s *stubRoles) PrincipalRoles(_ context.Context, id string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.roles[id], nil
}

func TestVerifier_MergesStoredRoles(t *testing.T) {
	tokens := mustVerifier(t, testSecret)
	v := NewVerifier(tokens, &stubRoles{roles: map[string][]string{"ops-1": {"owner", "member"}}}, nil)

	token, _ := tokens.Generate("ops-1", []string{"member"}, time.Hour)
	got, err := v.VerifyPrincipal(context.Background(), token)
	if err != nil {
		t.Fatalf("VerifyPrincipal() error = %v", err)
	}

	if got.PrincipalID != "ops-1" {
		t.Errorf("PrincipalID = %q", got.PrincipalID)
	}
	if !reflect.DeepEqual(got.Roles, []string{"member", "owner"}) {
		t.Errorf("Roles = %v, want [member owner]", got.Roles)
	}
	if !got.IsAdmin() {
		t.Error("owner should count as admin")
	}
}

func TestVerifier_LookupFailureUsesTokenRoles(t *testing.T) {
	tokens := mustVerifier(t, testSecret)
	v := NewVerifier(tokens, &stubRoles{err: errors.New("database is locked")}, nil)

	token, _ := tokens.Generate("ops-2", []string{"admin"}, time.Hour)
	got, err := v.VerifyPrincipal(context.Background(), token)
	if err != nil {
		t.Fatalf("VerifyPrincipal() error = %v", err)
	}
	if !reflect.DeepEqual(got.Roles, []string{"admin"}) {
		t.Errorf("Roles = %v, want [admin]", got.Roles)
	}
}

func TestVerifier_RejectsBadToken(t *testing.T) {
	v := NewVerifier(mustVerifier(t, testSecret), nil, nil)

	_, err := v.VerifyPrincipal(context.Background(), "nope")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("VerifyPrincipal() error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifier_NoRolesIsEmptySlice(t *testing.T) {
	tokens := mustVerifier(t, testSecret)
	v := NewVerifier(tokens, nil, nil)

	token, _ := tokens.Generate("viewer", nil, time.Hour)
	got, err := v.VerifyPrincipal(context.Background(), token)
	if err != nil {
		t.Fatalf("VerifyPrincipal() error = %v", err)
	}
	if got.Roles == nil || len(got.Roles) != 0 {
		t.Errorf("Roles = %#v, want empty slice", got.Roles)
	}
	if got.IsAdmin() {
		t.Error("viewer must not be admin")
	}
}

func TestAnonymousVerifier(t *testing.T) {
	got, err := AnonymousVerifier{}.VerifyPrincipal(context.Background(), "anything")
	if err != nil {
		t.Fatalf("VerifyPrincipal() error = %v", err)
	}
	if got.PrincipalID != "anonymous" || !got.IsAdmin() {
		t.Errorf("got %+v, want anonymous admin", got)
	}
}
