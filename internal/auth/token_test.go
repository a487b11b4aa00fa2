// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, roles claim, invalid tokens, weak secrets and expiry

package auth

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/2389/counsel-coordinator/internal/clock"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func mustVerifier(t *testing.T, secret []byte) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(secret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := mustVerifier(t, testSecret)

	token, err := verifier.Generate("principal-123", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	gotID, gotRoles, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if gotID != "principal-123" {
		t.Errorf("Verify() id = %q, want %q", gotID, "principal-123")
	}
	if !reflect.DeepEqual(gotRoles, []string{"admin"}) {
		t.Errorf("Verify() roles = %v, want [admin]", gotRoles)
	}
}

func TestJWTVerifier_NoRoles(t *testing.T) {
	verifier := mustVerifier(t, testSecret)

	token, err := verifier.Generate("viewer-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, roles, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if len(roles) != 0 {
		t.Errorf("Verify() roles = %v, want none", roles)
	}
}

func TestNewJWTVerifier_WeakSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	if !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := mustVerifier(t, testSecret)

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				other := mustVerifier(t, []byte("a-completely-different-secret-32"))
				token, _ := other.Generate("principal-123", nil, time.Hour)
				return token
			}(),
		},
		{
			name: "missing subject",
			token: func() string {
				token, _ := verifier.Generate("", nil, time.Hour)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := verifier.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrMissingClaim) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken or ErrMissingClaim", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	verifier := mustVerifier(t, testSecret).WithClock(fake)

	token, err := verifier.Generate("principal-123", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, _, err := verifier.Verify(token); err != nil {
		t.Fatalf("Verify() before expiry error = %v", err)
	}

	fake.Advance(2 * time.Minute)
	_, _, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}
