// ABOUTME: PrincipalVerifier turns a bearer token into an AuthContext
// ABOUTME: Roles from the token are merged with roles granted in the store

package auth

import (
	"context"
	"log/slog"
	"slices"
)

// PrincipalVerifier authenticates a token for HTTP requests and channel connections.
type PrincipalVerifier interface {
	VerifyPrincipal(ctx context.Context, token string) (*AuthContext, error)
}

// RoleLookup returns roles granted to a principal outside its token.
type RoleLookup interface {
	PrincipalRoles(ctx context.Context, principalID string) ([]string, error)
}

// Verifier is the standard PrincipalVerifier: a TokenVerifier plus an
// optional role lookup.
type Verifier struct {
	tokens TokenVerifier
	roles  RoleLookup
	logger *slog.Logger
}

// NewVerifier creates a Verifier. roles may be nil.
func NewVerifier(tokens TokenVerifier, roles RoleLookup, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{tokens: tokens, roles: roles, logger: logger.With("component", "auth")}
}

// VerifyPrincipal validates the token and resolves the principal's roles.
// A failing role lookup is logged and falls back to the token's roles.
func (v *Verifier) VerifyPrincipal(ctx context.Context, token string) (*AuthContext, error) {
	principalID, roles, err := v.tokens.Verify(token)
	if err != nil {
		return nil, err
	}

	merged := slices.Clone(roles)
	if v.roles != nil {
		stored, err := v.roles.PrincipalRoles(ctx, principalID)
		if err != nil {
			v.logger.Warn("role lookup failed, using token roles", "principal_id", principalID, "error", err)
		} else {
			merged = append(merged, stored...)
		}
	}
	slices.Sort(merged)
	merged = slices.Compact(merged)
	if merged == nil {
		merged = []string{}
	}

	return &AuthContext{PrincipalID: principalID, Roles: merged}, nil
}

// AnonymousVerifier accepts any token as the "anonymous" admin. It stands in
// for Verifier when no JWT secret is configured.
type AnonymousVerifier struct{}

// VerifyPrincipal returns the anonymous admin for every token.
func (AnonymousVerifier) VerifyPrincipal(context.Context, string) (*AuthContext, error) {
	return &AuthContext{PrincipalID: "anonymous", Roles: []string{"admin"}}, nil
}
