// Package auth provides authentication and authorization for the coordinator.
//
// # Tokens
//
// Operators and dashboards authenticate with HS256 JWTs signed with the
// configured jwt_secret. The "sub" claim names the principal and the optional
// "roles" claim lists its roles. Tokens are minted by the CLI:
//
//	counsel-coordinator token --principal ops-1 --role admin
//
// # Roles
//
// Verifier merges token roles with roles granted in the store, so an admin
// can be promoted or demoted without reissuing tokens. A principal holding
// "admin" or "owner" may run mutating commands (restarts, cancellations) and
// join the admin room of the channel server.
//
// # HTTP
//
//	mux.Handle("/api/admin/", auth.HTTPAuthMiddleware(v)(auth.RequireAdminHTTP()(h)))
//
// Handlers read the identity with FromContext.
package auth
