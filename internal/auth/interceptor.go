// ABOUTME: gRPC interceptors that authenticate calls with bearer tokens from metadata
// ABOUTME: Public methods (the health service) pass through; everything else needs an admin

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// GRPCPolicy decides which gRPC methods skip authentication.
type GRPCPolicy struct {
	// PublicPrefixes are full-method prefixes such as "/grpc.health.v1.Health/".
	PublicPrefixes []string
}

func (p GRPCPolicy) isPublic(fullMethod string) bool {
	for _, prefix := range p.PublicPrefixes {
		if strings.HasPrefix(fullMethod, prefix) {
			return true
		}
	}
	return false
}

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
func UnaryInterceptor(verifier PrincipalVerifier, policy GRPCPolicy, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if policy.isPublic(info.FullMethod) {
			return handler(ctx, req)
		}

		authCtx, err := extractAuth(ctx, verifier, info.FullMethod, logger)
		if err != nil {
			return nil, err
		}
		return handler(WithAuth(ctx, authCtx), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates requests.
func StreamInterceptor(verifier PrincipalVerifier, policy GRPCPolicy, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if policy.isPublic(info.FullMethod) {
			return handler(srv, ss)
		}

		authCtx, err := extractAuth(ss.Context(), verifier, info.FullMethod, logger)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), authCtx),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// extractAuth authenticates the bearer token in the "authorization" metadata
// and requires the admin role.
func extractAuth(ctx context.Context, verifier PrincipalVerifier, method string, logger *slog.Logger) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		logAuthFailure(logger, ctx, "missing_authorization", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, errMsg := extractBearerToken(authHeaders[0])
	if errMsg != "" {
		logAuthFailure(logger, ctx, "bad_authorization", "method", method)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	authCtx, err := verifier.VerifyPrincipal(ctx, token)
	if err != nil {
		logAuthFailure(logger, ctx, "jwt_auth_failed", "method", method, "error", err.Error())
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}

	if !authCtx.IsAdmin() {
		logAuthFailure(logger, ctx, "not_admin", "method", method, "principal_id", authCtx.PrincipalID)
		return nil, status.Error(codes.PermissionDenied, "admin role required")
	}

	return authCtx, nil
}
