// ABOUTME: gRPC stream interceptors authenticating runner control streams
// ABOUTME: Reads a bearer JWT from metadata and attaches the runner identity to the context

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

func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	base := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		base = append(base, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", append(base, attrs...)...)
}

// StreamInterceptor requires a runner token on every stream.
func StreamInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		authCtx, err := authenticateStream(ss.Context(), tokens, logger, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: WithAuth(ss.Context(), authCtx)})
	}
}

// NoAuthStreamInterceptor attaches an anonymous runner context.
func NoAuthStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: WithAuth(ss.Context(), Anonymous(KindRunner))})
	}
}

func authenticateStream(ctx context.Context, tokens TokenVerifier, logger *slog.Logger, method string) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing metadata", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		logAuthFailure(logger, ctx, "missing authorization", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing authorization")
	}
	token, found := strings.CutPrefix(values[0], "Bearer ")
	if !found || token == "" {
		logAuthFailure(logger, ctx, "malformed authorization", "method", method)
		return nil, status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	claims, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(logger, ctx, "invalid token", "method", method, "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	if claims.Kind != KindRunner {
		logAuthFailure(logger, ctx, "wrong token kind", "method", method, "subject", claims.Subject, "kind", claims.Kind)
		return nil, status.Error(codes.PermissionDenied, ErrWrongKind.Error())
	}
	return &AuthContext{Subject: claims.Subject, Kind: KindRunner}, nil
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// BearerCredentials attaches a bearer token to every client RPC. Runners use
// it with grpc.WithPerRPCCredentials.
type BearerCredentials struct {
	Token    string
	Insecure bool // allow sending over plaintext connections
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (b BearerCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.Token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (b BearerCredentials) RequireTransportSecurity() bool { return !b.Insecure }
