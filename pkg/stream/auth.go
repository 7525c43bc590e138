package stream

import (
	"context"

	"github.com/cuemby/tether/pkg/api"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationKey = "authorization"

type identityKey struct{}

// WithIdentity attaches an authenticated runner identity to ctx
func WithIdentity(ctx context.Context, identity types.RunnerIdentity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity set by AuthInterceptor
func IdentityFromContext(ctx context.Context) (types.RunnerIdentity, bool) {
	identity, ok := ctx.Value(identityKey{}).(types.RunnerIdentity)
	return identity, ok
}

// AuthInterceptor only lets runner tokens open streams. The verified
// identity is available to the handler through IdentityFromContext.
func AuthInterceptor(auth *api.Authenticator) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		identity, err := authenticate(ss.Context(), auth)
		if err != nil {
			metrics.StreamConnectionsTotal.WithLabelValues("unauthenticated").Inc()
			return err
		}
		return handler(srv, &identityStream{ServerStream: ss, ctx: WithIdentity(ss.Context(), identity)})
	}
}

func authenticate(ctx context.Context, auth *api.Authenticator) (types.RunnerIdentity, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(authorizationKey)
	if len(values) == 0 {
		return types.RunnerIdentity{}, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	raw, ok := api.BearerToken(values[0])
	if !ok {
		return types.RunnerIdentity{}, status.Error(codes.Unauthenticated, "malformed authorization metadata")
	}
	claims, err := auth.Verify(raw)
	if err != nil {
		return types.RunnerIdentity{}, status.Error(codes.Unauthenticated, "invalid token")
	}
	if !claims.IsRunner() {
		return types.RunnerIdentity{}, status.Error(codes.PermissionDenied, "token is not a runner token")
	}
	return claims.Runner(), nil
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context {
	return s.ctx
}
