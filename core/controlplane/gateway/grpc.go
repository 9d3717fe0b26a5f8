package gateway

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// serviceName is the named health entry served besides "".
const serviceName = "ragops.Gateway"

// newGRPCServer exposes the standard health service and reflection. When
// auth is enabled every call except health checks needs an API key in metadata.
func newGRPCServer(auth AuthProvider) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.UnaryInterceptor(apiKeyUnaryInterceptor(auth)))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, hs
}

func apiKeyUnaryInterceptor(auth AuthProvider) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if auth == nil || !auth.Enabled() || info.FullMethod == healthpb.Health_Check_FullMethodName {
			return handler(ctx, req)
		}
		if _, err := authenticateGRPC(ctx, auth); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(ctx, req)
	}
}

// authenticateGRPC reuses the HTTP provider by lifting metadata into headers.
func authenticateGRPC(ctx context.Context, auth AuthProvider) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, errors.New("missing metadata")
	}
	r := &http.Request{Header: http.Header{}}
	for _, key := range []string{"x-api-key", "authorization"} {
		for _, v := range md.Get(key) {
			r.Header.Add(key, v)
		}
	}
	return auth.AuthenticateHTTP(r.WithContext(ctx))
}
