package api

import (
	"context"
	"time"

	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryInterceptor counts and logs every unary gRPC call
func UnaryInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("grpc")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		metrics.APIRequestDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

// StreamInterceptor counts streaming calls such as Health/Watch when they end
func StreamInterceptor() grpc.StreamServerInterceptor {
	logger := log.WithComponent("grpc")
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)
		code := status.Code(err)

		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC stream closed")
		return err
	}
}
