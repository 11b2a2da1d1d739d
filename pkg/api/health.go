package api

import (
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/invrecon/pkg/events"
	"github.com/cuemby/invrecon/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// CadenceService is the gRPC health service name reported for a cadence
func CadenceService(cadence string) string {
	return "invrecon.cadence." + cadence
}

// HealthService exposes the standard gRPC health protocol. The empty
// service name reports the process; every cadence has its own service that
// turns NOT_SERVING after a failed or timed out run and SERVING again after
// the next successful one.
type HealthService struct {
	health *health.Server
	grpc   *grpc.Server
	broker *events.Broker
	sub    events.Subscriber
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// NewHealthService creates the service with every cadence serving
func NewHealthService(broker *events.Broker, cadences []string) *HealthService {
	hs := &HealthService{
		health: health.NewServer(),
		broker: broker,
		done:   make(chan struct{}),
		logger: log.WithComponent("grpc-health"),
	}
	hs.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryInterceptor()),
		grpc.ChainStreamInterceptor(StreamInterceptor()),
	)
	healthpb.RegisterHealthServer(hs.grpc, hs.health)

	hs.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, c := range cadences {
		hs.health.SetServingStatus(CadenceService(c), healthpb.HealthCheckResponse_SERVING)
	}
	return hs
}

// Start listens on addr and serves until Stop
func (hs *HealthService) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return hs.Serve(lis)
}

// Serve follows run events and serves on lis until Stop
func (hs *HealthService) Serve(lis net.Listener) error {
	hs.watch()
	hs.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	return hs.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and stops the server gracefully
func (hs *HealthService) Stop() {
	hs.health.Shutdown()
	hs.grpc.GracefulStop()
	hs.once.Do(func() {
		if hs.sub != nil {
			hs.broker.Unsubscribe(hs.sub)
			<-hs.done
		}
	})
}

func (hs *HealthService) watch() {
	if hs.broker == nil || hs.sub != nil {
		return
	}
	hs.sub = hs.broker.Subscribe()
	go func() {
		defer close(hs.done)
		for e := range hs.sub {
			hs.apply(e)
		}
	}()
}

// apply maps a run event to the cadence's serving status
func (hs *HealthService) apply(e *events.Event) {
	cadence := e.Metadata["cadence"]
	if cadence == "" {
		return
	}

	var status healthpb.HealthCheckResponse_ServingStatus
	switch e.Type {
	case events.EventRunSucceeded:
		status = healthpb.HealthCheckResponse_SERVING
	case events.EventRunFailed, events.EventRunTimedOut:
		status = healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return
	}
	hs.health.SetServingStatus(CadenceService(cadence), status)
	hs.logger.Debug().Str("cadence", cadence).Str("status", status.String()).Msg("Cadence health updated")
}
