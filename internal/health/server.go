// Package health exposes the sync engine's connectivity and error status
// over the standard gRPC health protocol, so scripts and the `revsync
// status` command can ask a running client whether it is online.
package health

import (
	"context"
	"fmt"
	"net"

	"github.com/dmitrijs2005/revsync/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported by the server. ConnectivityService is NOT_SERVING
// while the engine is offline; TasksService is NOT_SERVING once a task has
// failed and until the error is cleared.
const (
	ConnectivityService = "revsync.sync"
	TasksService        = "revsync.tasks"
)

type Server struct {
	address string
	logger  logging.Logger
	health  *health.Server
	srv     *grpc.Server
}

func NewServer(address string, l logging.Logger) *Server {
	h := health.NewServer()
	h.SetServingStatus(ConnectivityService, healthpb.HealthCheckResponse_SERVING)
	h.SetServingStatus(TasksService, healthpb.HealthCheckResponse_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h)

	return &Server{
		address: address,
		logger:  l.With("module", "health"),
		health:  h,
		srv:     srv,
	}
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// UpdateStatus implements the engine's Observer.
func (s *Server) UpdateStatus(offline, failed bool) {
	s.health.SetServingStatus(ConnectivityService, servingStatus(!offline))
	s.health.SetServingStatus(TasksService, servingStatus(!failed))
}

func (s *Server) Redraw() {}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, listen)
}

func (s *Server) ServeListener(ctx context.Context, listen net.Listener) error {
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info(ctx, "Starting status server", "address", listen.Addr().String())

	if err := s.srv.Serve(listen); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}

// Status is the engine state as seen by a probe.
type Status struct {
	Offline bool
	Failed  bool
}

// Probe asks the status server at target for the engine state.
func Probe(ctx context.Context, target string, opts ...grpc.DialOption) (Status, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return Status{}, fmt.Errorf("health: connect %s: %w", target, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	check := func(service string) (bool, error) {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return false, fmt.Errorf("health: check %s: %w", service, err)
		}
		return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
	}

	online, err := check(ConnectivityService)
	if err != nil {
		return Status{}, err
	}
	healthy, err := check(TasksService)
	if err != nil {
		return Status{}, err
	}
	return Status{Offline: !online, Failed: !healthy}, nil
}
