// Package health serves the standard gRPC health checking protocol for
// the autonomy daemon. The overall service is SERVING while the estimator
// is running; the "control" service is SERVING while the latest plan is
// feasible.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
	"github.com/kullken/Pet-Mk-IV/internal/node"
)

var logf = monitoring.Tagged("Health")

// Service names reported besides the overall "" service.
const (
	LocalisationService = "localisation"
	ControlService      = "control"
)

// Server reports node health over gRPC. It is a node.StatePublisher and a
// node.SetpointPublisher.
type Server struct {
	listenAddr string
	health     *health.Server

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup

	localisation atomic.Int32 // last reported status, to log changes only
	control      atomic.Int32
}

// NewServer returns a health server that will listen on listenAddr.
// Every service starts NOT_SERVING.
func NewServer(listenAddr string) *Server {
	s := &Server{listenAddr: listenAddr, health: health.NewServer()}
	for _, name := range []string{"", LocalisationService, ControlService} {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	s.localisation.Store(int32(healthpb.HealthCheckResponse_NOT_SERVING))
	s.control.Store(int32(healthpb.HealthCheckResponse_NOT_SERVING))
	return s
}

func (s *Server) PublishState(out estimator.StateOutput) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if out.Phase == estimator.Running.String() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if s.localisation.Swap(int32(status)) == int32(status) {
		return
	}
	logf("localisation %s (phase %s)", status, out.Phase)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(LocalisationService, status)
}

func (s *Server) PublishPlan(p node.Plan) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if p.Report.Feasible {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if s.control.Swap(int32(status)) == int32(status) {
		return
	}
	logf("control %s", status)
	s.health.SetServingStatus(ControlService, status)
}

// Check answers a health check in-process.
func (s *Server) Check(service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)

	s.mu.Lock()
	s.server = srv
	s.listener = lis
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logf("gRPC health listening on %s", lis.Addr())
		if err := srv.Serve(lis); err != nil && s.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.health.Shutdown()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	srv.GracefulStop()

	s.wg.Wait()
	logf("gRPC health stopped")
}
