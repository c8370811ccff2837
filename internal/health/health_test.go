package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
	"github.com/kullken/Pet-Mk-IV/internal/mpc"
	"github.com/kullken/Pet-Mk-IV/internal/node"
)

func TestStatusFollowsPhase(t *testing.T) {
	monitoring.SetLogger(nil)
	s := NewServer("127.0.0.1:0")

	for _, name := range []string{"", LocalisationService, ControlService} {
		st, err := s.Check(name)
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st, name)
	}

	s.PublishState(estimator.StateOutput{Phase: "initialized"})
	st, _ := s.Check("")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	s.PublishState(estimator.StateOutput{Phase: "running"})
	st, _ = s.Check("")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
	st, _ = s.Check(LocalisationService)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	s.PublishPlan(node.Plan{Report: mpc.Report{Feasible: true}})
	st, _ = s.Check(ControlService)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	s.PublishPlan(node.Plan{Report: mpc.Report{Feasible: false}})
	st, _ = s.Check(ControlService)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	_, err := s.Check("unknown")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestServeOverGRPC(t *testing.T) {
	monitoring.SetLogger(nil)
	s := NewServer("127.0.0.1:0")
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	assert.Error(t, s.Start(), "second start")

	conn, err := grpc.NewClient(s.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	s.PublishState(estimator.StateOutput{Phase: "running"})
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestStopIsIdempotent(t *testing.T) {
	monitoring.SetLogger(nil)
	s := NewServer("127.0.0.1:0")
	s.Stop()

	require.NoError(t, s.Start())
	s.PublishState(estimator.StateOutput{Phase: "running"})
	s.Stop()
	s.Stop()

	st, err := s.Check("")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}
