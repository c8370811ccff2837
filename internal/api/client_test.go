package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kullken/Pet-Mk-IV/internal/httputil"
)

func TestClientSetReference(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusCreated, `{"active": true, "duration_s": 2, "elapsed_s": 0}`)
	c := &Client{HTTP: mock, BaseURL: "http://robot:8080"}

	status, err := c.SetReference(context.Background(), ReferenceRequest{
		Speed:     0.5,
		Waypoints: []Waypoint{{X: 1}},
	})
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, 2.0, status.Duration)

	req, body := mock.Request(0)
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://robot:8080/api/reference", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"speed": 0.5, "waypoints": [{"x": 1, "y": 0, "heading": 0}]}`, body)
}

func TestClientEstimate(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"x": 1.5, "y": -2, "heading": 0.25, "phase": "running"}`)
	c := &Client{HTTP: mock, BaseURL: "http://robot"}

	state, err := c.Estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.5, state.X)
	assert.Equal(t, "running", state.Phase)
}

func TestClientErrors(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusServiceUnavailable, `{"error": "no state estimate yet"}`).
		AddResponse(http.StatusBadGateway, "upstream broke").
		AddErrorResponse(errors.New("connection refused"))
	c := &Client{HTTP: mock, BaseURL: "http://robot"}
	ctx := context.Background()

	_, err := c.Estimate(ctx)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "no state estimate yet", statusErr.Message)

	err = c.Stop(ctx)
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "upstream broke", statusErr.Message)

	_, err = c.Stats(ctx)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 3, mock.RequestCount())
}

func TestNewClientTrimsSlash(t *testing.T) {
	c := NewClient("http://robot:8080/")
	assert.Equal(t, "http://robot:8080", c.BaseURL)
	assert.Equal(t, http.DefaultClient, c.HTTP)
}
