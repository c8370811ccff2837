// Package api serves the daemon's JSON API: the live estimate and plan,
// the active reference path, counters and stored telemetry.
package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/db"
	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/httputil"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
	"github.com/kullken/Pet-Mk-IV/internal/node"
	"github.com/kullken/Pet-Mk-IV/internal/sensorlink"
	"github.com/kullken/Pet-Mk-IV/internal/timeutil"
	"github.com/kullken/Pet-Mk-IV/internal/trajectory"
	"github.com/kullken/Pet-Mk-IV/internal/version"
)

var logf = monitoring.Tagged("API")

// DefaultCruiseSpeed is used for reference requests without a speed.
const DefaultCruiseSpeed = 0.2

// Server holds the components the handlers read from. Localisation and
// Control are required; the rest may be nil.
type Server struct {
	Localisation *node.Localisation
	Control      *node.Control
	Link         *sensorlink.Link
	DB           *db.DB
	Recorder     *db.Recorder
	RunID        string
	Clock        timeutil.Clock

	// MaxCruiseSpeed caps requested speeds, normally the model's linear limit.
	MaxCruiseSpeed float64
}

func (s *Server) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/estimate", s.showEstimate)
	mux.HandleFunc("/api/path", s.showPath)
	mux.HandleFunc("/api/reference", s.handleReference)
	mux.HandleFunc("/api/stop", s.stop)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/{id}/estimates", s.listRunEstimates)
	mux.HandleFunc("/api/runs/{id}/plans", s.listRunPlans)
	return mux
}

func (s *Server) showEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	state, ok := s.Localisation.Latest()
	if !ok {
		httputil.ServiceUnavailable(w, "no state estimate yet")
		return
	}
	httputil.WriteJSONOK(w, state)
}

func (s *Server) showPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	plan, ok := s.Control.LatestPlan()
	if !ok {
		httputil.NotFound(w, "no plan yet")
		return
	}
	httputil.WriteJSONOK(w, db.NewPlanRow(plan))
}

// Waypoint is a pose in a reference request. Heading is in radians.
type Waypoint struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// ReferenceRequest replaces the active reference with straight segments
// through the waypoints. With StartHere the path starts at the current
// estimate; with Relative the waypoints are in the robot frame at the
// current estimate, which implies StartHere.
type ReferenceRequest struct {
	Speed     float64    `json:"speed,omitempty"` // m/s
	StartHere bool       `json:"start_here,omitempty"`
	Relative  bool       `json:"relative,omitempty"`
	Waypoints []Waypoint `json:"waypoints"`
}

// ReferenceStatus describes the active reference.
type ReferenceStatus struct {
	Active   bool       `json:"active"`
	Start    *time.Time `json:"start,omitempty"`
	Duration float64    `json:"duration_s"`
	Elapsed  float64    `json:"elapsed_s"`
	End      *Waypoint  `json:"end,omitempty"`
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.referenceStatus())
	case http.MethodPost:
		s.setReference(w, r)
	case http.MethodDelete:
		s.Control.ClearReference()
		logf("reference cleared")
		httputil.WriteJSONOK(w, s.referenceStatus())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) referenceStatus() ReferenceStatus {
	ref, start := s.Control.Reference()
	if ref == nil {
		return ReferenceStatus{}
	}
	end := ref.End()
	elapsed := s.now().Sub(start)
	if elapsed > ref.Duration() {
		elapsed = ref.Duration()
	}
	return ReferenceStatus{
		Active:   true,
		Start:    &start,
		Duration: ref.Duration().Seconds(),
		Elapsed:  math.Max(0, elapsed.Seconds()),
		End:      &Waypoint{X: end.Position.X, Y: end.Position.Y, Heading: end.Heading()},
	}
}

func (s *Server) setReference(w http.ResponseWriter, r *http.Request) {
	var req ReferenceRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	ref, err := s.buildReference(req)
	if errors.Is(err, node.ErrNoEstimate) {
		httputil.ServiceUnavailable(w, err.Error())
		return
	}
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.Control.SetReference(ref, s.now())
	logf("new reference: %d segments, %.1fs", ref.Segments(), ref.Duration().Seconds())
	httputil.WriteJSON(w, http.StatusCreated, s.referenceStatus())
}

func (s *Server) buildReference(req ReferenceRequest) (trajectory.Piecewise, error) {
	if len(req.Waypoints) == 0 {
		return trajectory.Piecewise{}, errors.New("at least one waypoint is required")
	}
	speed := req.Speed
	if speed == 0 {
		speed = DefaultCruiseSpeed
	}
	if s.MaxCruiseSpeed > 0 && speed > s.MaxCruiseSpeed {
		return trajectory.Piecewise{}, fmt.Errorf("speed %.3f m/s exceeds the limit of %.3f m/s", speed, s.MaxCruiseSpeed)
	}

	poses := make([]geometry.Pose2D, 0, len(req.Waypoints)+1)
	var here geometry.Pose2D
	if req.StartHere || req.Relative {
		state, ok := s.Localisation.Latest()
		if !ok {
			return trajectory.Piecewise{}, node.ErrNoEstimate
		}
		here = state.Pose
		poses = append(poses, here)
	}
	for _, wp := range req.Waypoints {
		p := geometry.NewPose2D(wp.X, wp.Y, wp.Heading)
		if req.Relative {
			p = here.Compose(p)
		}
		poses = append(poses, p)
	}
	return trajectory.Waypoints(speed, poses...)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.Control.ClearReference()
	if s.Link != nil {
		if err := s.Link.Stop(); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to stop: %v", err))
			return
		}
	}
	logf("stopped")
	httputil.WriteJSONOK(w, s.referenceStatus())
}

// Stats aggregates every component's counters.
type Stats struct {
	RunID        string                 `json:"run_id,omitempty"`
	Localisation node.LocalisationStats `json:"localisation"`
	Control      node.ControlStats      `json:"control"`
	Link         *sensorlink.Stats      `json:"link,omitempty"`
	Recorder     *db.RecorderStats      `json:"recorder,omitempty"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	stats := Stats{
		RunID:        s.RunID,
		Localisation: s.Localisation.Stats(),
		Control:      s.Control.Stats(),
	}
	if s.Link != nil {
		ls := s.Link.Stats()
		stats.Link = &ls
	}
	if s.Recorder != nil {
		rs := s.Recorder.Stats()
		stats.Recorder = &rs
	}
	httputil.WriteJSONOK(w, stats)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !s.telemetryRequest(w, r) {
		return
	}
	runs, err := s.DB.Runs(r.Context(), queryLimit(r, 50))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) listRunEstimates(w http.ResponseWriter, r *http.Request) {
	if !s.telemetryRequest(w, r) {
		return
	}
	rows, err := s.DB.Estimates(r.Context(), r.PathValue("id"), queryLimit(r, 500))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read estimates: %v", err))
		return
	}
	if rows == nil {
		rows = []db.EstimateRow{}
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) listRunPlans(w http.ResponseWriter, r *http.Request) {
	if !s.telemetryRequest(w, r) {
		return
	}
	rows, err := s.DB.Plans(r.Context(), r.PathValue("id"), queryLimit(r, 50))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read plans: %v", err))
		return
	}
	if rows == nil {
		rows = []db.PlanRow{}
	}
	httputil.WriteJSONOK(w, rows)
}

// telemetryRequest reports whether the request may proceed to the DB.
func (s *Server) telemetryRequest(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return false
	}
	if s.DB == nil {
		httputil.NotFound(w, "telemetry is disabled")
		return false
	}
	return true
}

// queryLimit parses ?limit=, clamped to [1, 10000].
func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 10000 {
		return 10000
	}
	return n
}
