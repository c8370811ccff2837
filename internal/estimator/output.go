package estimator

import (
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/geometry"
)

// StateOutput is what the localisation task publishes once per cycle.
type StateOutput struct {
	Stamp     time.Time      `json:"stamp"`
	MapFrame  string         `json:"map_frame"`
	BaseFrame string         `json:"base_frame"`
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	Heading   float64        `json:"heading"`
	Twist     geometry.Twist `json:"twist"`
	Phase     string         `json:"phase"`

	// Standard deviations of the diagonal state entries.
	StdDev [StateSize]float64 `json:"std_dev"`

	Pose      geometry.Pose2D    `json:"-"`
	Transform geometry.Transform `json:"-"`
}

// Output builds the published state for the given frame names. The
// transform maps base-frame coordinates into the map frame.
func (e *Estimator) Output(mapFrame, baseFrame string) StateOutput {
	out := StateOutput{
		Stamp:     e.stamp,
		MapFrame:  mapFrame,
		BaseFrame: baseFrame,
		X:         e.pose.Position.X,
		Y:         e.pose.Position.Y,
		Heading:   e.pose.Heading(),
		Twist:     e.twist,
		Phase:     e.phase.String(),
		Pose:      e.pose,
		Transform: geometry.Transform{
			Stamp:       e.stamp,
			ParentFrame: mapFrame,
			ChildFrame:  baseFrame,
			Pose:        e.pose,
		},
	}
	for i := range out.StdDev {
		out.StdDev[i] = sqrtNonNeg(e.cov.At(i, i))
	}
	return out
}
