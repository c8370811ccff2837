// Command mpc-bench solves one control horizon offline and prints the
// optimised setpoints and solve report. With -runs it times repeated
// solves; with -plot-dir it also renders the plan.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/kullken/Pet-Mk-IV/internal/config"
	"github.com/kullken/Pet-Mk-IV/internal/db"
	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/kinematics"
	"github.com/kullken/Pet-Mk-IV/internal/monitor"
	"github.com/kullken/Pet-Mk-IV/internal/monitoring"
	"github.com/kullken/Pet-Mk-IV/internal/mpc"
	"github.com/kullken/Pet-Mk-IV/internal/node"
	"github.com/kullken/Pet-Mk-IV/internal/trajectory"
)

// scenario is the problem solved: the robot starts at (0, Lateral) with
// Heading and Twist, and the reference drives from the origin along +x.
type scenario struct {
	Distance float64
	Turn     float64 // heading change over the reference, rad
	Speed    float64
	Lateral  float64
	Heading  float64
	Twist    geometry.Twist
}

func main() {
	var (
		configPath = flag.String("config", "", "Tuning config JSON (defaults apply to omitted keys)")
		distance   = flag.Float64("distance", 1.0, "Reference length in metres")
		turn       = flag.Float64("turn", 0, "Heading change along the reference in radians")
		speed      = flag.Float64("speed", 0.3, "Reference cruise speed in m/s")
		lateral    = flag.Float64("lateral", 0.1, "Initial lateral offset from the reference in metres")
		heading    = flag.Float64("heading", 0, "Initial heading in radians")
		linear     = flag.Float64("linear", 0, "Initial linear speed in m/s")
		angular    = flag.Float64("angular", 0, "Initial angular speed in rad/s")
		runs       = flag.Int("runs", 1, "Number of timed solves")
		asJSON     = flag.Bool("json", false, "Print the plan as JSON")
		plotDir    = flag.String("plot-dir", "", "Write path.png for the plan into this directory")
		verbose    = flag.Bool("v", false, "Log solver diagnostics")
	)
	flag.Parse()

	if !*verbose {
		monitoring.SetLogger(nil)
	}
	cfg := config.DefaultTuningConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	sc := scenario{
		Distance: *distance,
		Turn:     *turn,
		Speed:    *speed,
		Lateral:  *lateral,
		Heading:  *heading,
		Twist:    geometry.Twist{Angular: *angular, Linear: *linear},
	}
	plan, durations, err := bench(context.Background(), cfg, sc, *runs)
	if err != nil {
		log.Fatalf("solve failed: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(db.NewPlanRow(plan)); err != nil {
			log.Fatalf("failed to encode plan: %v", err)
		}
	} else {
		printPlan(os.Stdout, plan)
		printTimings(os.Stdout, durations)
	}

	if *plotDir != "" {
		pp := monitor.NewPathPlotter(1)
		if err := pp.Start(*plotDir); err != nil {
			log.Fatalf("failed to start plotter: %v", err)
		}
		pp.PublishPlan(plan)
		if _, err := pp.GeneratePlots(); err != nil {
			log.Fatalf("failed to write plot: %v", err)
		}
	}
}

// bench solves sc runs times on a fresh controller and returns the last
// plan with every solve's duration.
func bench(ctx context.Context, cfg *config.TuningConfig, sc scenario, runs int) (node.Plan, []time.Duration, error) {
	if runs < 1 {
		runs = 1
	}
	model, err := kinematics.ModelFromTuning(cfg)
	if err != nil {
		return node.Plan{}, nil, err
	}
	end := geometry.NewPose2D(sc.Distance*cosHalf(sc.Turn), sc.Distance*sinHalf(sc.Turn), sc.Turn)
	ref, err := trajectory.Waypoints(sc.Speed, geometry.IdentityPose(), end)
	if err != nil {
		return node.Plan{}, nil, err
	}

	var (
		plan      node.Plan
		durations = make([]time.Duration, 0, runs)
	)
	for i := 0; i < runs; i++ {
		m, err := mpc.New(model, mpc.OptionsFromTuning(cfg))
		if err != nil {
			return node.Plan{}, nil, err
		}
		m.SetReferencePath(ref)
		m.SetInitialPose(geometry.NewPose2D(0, sc.Lateral, sc.Heading))
		m.SetInitialTwist(sc.Twist)

		start := time.Now()
		report, err := m.Solve(ctx)
		durations = append(durations, time.Since(start))
		if err != nil {
			return node.Plan{}, durations, err
		}
		plan = node.Plan{
			Stamp:     start,
			Setpoints: m.OptimalPath(),
			Reference: m.ReferencePath(),
			Report:    report,
		}
	}
	return plan, durations, nil
}

// The chord of a constant-curvature turn points along half the heading
// change.
func cosHalf(turn float64) float64 { return geometry.RotationFromAngle(turn / 2).Cos() }
func sinHalf(turn float64) float64 { return geometry.RotationFromAngle(turn / 2).Sin() }

func printPlan(w io.Writer, plan node.Plan) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "t(s)\tx\ty\theading\tangular\tlinear\tref x\tref y\t")
	for i, sp := range plan.Setpoints {
		var rx, ry float64
		if i < len(plan.Reference) {
			rx, ry = plan.Reference[i].Position.X, plan.Reference[i].Position.Y
		}
		fmt.Fprintf(tw, "%.2f\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t\n",
			sp.Elapsed.Seconds(), sp.Pose.Position.X, sp.Pose.Position.Y, sp.Pose.Heading(),
			sp.Twist.Angular, sp.Twist.Linear, rx, ry)
	}
	_ = tw.Flush()

	r := plan.Report
	fmt.Fprintf(w, "\nfeasible=%t penalty_iterations=%d penalty=%g max_constraint_cost=%.3g\n",
		r.Feasible, r.PenaltyIterations, r.PenaltyCoefficient, r.MaxConstraintCost)
	fmt.Fprintf(w, "solver_iterations=%d final_cost=%.6g termination=%s\n",
		r.SolverIterations, r.Summary.FinalCost, r.Summary.Termination)
	if cmd, ok := plan.Command(); ok {
		fmt.Fprintf(w, "command: angular=%.4f linear=%.4f\n", cmd.Angular, cmd.Linear)
	}
}

func printTimings(w io.Writer, durations []time.Duration) {
	if len(durations) == 0 {
		return
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	fmt.Fprintf(w, "solves=%d mean=%s median=%s max=%s\n",
		len(sorted), total/time.Duration(len(sorted)), sorted[len(sorted)/2], sorted[len(sorted)-1])
}
