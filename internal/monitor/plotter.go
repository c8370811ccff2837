package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/node"
)

var (
	estimateColor  = color.RGBA{R: 0x55, G: 0x55, B: 0x55, A: 255}
	referenceColor = color.RGBA{R: 0x35, G: 0xb7, B: 0x79, A: 255}
	planColor      = color.RGBA{R: 0xe5, G: 0x39, B: 0x35, A: 255}
	linearColor    = color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 255}
)

// PathPlotter records a whole run and renders it to PNG files. It is a
// node.StatePublisher and node.SetpointPublisher; nothing is recorded
// until Start.
type PathPlotter struct {
	mu        sync.Mutex
	enabled   bool
	outputDir string
	startTime time.Time

	estimates []estimator.StateOutput
	plans     []node.Plan
	planEvery int // keep every planEvery-th plan for the overlay
	planCount int
}

// NewPathPlotter returns a plotter keeping every planEvery-th plan for the
// path overlay. planEvery <= 0 keeps every tenth.
func NewPathPlotter(planEvery int) *PathPlotter {
	if planEvery <= 0 {
		planEvery = 10
	}
	return &PathPlotter{planEvery: planEvery}
}

// Start clears previous samples and begins recording into outputDir.
func (pp *PathPlotter) Start(outputDir string) error {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	pp.outputDir = outputDir
	pp.enabled = true
	pp.startTime = time.Time{}
	pp.estimates = nil
	pp.plans = nil
	pp.planCount = 0
	return nil
}

// Stop disables recording. Call GeneratePlots to produce output files.
func (pp *PathPlotter) Stop() {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.enabled = false
}

func (pp *PathPlotter) PublishState(s estimator.StateOutput) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if !pp.enabled {
		return
	}
	if pp.startTime.IsZero() {
		pp.startTime = s.Stamp
	}
	pp.estimates = append(pp.estimates, s)
}

func (pp *PathPlotter) PublishPlan(p node.Plan) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if !pp.enabled {
		return
	}
	if pp.planCount%pp.planEvery == 0 {
		pp.plans = append(pp.plans, p)
	}
	pp.planCount++
}

// SampleCount returns the number of recorded estimates and kept plans.
func (pp *PathPlotter) SampleCount() (estimates, plans int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return len(pp.estimates), len(pp.plans)
}

// GeneratePlots writes path.png and twist.png to the output directory and
// returns the number of files written.
func (pp *PathPlotter) GeneratePlots() (int, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if pp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}
	if len(pp.estimates) == 0 && len(pp.plans) == 0 {
		return 0, nil
	}

	if err := pp.generatePathPlot(); err != nil {
		return 0, err
	}
	if len(pp.estimates) == 0 {
		return 1, nil
	}
	if err := pp.generateTwistPlot(); err != nil {
		return 1, err
	}
	logf("wrote plots for %d estimates and %d plans to %s", len(pp.estimates), len(pp.plans), pp.outputDir)
	return 2, nil
}

func (pp *PathPlotter) generatePathPlot() error {
	p := plot.New()
	p.Title.Text = "Estimated path with plans"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	for i, plan := range pp.plans {
		ref := make(plotter.XYs, 0, len(plan.Reference))
		for _, r := range plan.Reference {
			ref = append(ref, plotter.XY{X: r.Position.X, Y: r.Position.Y})
		}
		opt := make(plotter.XYs, 0, len(plan.Setpoints))
		for _, sp := range plan.Setpoints {
			opt = append(opt, plotter.XY{X: sp.Pose.Position.X, Y: sp.Pose.Position.Y})
		}
		if len(ref) > 1 {
			refLine, err := plotter.NewLine(ref)
			if err != nil {
				return err
			}
			refLine.Color = referenceColor
			refLine.Width = vg.Points(1)
			refLine.Dashes = []vg.Length{vg.Points(3), vg.Points(2)}
			p.Add(refLine)
			if i == 0 {
				p.Legend.Add("reference", refLine)
			}
		}
		if len(opt) > 1 {
			planLine, err := plotter.NewLine(opt)
			if err != nil {
				return err
			}
			planLine.Color = planColor
			planLine.Width = vg.Points(1)
			p.Add(planLine)
			if i == 0 {
				p.Legend.Add("plan", planLine)
			}
		}
	}

	if len(pp.estimates) > 0 {
		pts := make(plotter.XYs, 0, len(pp.estimates))
		for _, s := range pp.estimates {
			pts = append(pts, plotter.XY{X: s.X, Y: s.Y})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = estimateColor
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("estimate", line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	file := filepath.Join(pp.outputDir, "path.png")
	if err := p.Save(10*vg.Inch, 10*vg.Inch, file); err != nil {
		return fmt.Errorf("save path plot: %w", err)
	}
	return nil
}

func (pp *PathPlotter) generateTwistPlot() error {
	p := plot.New()
	p.Title.Text = "Estimated twist"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "rad/s, m/s"
	p.Add(plotter.NewGrid())

	angular := make(plotter.XYs, 0, len(pp.estimates))
	linear := make(plotter.XYs, 0, len(pp.estimates))
	for _, s := range pp.estimates {
		t := s.Stamp.Sub(pp.startTime).Seconds()
		angular = append(angular, plotter.XY{X: t, Y: s.Twist.Angular})
		linear = append(linear, plotter.XY{X: t, Y: s.Twist.Linear})
	}

	for _, series := range []struct {
		name string
		pts  plotter.XYs
		c    color.Color
	}{
		{"angular", angular, planColor},
		{"linear", linear, linearColor},
	} {
		line, err := plotter.NewLine(series.pts)
		if err != nil {
			return err
		}
		line.Color = series.c
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	file := filepath.Join(pp.outputDir, "twist.png")
	if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save twist plot: %w", err)
	}
	return nil
}
