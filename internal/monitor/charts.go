package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/kullken/Pet-Mk-IV/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// AttachRoutes registers the chart pages on mux's debug handler.
func (t *Tracker) AttachRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("path", "estimate trail with the latest plan and reference", t.handlePathChart)
	debug.HandleFunc("solver", "solve time and constraint cost per control cycle", t.handleSolverChart)
	debug.HandleFunc("dashboard", "path and solver charts", t.handleDashboard)
}

// handlePathChart renders the estimate trail, the latest plan and its
// reference as an XY scatter.
func (t *Tracker) handlePathChart(w http.ResponseWriter, r *http.Request) {
	trail := t.Trail()
	plan, havePlan := t.LatestPlan()
	if len(trail) == 0 && !havePlan {
		httputil.NotFound(w, "nothing recorded yet")
		return
	}

	b := newBounds()
	trailPts := make([]opts.ScatterData, 0, len(trail))
	for _, s := range trail {
		b.add(s.X, s.Y)
		trailPts = append(trailPts, opts.ScatterData{Value: []interface{}{s.X, s.Y}})
	}
	var planPts, refPts []opts.ScatterData
	if havePlan {
		for _, sp := range plan.Setpoints {
			x, y := sp.Pose.Position.X, sp.Pose.Position.Y
			b.add(x, y)
			planPts = append(planPts, opts.ScatterData{Value: []interface{}{x, y}})
		}
		for _, p := range plan.Reference {
			b.add(p.Position.X, p.Position.Y)
			refPts = append(refPts, opts.ScatterData{Value: []interface{}{p.Position.X, p.Position.Y}})
		}
	}
	minX, maxX, minY, maxY := b.square(0.25)

	subtitle := fmt.Sprintf("estimates=%d", len(trail))
	if havePlan {
		subtitle += fmt.Sprintf(" plan=%s feasible=%t", plan.Stamp.Format(time.RFC3339Nano), plan.Report.Feasible)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Robot Path", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Estimate, Plan and Reference", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: minX, Max: maxX, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: minY, Max: maxY, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("estimate", trailPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#9e9e9e"}))
	scatter.AddSeries("reference", refPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#35b779"}))
	scatter.AddSeries("plan", planPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render path chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleSolverChart renders solve time and constraint cost per cycle.
func (t *Tracker) handleSolverChart(w http.ResponseWriter, r *http.Request) {
	solves := t.Solves()
	if len(solves) == 0 {
		httputil.NotFound(w, "no solves recorded yet")
		return
	}

	x := make([]string, 0, len(solves))
	solveMs := make([]opts.LineData, 0, len(solves))
	penalty := make([]opts.BarData, 0, len(solves))
	constraint := make([]opts.LineData, 0, len(solves))
	for _, s := range solves {
		x = append(x, s.Stamp.Format("15:04:05.000"))
		solveMs = append(solveMs, opts.LineData{Value: s.SolveMs})
		penalty = append(penalty, opts.BarData{Value: s.PenaltyIterations})
		constraint = append(constraint, opts.LineData{Value: s.MaxConstraintCost})
	}

	timing := charts.NewLine()
	timing.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Solve time (ms)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	timing.SetXAxis(x).AddSeries("solve_ms", solveMs)

	iterations := charts.NewBar()
	iterations.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "240px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Penalty iterations"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	iterations.SetXAxis(x).AddSeries("penalty_iterations", penalty)

	cost := charts.NewLine()
	cost.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Max kinematic constraint cost"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Type: "log"}),
	)
	cost.SetXAxis(x).AddSeries("max_constraint_cost", constraint)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(timing, iterations, cost)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (t *Tracker) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Autonomy Debug</title>
<style>body{background:#100c2a;color:#eee;font-family:sans-serif;margin:0}
.row{display:flex;flex-wrap:wrap}iframe{border:0;margin:4px}</style></head>
<body>
<h2 style="margin:8px">Autonomy Debug</h2>
<div class="row">
<iframe src="/debug/path" width="920" height="920"></iframe>
<iframe src="/debug/solver" width="900" height="1000"></iframe>
</div>
</body>
</html>
`

// bounds tracks the extent of the plotted points.
type bounds struct {
	minX, maxX, minY, maxY float64
}

func newBounds() *bounds {
	return &bounds{minX: math.Inf(1), maxX: math.Inf(-1), minY: math.Inf(1), maxY: math.Inf(-1)}
}

func (b *bounds) add(x, y float64) {
	b.minX = math.Min(b.minX, x)
	b.maxX = math.Max(b.maxX, x)
	b.minY = math.Min(b.minY, y)
	b.maxY = math.Max(b.maxY, y)
}

// square returns equal-span axis limits around the points with pad metres
// of margin, so the chart is not distorted.
func (b *bounds) square(pad float64) (minX, maxX, minY, maxY float64) {
	if math.IsInf(b.minX, 1) {
		return -1, 1, -1, 1
	}
	half := math.Max(b.maxX-b.minX, b.maxY-b.minY)/2 + pad
	cx, cy := (b.minX+b.maxX)/2, (b.minY+b.maxY)/2
	return cx - half, cx + half, cy - half, cy + half
}
