package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kullken/Pet-Mk-IV/internal/estimator"
	"github.com/kullken/Pet-Mk-IV/internal/geometry"
	"github.com/kullken/Pet-Mk-IV/internal/node"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one daemon session.
type Run struct {
	ID         string          `json:"run_id"`
	Started    time.Time       `json:"started"`
	Ended      *time.Time      `json:"ended,omitempty"`
	Mode       string          `json:"mode"`
	ConfigJSON json.RawMessage `json:"config"`
}

// EstimateRow is a stored state estimate.
type EstimateRow struct {
	Stamp   time.Time                    `json:"stamp"`
	X       float64                      `json:"x"`
	Y       float64                      `json:"y"`
	Heading float64                      `json:"heading"`
	Twist   geometry.Twist               `json:"twist"`
	Phase   string                       `json:"phase"`
	StdDev  [estimator.StateSize]float64 `json:"std_dev"`
}

// SetpointRow is one stage of a stored plan, or a reference pose when the
// twist is zero.
type SetpointRow struct {
	ElapsedMs float64 `json:"elapsed_ms"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Heading   float64 `json:"heading"`
	Angular   float64 `json:"angular"`
	Linear    float64 `json:"linear"`
}

// PlanRow is a stored control plan with its solve report.
type PlanRow struct {
	ID                 int64         `json:"plan_id"`
	Stamp              time.Time     `json:"stamp"`
	Feasible           bool          `json:"feasible"`
	PenaltyIterations  int           `json:"penalty_iterations"`
	PenaltyCoefficient float64       `json:"penalty_coefficient"`
	MaxConstraintCost  float64       `json:"max_constraint_cost"`
	SolverIterations   int           `json:"solver_iterations"`
	FinalCost          float64       `json:"final_cost"`
	Termination        string        `json:"termination"`
	SolveMs            float64       `json:"solve_ms"`
	Setpoints          []SetpointRow `json:"setpoints"`
	Reference          []SetpointRow `json:"reference"`
}

func unixSeconds(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9))
}

// StartRun records a new run and returns it with a fresh id.
func (db *DB) StartRun(ctx context.Context, mode string, config any) (Run, error) {
	cfg, err := json.Marshal(config)
	if err != nil {
		return Run{}, fmt.Errorf("encode run config: %w", err)
	}
	run := Run{ID: uuid.NewString(), Started: time.Now(), Mode: mode, ConfigJSON: cfg}
	_, err = db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_unix, mode, config_json) VALUES (?, ?, ?, ?)`,
		run.ID, unixSeconds(run.Started), run.Mode, string(cfg))
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// EndRun stamps the end time of a run.
func (db *DB) EndRun(ctx context.Context, runID string, ended time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE runs SET ended_unix = ? WHERE run_id = ?`, unixSeconds(ended), runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Runs lists the most recent runs first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, started_unix, ended_unix, mode, config_json FROM runs ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			started float64
			ended   sql.NullFloat64
			cfg     string
		)
		if err := rows.Scan(&r.ID, &started, &ended, &r.Mode, &cfg); err != nil {
			return nil, err
		}
		r.Started = fromUnixSeconds(started)
		if ended.Valid {
			t := fromUnixSeconds(ended.Float64)
			r.Ended = &t
		}
		r.ConfigJSON = json.RawMessage(cfg)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// InsertEstimates writes a batch of estimates in one transaction.
func (db *DB) InsertEstimates(ctx context.Context, runID string, states []estimator.StateOutput) error {
	if len(states) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO estimates
			(run_id, stamp_unix, x, y, heading, angular, linear, phase, std_dev_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, s := range states {
			stdDev, err := json.Marshal(s.StdDev)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, runID, unixSeconds(s.Stamp), s.X, s.Y, s.Heading,
				s.Twist.Angular, s.Twist.Linear, s.Phase, string(stdDev)); err != nil {
				return fmt.Errorf("insert estimate: %w", err)
			}
		}
		return nil
	})
}

// Estimates returns the newest estimates of a run in chronological order.
func (db *DB) Estimates(ctx context.Context, runID string, limit int) ([]EstimateRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT stamp_unix, x, y, heading, angular, linear, phase, std_dev_json
		FROM (SELECT rowid, * FROM estimates WHERE run_id = ? ORDER BY stamp_unix DESC, rowid DESC LIMIT ?)
		ORDER BY stamp_unix, rowid`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EstimateRow
	for rows.Next() {
		var (
			e      EstimateRow
			stamp  float64
			stdDev string
		)
		if err := rows.Scan(&stamp, &e.X, &e.Y, &e.Heading, &e.Twist.Angular, &e.Twist.Linear, &e.Phase, &stdDev); err != nil {
			return nil, err
		}
		e.Stamp = fromUnixSeconds(stamp)
		if err := json.Unmarshal([]byte(stdDev), &e.StdDev); err != nil {
			return nil, fmt.Errorf("decode std_dev: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertPlans writes a batch of plans in one transaction.
func (db *DB) InsertPlans(ctx context.Context, runID string, plans []node.Plan) error {
	if len(plans) == 0 {
		return nil
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO plans
			(run_id, stamp_unix, feasible, penalty_iterations, penalty_coefficient, max_constraint_cost,
			 solver_iterations, final_cost, termination, solve_ms, setpoints_json, reference_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, plan := range plans {
			p := NewPlanRow(plan)
			setpoints, err := json.Marshal(p.Setpoints)
			if err != nil {
				return err
			}
			reference, err := json.Marshal(p.Reference)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, runID, unixSeconds(p.Stamp), p.Feasible, p.PenaltyIterations,
				p.PenaltyCoefficient, p.MaxConstraintCost, p.SolverIterations, p.FinalCost,
				p.Termination, p.SolveMs, string(setpoints), string(reference)); err != nil {
				return fmt.Errorf("insert plan: %w", err)
			}
		}
		return nil
	})
}

// Plans returns the newest plans of a run in chronological order.
func (db *DB) Plans(ctx context.Context, runID string, limit int) ([]PlanRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT plan_id, stamp_unix, feasible, penalty_iterations, penalty_coefficient,
			max_constraint_cost, solver_iterations, final_cost, termination, solve_ms, setpoints_json, reference_json
		FROM (SELECT * FROM plans WHERE run_id = ? ORDER BY plan_id DESC LIMIT ?)
		ORDER BY plan_id`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlanRow
	for rows.Next() {
		var (
			p                    PlanRow
			stamp                float64
			setpoints, reference string
		)
		if err := rows.Scan(&p.ID, &stamp, &p.Feasible, &p.PenaltyIterations, &p.PenaltyCoefficient,
			&p.MaxConstraintCost, &p.SolverIterations, &p.FinalCost, &p.Termination, &p.SolveMs,
			&setpoints, &reference); err != nil {
			return nil, err
		}
		p.Stamp = fromUnixSeconds(stamp)
		if err := json.Unmarshal([]byte(setpoints), &p.Setpoints); err != nil {
			return nil, fmt.Errorf("decode setpoints: %w", err)
		}
		if err := json.Unmarshal([]byte(reference), &p.Reference); err != nil {
			return nil, fmt.Errorf("decode reference: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// NewPlanRow converts a plan to its stored form. ID is left zero.
func NewPlanRow(p node.Plan) PlanRow {
	r := p.Report
	return PlanRow{
		Stamp:              p.Stamp,
		Feasible:           r.Feasible,
		PenaltyIterations:  r.PenaltyIterations,
		PenaltyCoefficient: r.PenaltyCoefficient,
		MaxConstraintCost:  r.MaxConstraintCost,
		SolverIterations:   r.SolverIterations,
		FinalCost:          r.Summary.FinalCost,
		Termination:        r.Summary.Termination.String(),
		SolveMs:            float64(r.Elapsed) / float64(time.Millisecond),
		Setpoints:          setpointRows(p),
		Reference:          referenceRows(p),
	}
}

func setpointRows(p node.Plan) []SetpointRow {
	out := make([]SetpointRow, len(p.Setpoints))
	for i, sp := range p.Setpoints {
		out[i] = SetpointRow{
			ElapsedMs: float64(sp.Elapsed) / float64(time.Millisecond),
			X:         sp.Pose.Position.X,
			Y:         sp.Pose.Position.Y,
			Heading:   sp.Pose.Heading(),
			Angular:   sp.Twist.Angular,
			Linear:    sp.Twist.Linear,
		}
	}
	return out
}

func referenceRows(p node.Plan) []SetpointRow {
	out := make([]SetpointRow, len(p.Reference))
	for i, pose := range p.Reference {
		row := SetpointRow{X: pose.Position.X, Y: pose.Position.Y, Heading: pose.Heading()}
		if i < len(p.Setpoints) {
			row.ElapsedMs = float64(p.Setpoints[i].Elapsed) / float64(time.Millisecond)
		}
		out[i] = row
	}
	return out
}

func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logf("warning: failed to rollback transaction: %v", err)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
