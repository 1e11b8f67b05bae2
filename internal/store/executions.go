package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/basket/go-claw/internal/shared"
)

const maxHistoryLimit = 200

// LogExecution inserts one execution history row. Execution records are
// append-only: they are never updated after insert.
func (s *Store) LogExecution(ctx context.Context, exec Execution) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO cron_executions (
				job_name, started_at, finished_at, exit_code, timed_out,
				output_destination, response_preview, error, cost_usd
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, exec.JobName, exec.StartedAt, nullableTime(exec.FinishedAt), nullableInt(exec.ExitCode),
			boolToInt(exec.TimedOut), exec.OutputDestination, exec.ResponsePreview, exec.Error,
			nullableFloat(exec.CostUSD))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, &shared.StoreError{Op: "log_execution", Err: err}
	}
	return id, nil
}

// GetRecentExecutions returns the most-recent-first execution history,
// optionally filtered to a single job name. limit defaults to 20 and is
// capped at maxHistoryLimit.
func (s *Store) GetRecentExecutions(ctx context.Context, jobName string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var rows *sql.Rows
	var err error
	if jobName == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, job_name, started_at, finished_at, exit_code, timed_out,
			       output_destination, response_preview, error, cost_usd
			FROM cron_executions ORDER BY started_at DESC, id DESC LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, job_name, started_at, finished_at, exit_code, timed_out,
			       output_destination, response_preview, error, cost_usd
			FROM cron_executions WHERE job_name = ? ORDER BY started_at DESC, id DESC LIMIT ?;
		`, jobName, limit)
	}
	if err != nil {
		return nil, &shared.StoreError{Op: "get_recent_executions", Err: err}
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e          Execution
			finishedAt sql.NullTime
			exitCode   sql.NullInt64
			timedOut   int
			destOut    sql.NullString
			preview    sql.NullString
			errText    sql.NullString
			cost       sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &e.JobName, &e.StartedAt, &finishedAt, &exitCode, &timedOut,
			&destOut, &preview, &errText, &cost); err != nil {
			return nil, &shared.StoreError{Op: "scan_execution", Err: err}
		}
		if finishedAt.Valid {
			e.FinishedAt = &finishedAt.Time
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			e.ExitCode = &v
		}
		e.TimedOut = timedOut != 0
		e.OutputDestination = destOut.String
		e.ResponsePreview = preview.String
		e.Error = errText.String
		if cost.Valid {
			e.CostUSD = &cost.Float64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
