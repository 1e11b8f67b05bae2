package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/basket/go-claw/internal/shared"
)

// ErrDuplicateJob is returned by CreateJob when a job with the same name
// already exists.
var ErrDuplicateJob = errors.New("cron job name already exists")

// ErrJobNotFound is returned by operations addressing a job by name when
// no such row exists.
var ErrJobNotFound = errors.New("cron job not found")

// ErrInvalidJobName is returned by CreateJob when the name doesn't match
// validJobName — job names become path components of the history file
// (historyfile.Manager joins them straight into a filename), so anything
// outside this charset risks writing outside the vault directory.
var ErrInvalidJobName = errors.New("cron job name must match ^[A-Za-z0-9_-]{1,64}$")

var validJobName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func joinTools(tools []string) sql.NullString {
	if len(tools) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: strings.Join(tools, ","), Valid: true}
}

func splitTools(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	return strings.Split(v.String, ",")
}

// CreateJob inserts a new cron job row. It rejects duplicate names with
// ErrDuplicateJob.
func (s *Store) CreateJob(ctx context.Context, job Job) (Job, error) {
	if !validJobName.MatchString(job.Name) {
		return Job{}, ErrInvalidJobName
	}
	if job.Timezone == "" {
		job.Timezone = defaultTimezone
	}
	if job.ExecutionMode == "" {
		job.ExecutionMode = ModeCLI
	}
	if job.Output == "" {
		job.Output = OutputLog
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cron_jobs (
				name, schedule, prompt, output, enabled, timezone,
				max_turns, model, execution_mode, allowed_tools, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, job.Name, job.Schedule, job.Prompt, job.Output, boolToInt(job.Enabled), job.Timezone,
			nullableInt(job.MaxTurns), nullableString(job.Model), job.ExecutionMode, joinTools(job.AllowedTools))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return Job{}, ErrDuplicateJob
		}
		return Job{}, &shared.StoreError{Op: "create_job", Err: err}
	}
	return s.GetJob(ctx, job.Name)
}

// GetJob returns the job row with the given name, or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, name string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, schedule, prompt, output, enabled, timezone,
		       max_turns, model, execution_mode, allowed_tools, created_at, updated_at
		FROM cron_jobs WHERE name = ?;
	`, name)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, &shared.StoreError{Op: "get_job", Err: err}
	}
	return job, nil
}

// ListJobs returns every cron job, ordered by name.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schedule, prompt, output, enabled, timezone,
		       max_turns, model, execution_mode, allowed_tools, created_at, updated_at
		FROM cron_jobs ORDER BY name ASC;
	`)
	if err != nil {
		return nil, &shared.StoreError{Op: "list_jobs", Err: err}
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &shared.StoreError{Op: "scan_job", Err: err}
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j            Job
		enabledInt   int
		maxTurns     sql.NullInt64
		model        sql.NullString
		allowedTools sql.NullString
	)
	err := row.Scan(&j.ID, &j.Name, &j.Schedule, &j.Prompt, &j.Output, &enabledInt, &j.Timezone,
		&maxTurns, &model, &j.ExecutionMode, &allowedTools, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return Job{}, err
	}
	j.Enabled = enabledInt != 0
	if maxTurns.Valid {
		v := int(maxTurns.Int64)
		j.MaxTurns = &v
	}
	if model.Valid {
		v := model.String
		j.Model = &v
	}
	j.AllowedTools = splitTools(allowedTools)
	return j, nil
}

// UpdateJob applies a field-by-field mask and refreshes updated_at. It
// returns ErrJobNotFound if name does not exist.
func (s *Store) UpdateJob(ctx context.Context, name string, patch JobPatch) (Job, error) {
	current, err := s.GetJob(ctx, name)
	if err != nil {
		return Job{}, err
	}

	if patch.Schedule != nil {
		current.Schedule = *patch.Schedule
	}
	if patch.Prompt != nil {
		current.Prompt = *patch.Prompt
	}
	if patch.Output != nil {
		current.Output = *patch.Output
	}
	if patch.Enabled != nil {
		current.Enabled = *patch.Enabled
	}
	if patch.Timezone != nil {
		current.Timezone = *patch.Timezone
	}
	if patch.MaxTurns != nil {
		current.MaxTurns = *patch.MaxTurns
	}
	if patch.Model != nil {
		current.Model = *patch.Model
	}
	if patch.ExecutionMode != nil {
		current.ExecutionMode = *patch.ExecutionMode
	}
	if patch.AllowedTools != nil {
		current.AllowedTools = *patch.AllowedTools
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE cron_jobs SET
				schedule = ?, prompt = ?, output = ?, enabled = ?, timezone = ?,
				max_turns = ?, model = ?, execution_mode = ?, allowed_tools = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE name = ?;
		`, current.Schedule, current.Prompt, current.Output, boolToInt(current.Enabled), current.Timezone,
			nullableInt(current.MaxTurns), nullableString(current.Model), current.ExecutionMode,
			joinTools(current.AllowedTools), name)
		return err
	})
	if err != nil {
		return Job{}, &shared.StoreError{Op: "update_job", Err: err}
	}
	return s.GetJob(ctx, name)
}

// DeleteJob removes the job row. It returns whether a row was deleted.
func (s *Store) DeleteJob(ctx context.Context, name string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE name = ?;`, name)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, &shared.StoreError{Op: "delete_job", Err: err}
	}
	return affected > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
