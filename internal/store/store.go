package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusPlanning  JobStatus = "planning"
	JobStatusExecuting JobStatus = "executing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions occur after s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// Terminal reports whether no further transitions occur after s.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// Job is one end-to-end processing of a user prompt.
type Job struct {
	ID        int64     `json:"id"`
	Prompt    string    `json:"prompt"`
	Status    JobStatus `json:"status"`
	Reasoning *string   `json:"reasoning"`
	CreatedAt time.Time `json:"createdAt"`
}

// Step is one planned unit of work within a job.
type Step struct {
	ID     int64      `json:"id"`
	JobID  int64      `json:"jobId"`
	Order  int        `json:"order"`
	Title  string     `json:"title"`
	Tool   string     `json:"tool"`
	Status StepStatus `json:"status"`
	Output *string    `json:"output"`
}

// JobResponse is a job merged with its steps ordered by Order.
type JobResponse struct {
	Job
	Steps []Step `json:"steps"`
}

// ErrNotFound is returned by updates addressing an unknown record.
var ErrNotFound = errors.New("record not found")

// Store persists jobs and steps in Postgres.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// CreateJob inserts a pending job.
func (s *Store) CreateJob(ctx context.Context, prompt string) (Job, error) {
	var j Job
	var reasoning sql.NullString
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO jobs (prompt, status) VALUES ($1, $2)
RETURNING id, prompt, status, reasoning, created_at`, prompt, JobStatusPending).
		Scan(&j.ID, &j.Prompt, &j.Status, &reasoning, &j.CreatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	j.Reasoning = nullToPtr(reasoning)
	return j, nil
}

// GetJob returns the job with its steps sorted by order. ok is false for unknown ids.
func (s *Store) GetJob(ctx context.Context, id int64) (JobResponse, bool, error) {
	var resp JobResponse
	var reasoning sql.NullString
	err := s.DB.QueryRowContext(ctx, `
SELECT id, prompt, status, reasoning, created_at FROM jobs WHERE id=$1`, id).
		Scan(&resp.ID, &resp.Prompt, &resp.Status, &reasoning, &resp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JobResponse{}, false, nil
	}
	if err != nil {
		return JobResponse{}, false, fmt.Errorf("select job: %w", err)
	}
	resp.Reasoning = nullToPtr(reasoning)

	rows, err := s.DB.QueryContext(ctx, `
SELECT id, job_id, "order", title, tool, status, output FROM steps
WHERE job_id=$1
ORDER BY "order" ASC, id ASC`, id)
	if err != nil {
		return JobResponse{}, false, fmt.Errorf("select steps: %w", err)
	}
	defer rows.Close()

	resp.Steps = []Step{}
	for rows.Next() {
		var st Step
		var output sql.NullString
		if err := rows.Scan(&st.ID, &st.JobID, &st.Order, &st.Title, &st.Tool, &st.Status, &output); err != nil {
			return JobResponse{}, false, fmt.Errorf("scan step: %w", err)
		}
		st.Output = nullToPtr(output)
		resp.Steps = append(resp.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return JobResponse{}, false, fmt.Errorf("iterate steps: %w", err)
	}
	return resp, true, nil
}

// UpdateJobStatus overwrites the job status without validating the transition.
func (s *Store) UpdateJobStatus(ctx context.Context, id int64, status JobStatus) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return expectAffected(res, "job", id)
}

// UpdateJobReasoning stores the planner narrative.
func (s *Store) UpdateJobReasoning(ctx context.Context, id int64, reasoning string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET reasoning=$2 WHERE id=$1`, id, reasoning)
	if err != nil {
		return fmt.Errorf("update job reasoning: %w", err)
	}
	return expectAffected(res, "job", id)
}

// CreateStep inserts a pending step with no output.
func (s *Store) CreateStep(ctx context.Context, jobID int64, title, tool string, order int) (Step, error) {
	st := Step{JobID: jobID, Order: order, Title: title, Tool: tool, Status: StepStatusPending}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO steps (job_id, "order", title, tool, status) VALUES ($1,$2,$3,$4,$5)
RETURNING id`, jobID, order, title, tool, StepStatusPending).Scan(&st.ID)
	if err != nil {
		return Step{}, fmt.Errorf("insert step: %w", err)
	}
	return st, nil
}

// UpdateStepStatus sets the step status and output. A nil output clears it.
func (s *Store) UpdateStepStatus(ctx context.Context, id int64, status StepStatus, output *string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE steps SET status=$2, output=$3 WHERE id=$1`, id, status, ptrToNull(output))
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	return expectAffected(res, "step", id)
}

func expectAffected(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func nullToPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func ptrToNull(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
