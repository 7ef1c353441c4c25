package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/model"
)

const stepColumns = `id, application_id, level, officer_id, status, assigned_at, completed_at, remarks`

func scanStep(row pgx.Row) (*model.WorkflowStep, error) {
	var (
		s             model.WorkflowStep
		level, status int16
	)
	if err := row.Scan(&s.ID, &s.ApplicationID, &level, &s.OfficerID, &status, &s.AssignedAt, &s.CompletedAt, &s.Remarks); err != nil {
		return nil, err
	}
	s.Level = model.Level(level)
	s.Status = model.StepStatus(status)
	return &s, nil
}

func collectSteps(rows pgx.Rows) ([]model.WorkflowStep, error) {
	defer rows.Close()
	var out []model.WorkflowStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// PendingStep selects the lowest-level Pending step with FOR UPDATE.
func (r queries) PendingStep(ctx context.Context, appID int64) (*model.WorkflowStep, error) {
	const q = `SELECT ` + stepColumns + `
FROM workflow_steps
WHERE application_id = $1 AND status = 0
ORDER BY level
LIMIT 1
FOR UPDATE`
	s, err := scanStep(r.q.QueryRow(ctx, q, appID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("pending step of application %d", appID))
	}
	return s, nil
}

// PendingStepAt selects the Pending step at level with FOR UPDATE.
func (r queries) PendingStepAt(ctx context.Context, appID int64, level model.Level) (*model.WorkflowStep, error) {
	const q = `SELECT ` + stepColumns + `
FROM workflow_steps
WHERE application_id = $1 AND level = $2 AND status = 0
FOR UPDATE`
	s, err := scanStep(r.q.QueryRow(ctx, q, appID, int16(level)))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("pending %s step of application %d", level, appID))
	}
	return s, nil
}

// InsertStep inserts a workflow step.
func (r queries) InsertStep(ctx context.Context, s *model.WorkflowStep) error {
	const q = `
INSERT INTO workflow_steps (application_id, level, officer_id, status, assigned_at, remarks)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`
	err := r.q.QueryRow(ctx, q, s.ApplicationID, int16(s.Level), s.OfficerID, int16(s.Status), s.AssignedAt, s.Remarks).Scan(&s.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("pending %s step of application %d: %w", s.Level, s.ApplicationID, errs.ErrAlreadyExists)
	}
	return err
}

// ReassignStep changes the officer of a Pending step.
func (r queries) ReassignStep(ctx context.Context, stepID int64, officerID uuid.UUID, at time.Time) error {
	const q = `UPDATE workflow_steps SET officer_id = $2, assigned_at = $3 WHERE id = $1 AND status = 0`
	tag, err := r.q.Exec(ctx, q, stepID, officerID, at)
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("step %d", stepID))
}

// CompleteStep resolves a Pending step.
func (r queries) CompleteStep(ctx context.Context, stepID int64, status model.StepStatus, remarks string, at time.Time) error {
	const q = `UPDATE workflow_steps SET status = $2, remarks = $3, completed_at = $4 WHERE id = $1 AND status = 0`
	tag, err := r.q.Exec(ctx, q, stepID, int16(status), remarks, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("step %d: %w", stepID, errs.ErrNotPending)
	}
	return nil
}

// ListSteps lists an application's steps.
func (r queries) ListSteps(ctx context.Context, appID int64) ([]model.WorkflowStep, error) {
	const q = `SELECT ` + stepColumns + ` FROM workflow_steps WHERE application_id = $1 ORDER BY level, assigned_at, id`
	rows, err := r.q.Query(ctx, q, appID)
	if err != nil {
		return nil, err
	}
	return collectSteps(rows)
}

// PendingForOfficer lists an officer's open steps.
func (r queries) PendingForOfficer(ctx context.Context, officerID uuid.UUID) ([]model.WorkflowStep, error) {
	const q = `SELECT ` + stepColumns + ` FROM workflow_steps WHERE officer_id = $1 AND status = 0 ORDER BY assigned_at, id`
	rows, err := r.q.Query(ctx, q, officerID)
	if err != nil {
		return nil, err
	}
	return collectSteps(rows)
}

// PendingLoad counts open steps per officer at level.
func (r queries) PendingLoad(ctx context.Context, level model.Level) (map[uuid.UUID]int, error) {
	const q = `SELECT officer_id, count(*) FROM workflow_steps WHERE level = $1 AND status = 0 GROUP BY officer_id`
	rows, err := r.q.Query(ctx, q, int16(level))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			id uuid.UUID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// InsertHistory appends an audit record.
func (r queries) InsertHistory(ctx context.Context, h *model.WorkflowHistory) error {
	const q = `
INSERT INTO workflow_history (application_id, level, actor_id, action, remarks, previous_status, new_status, ip_address)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at`
	return r.q.QueryRow(ctx, q, h.ApplicationID, int16(h.Level), h.ActorID, h.Action, h.Remarks,
		int16(h.PreviousStatus), int16(h.NewStatus), h.IPAddress).Scan(&h.ID, &h.CreatedAt)
}

// ListHistory lists audit records of an application.
func (r queries) ListHistory(ctx context.Context, appID int64) ([]model.WorkflowHistory, error) {
	const q = `
SELECT id, application_id, level, actor_id, action, remarks, previous_status, new_status, ip_address, created_at
FROM workflow_history
WHERE application_id = $1
ORDER BY created_at, id`
	rows, err := r.q.Query(ctx, q, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.WorkflowHistory
	for rows.Next() {
		var (
			h               model.WorkflowHistory
			level, pre, nxt int16
		)
		if err := rows.Scan(&h.ID, &h.ApplicationID, &level, &h.ActorID, &h.Action, &h.Remarks, &pre, &nxt, &h.IPAddress, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Level = model.Level(level)
		h.PreviousStatus = model.ApplicationStatus(pre)
		h.NewStatus = model.ApplicationStatus(nxt)
		out = append(out, h)
	}
	return out, rows.Err()
}

const officerColumns = `id, username, full_name, role, is_active`

func scanOfficer(row pgx.Row) (*model.Officer, error) {
	var (
		o    model.Officer
		role int16
	)
	if err := row.Scan(&o.ID, &o.Username, &o.FullName, &role, &o.IsActive); err != nil {
		return nil, err
	}
	o.Role = model.Role(role)
	return &o, nil
}

// GetOfficer selects an officer by id.
func (r queries) GetOfficer(ctx context.Context, id uuid.UUID) (*model.Officer, error) {
	const q = `SELECT ` + officerColumns + ` FROM officers WHERE id = $1`
	o, err := scanOfficer(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "officer "+id.String())
	}
	return o, nil
}

// LockOfficer selects an officer with FOR UPDATE.
func (r queries) LockOfficer(ctx context.Context, id uuid.UUID) (*model.Officer, error) {
	const q = `SELECT ` + officerColumns + ` FROM officers WHERE id = $1 FOR UPDATE`
	o, err := scanOfficer(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "officer "+id.String())
	}
	return o, nil
}

// ActiveOfficers lists active officers holding role.
func (r queries) ActiveOfficers(ctx context.Context, role model.Role) ([]model.Officer, error) {
	const q = `SELECT ` + officerColumns + ` FROM officers WHERE role = $1 AND is_active ORDER BY id`
	rows, err := r.q.Query(ctx, q, int16(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Officer
	for rows.Next() {
		o, err := scanOfficer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
