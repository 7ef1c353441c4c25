package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/model"
)

const appColumns = `
a.id, a.number, a.applicant_id, a.document_type, a.issuing_authority, a.document_year,
a.priority, a.document_count, a.fee, a.document_path, a.document_hash,
COALESCE(a.stamped_document_path, ''), COALESCE(a.stamped_document_hash, ''),
a.status, COALESCE(a.qr_token, ''), a.qr_token_expiry, a.is_qr_revoked,
EXISTS (SELECT 1 FROM payments p WHERE p.application_id = a.id AND p.status = 1),
a.created_at, a.submitted_at, a.appointment_at, a.attested_at`

func scanApplication(row pgx.Row) (*model.Application, error) {
	var (
		a                model.Application
		priority, status int16
	)
	err := row.Scan(
		&a.ID, &a.Number, &a.ApplicantID, &a.DocumentType, &a.IssuingAuthority, &a.DocumentYear,
		&priority, &a.DocumentCount, &a.Fee, &a.DocumentPath, &a.DocumentHash,
		&a.StampedDocumentPath, &a.StampedDocumentHash,
		&status, &a.QRToken, &a.QRTokenExpiry, &a.IsQRRevoked,
		&a.IsPaid,
		&a.CreatedAt, &a.SubmittedAt, &a.AppointmentAt, &a.AttestedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Priority = model.Priority(priority)
	a.Status = model.ApplicationStatus(status)
	return &a, nil
}

func collectApplications(rows pgx.Rows) ([]model.Application, error) {
	defer rows.Close()
	var out []model.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CreateApplication inserts a Draft application.
func (r queries) CreateApplication(ctx context.Context, a *model.Application) error {
	const q = `
INSERT INTO applications (number, applicant_id, document_type, issuing_authority, document_year,
    priority, document_count, fee, document_path, document_hash, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id, created_at`
	err := r.q.QueryRow(ctx, q,
		a.Number, a.ApplicantID, a.DocumentType, a.IssuingAuthority, a.DocumentYear,
		int16(a.Priority), a.DocumentCount, a.Fee, a.DocumentPath, a.DocumentHash, int16(model.StatusDraft),
	).Scan(&a.ID, &a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("application %s: %w", a.Number, errs.ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	a.Status = model.StatusDraft
	return nil
}

// GetApplication selects an application by id.
func (r queries) GetApplication(ctx context.Context, id int64) (*model.Application, error) {
	q := `SELECT` + appColumns + ` FROM applications a WHERE a.id = $1`
	a, err := scanApplication(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("application %d", id))
	}
	return a, nil
}

// GetApplicationByNumber selects an application by number.
func (r queries) GetApplicationByNumber(ctx context.Context, number string) (*model.Application, error) {
	q := `SELECT` + appColumns + ` FROM applications a WHERE a.number = $1`
	a, err := scanApplication(r.q.QueryRow(ctx, q, number))
	if err != nil {
		return nil, notFound(err, "application "+number)
	}
	return a, nil
}

// LockApplication selects an application with FOR UPDATE.
func (r queries) LockApplication(ctx context.Context, id int64) (*model.Application, error) {
	q := `SELECT` + appColumns + ` FROM applications a WHERE a.id = $1 FOR UPDATE OF a`
	a, err := scanApplication(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("application %d", id))
	}
	return a, nil
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	return start, start.AddDate(0, 0, 1)
}

// CountApplicationsCreatedOn counts applications created on day.
func (r queries) CountApplicationsCreatedOn(ctx context.Context, day time.Time) (int, error) {
	const q = `SELECT count(*) FROM applications WHERE created_at >= $1 AND created_at < $2`
	from, to := dayBounds(day)
	var n int
	err := r.q.QueryRow(ctx, q, from, to).Scan(&n)
	return n, err
}

// CountAppointmentsOn counts appointments booked on day.
func (r queries) CountAppointmentsOn(ctx context.Context, day time.Time) (int, error) {
	const q = `SELECT count(*) FROM applications WHERE appointment_at >= $1 AND appointment_at < $2`
	from, to := dayBounds(day)
	var n int
	err := r.q.QueryRow(ctx, q, from, to).Scan(&n)
	return n, err
}

// UpdateApplicationStatus sets the status column.
func (r queries) UpdateApplicationStatus(ctx context.Context, id int64, status model.ApplicationStatus) error {
	const q = `UPDATE applications SET status = $2 WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, id, int16(status))
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("application %d", id))
}

// MarkSubmitted moves the application to Submitted.
func (r queries) MarkSubmitted(ctx context.Context, id int64, submittedAt, appointmentAt time.Time) error {
	const q = `UPDATE applications SET status = $2, submitted_at = $3, appointment_at = $4 WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, id, int16(model.StatusSubmitted), submittedAt, appointmentAt)
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("application %d", id))
}

// SaveAttestation stores the sealed document and approves the application.
func (r queries) SaveAttestation(ctx context.Context, id int64, att model.Attestation, attestedAt time.Time) error {
	const q = `
UPDATE applications
SET status = $2, stamped_document_path = $3, stamped_document_hash = $4,
    qr_token = $5, qr_token_expiry = $6, is_qr_revoked = false, attested_at = $7
WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, id, int16(model.StatusApproved),
		att.SealedPath, att.SealedHash, att.Token, att.ExpiresAt, attestedAt)
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("application %d", id))
}

// SetQRToken stores the current token.
func (r queries) SetQRToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	const q = `UPDATE applications SET qr_token = $2, qr_token_expiry = $3, is_qr_revoked = false WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, id, token, expiresAt)
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("application %d", id))
}

// SetQRRevoked flags the QR as revoked.
func (r queries) SetQRRevoked(ctx context.Context, id int64) error {
	const q = `UPDATE applications SET is_qr_revoked = true WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, id)
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("application %d", id))
}

// SetStampedHash overwrites the sealed-document hash.
func (r queries) SetStampedHash(ctx context.Context, id int64, hash string) error {
	const q = `UPDATE applications SET stamped_document_hash = $2 WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, id, hash)
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("application %d", id))
}

// ListAutoAssignable lists paid Submitted applications with no open step.
func (r queries) ListAutoAssignable(ctx context.Context, limit int) ([]model.Application, error) {
	q := `SELECT` + appColumns + `
FROM applications a
WHERE a.status = $1
  AND EXISTS (SELECT 1 FROM payments p WHERE p.application_id = a.id AND p.status = 1)
  AND NOT EXISTS (SELECT 1 FROM workflow_steps s WHERE s.application_id = a.id AND s.status = 0)
ORDER BY a.submitted_at, a.id
LIMIT $2`
	rows, err := r.q.Query(ctx, q, int16(model.StatusSubmitted), limit)
	if err != nil {
		return nil, err
	}
	return collectApplications(rows)
}

// ListStalled lists applications in Supervision or Attestation with no open step.
func (r queries) ListStalled(ctx context.Context, limit int) ([]model.Application, error) {
	q := `SELECT` + appColumns + `
FROM applications a
WHERE a.status IN ($1, $2)
  AND NOT EXISTS (SELECT 1 FROM workflow_steps s WHERE s.application_id = a.id AND s.status = 0)
ORDER BY a.submitted_at, a.id
LIMIT $3`
	rows, err := r.q.Query(ctx, q, int16(model.StatusUnderSupervision), int16(model.StatusUnderAttestation), limit)
	if err != nil {
		return nil, err
	}
	return collectApplications(rows)
}

// ListSealed lists Approved applications with a sealed document.
func (r queries) ListSealed(ctx context.Context) ([]model.Application, error) {
	q := `SELECT` + appColumns + `
FROM applications a
WHERE a.status = $1 AND a.stamped_document_path IS NOT NULL
ORDER BY a.id`
	rows, err := r.q.Query(ctx, q, int16(model.StatusApproved))
	if err != nil {
		return nil, err
	}
	return collectApplications(rows)
}

// GetApplicant selects an applicant profile.
func (r queries) GetApplicant(ctx context.Context, id int64) (*model.ApplicantProfile, error) {
	const q = `SELECT id, full_name, photo_path, cnic_hash FROM applicant_profiles WHERE id = $1`
	var p model.ApplicantProfile
	if err := r.q.QueryRow(ctx, q, id).Scan(&p.ID, &p.FullName, &p.PhotoPath, &p.CNICHash); err != nil {
		return nil, notFound(err, fmt.Sprintf("applicant %d", id))
	}
	return &p, nil
}

// InsertPayment records a completed payment.
func (r queries) InsertPayment(ctx context.Context, p *model.Payment) error {
	const q = `
INSERT INTO payments (application_id, amount, reference, status, paid_at)
VALUES ($1, $2, $3, 1, $4)
RETURNING id`
	return r.q.QueryRow(ctx, q, p.ApplicationID, p.Amount, p.Reference, p.PaidAt).Scan(&p.ID)
}
