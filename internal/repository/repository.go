// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/doc-attest/internal/model"
)

// ApplicationRepository reads and mutates applications, applicants and payments.
type ApplicationRepository interface {
	// CreateApplication inserts a Draft application and sets a.ID.
	CreateApplication(ctx context.Context, a *model.Application) error
	// GetApplication loads an application by id.
	GetApplication(ctx context.Context, id int64) (*model.Application, error)
	// GetApplicationByNumber loads an application by its public number.
	GetApplicationByNumber(ctx context.Context, number string) (*model.Application, error)
	// LockApplication loads an application and holds its row lock until the transaction ends.
	LockApplication(ctx context.Context, id int64) (*model.Application, error)
	// CountApplicationsCreatedOn counts applications created on the calendar day of day.
	CountApplicationsCreatedOn(ctx context.Context, day time.Time) (int, error)
	// CountAppointmentsOn counts submitted applications with an appointment on day.
	CountAppointmentsOn(ctx context.Context, day time.Time) (int, error)
	// UpdateApplicationStatus sets the lifecycle status.
	UpdateApplicationStatus(ctx context.Context, id int64, status model.ApplicationStatus) error
	// MarkSubmitted moves an application to Submitted with its appointment slot.
	MarkSubmitted(ctx context.Context, id int64, submittedAt, appointmentAt time.Time) error
	// SaveAttestation stores the sealed artifact and marks the application Approved.
	SaveAttestation(ctx context.Context, id int64, att model.Attestation, attestedAt time.Time) error
	// SetQRToken stores the current encrypted token and its expiry.
	SetQRToken(ctx context.Context, id int64, token string, expiresAt time.Time) error
	// SetQRRevoked flags the application's QR as revoked.
	SetQRRevoked(ctx context.Context, id int64) error
	// SetStampedHash replaces the recorded sealed-document hash.
	SetStampedHash(ctx context.Context, id int64, hash string) error
	// ListAutoAssignable lists Submitted, paid applications without a pending
	// Verification step, oldest submission first.
	ListAutoAssignable(ctx context.Context, limit int) ([]model.Application, error)
	// ListStalled lists applications past Verification whose current level has
	// no pending step, oldest first.
	ListStalled(ctx context.Context, limit int) ([]model.Application, error)
	// ListSealed lists Approved applications that have a sealed document.
	ListSealed(ctx context.Context) ([]model.Application, error)
	// GetApplicant loads an applicant profile.
	GetApplicant(ctx context.Context, id int64) (*model.ApplicantProfile, error)
	// InsertPayment records a payment and sets p.ID.
	InsertPayment(ctx context.Context, p *model.Payment) error
}

// WorkflowRepository stores steps, history and officer lookups.
type WorkflowRepository interface {
	// PendingStep returns the lowest-level Pending step of an application, locked.
	PendingStep(ctx context.Context, appID int64) (*model.WorkflowStep, error)
	// PendingStepAt returns the Pending step at level, locked.
	PendingStepAt(ctx context.Context, appID int64, level model.Level) (*model.WorkflowStep, error)
	// InsertStep inserts a step and sets s.ID.
	InsertStep(ctx context.Context, s *model.WorkflowStep) error
	// ReassignStep moves a Pending step to another officer.
	ReassignStep(ctx context.Context, stepID int64, officerID uuid.UUID, at time.Time) error
	// CompleteStep writes the terminal status of a Pending step.
	CompleteStep(ctx context.Context, stepID int64, status model.StepStatus, remarks string, at time.Time) error
	// ListSteps lists all steps of an application by level then assignment time.
	ListSteps(ctx context.Context, appID int64) ([]model.WorkflowStep, error)
	// PendingForOfficer lists the officer's Pending steps, oldest first.
	PendingForOfficer(ctx context.Context, officerID uuid.UUID) ([]model.WorkflowStep, error)
	// PendingLoad counts Pending steps per officer at level.
	PendingLoad(ctx context.Context, level model.Level) (map[uuid.UUID]int, error)
	// InsertHistory appends an audit record.
	InsertHistory(ctx context.Context, h *model.WorkflowHistory) error
	// ListHistory lists an application's audit records, oldest first.
	ListHistory(ctx context.Context, appID int64) ([]model.WorkflowHistory, error)
}

// OfficerRepository looks up back-office accounts.
type OfficerRepository interface {
	// GetOfficer loads an officer by id.
	GetOfficer(ctx context.Context, id uuid.UUID) (*model.Officer, error)
	// LockOfficer loads an officer and holds its row lock until the transaction ends.
	LockOfficer(ctx context.Context, id uuid.UUID) (*model.Officer, error)
	// ActiveOfficers lists active officers with role, ordered by id.
	ActiveOfficers(ctx context.Context, role model.Role) ([]model.Officer, error)
}

// TokenRepository stores issued tokens and scan logs.
type TokenRepository interface {
	// InsertToken persists an issued token and sets t.ID.
	InsertToken(ctx context.Context, t *model.QRToken) error
	// GetTokenByValue finds a token row by its exact encrypted string.
	GetTokenByValue(ctx context.Context, token string) (*model.QRToken, error)
	// RevokeTokens revokes every live token of an application and returns how many changed.
	RevokeTokens(ctx context.Context, appID int64, reason string, at time.Time) (int64, error)
	// InsertScanLog appends a verification attempt.
	InsertScanLog(ctx context.Context, l *model.ScanLog) error
}

// DeviceRepository stores registered devices.
type DeviceRepository interface {
	// InsertDevice persists a new device and sets d.ID.
	InsertDevice(ctx context.Context, d *model.Device) error
	// RotateDevice replaces the token material and client metadata of an existing device.
	RotateDevice(ctx context.Context, d *model.Device) error
	// GetDevice loads a device by id.
	GetDevice(ctx context.Context, id int64) (*model.Device, error)
	// GetDeviceByTokenHash loads a device by the hash of its token.
	GetDeviceByTokenHash(ctx context.Context, hash string) (*model.Device, error)
	// ListDevices lists the user's devices, newest registration first.
	ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error)
	// RevokeDevice marks a device revoked and inactive.
	RevokeDevice(ctx context.Context, id int64, reason string) error
	// TouchDevice records a successful use.
	TouchDevice(ctx context.Context, id int64, at time.Time, ip string) error
}

// OutboxRepository stores side effects awaiting delivery.
type OutboxRepository interface {
	// Enqueue inserts a message and sets m.ID.
	Enqueue(ctx context.Context, m *model.OutboxMessage) error
	// ClaimDue locks up to limit undelivered messages due at now, skipping rows
	// locked by other dispatchers.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.OutboxMessage, error)
	// MarkSent records delivery.
	MarkSent(ctx context.Context, id int64, at time.Time) error
	// MarkFailed records a failed attempt and the next attempt time.
	MarkFailed(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error
}

// Queries is the full query surface, available inside and outside transactions.
type Queries interface {
	ApplicationRepository
	WorkflowRepository
	OfficerRepository
	TokenRepository
	DeviceRepository
	OutboxRepository
}

// Store runs queries directly or inside an atomic unit of work.
type Store interface {
	Queries
	// WithinTx runs fn in one transaction; a non-nil error from fn rolls it back.
	WithinTx(ctx context.Context, fn func(q Queries) error) error
}
