// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Priority selects the fee schedule and appointment horizon of an application.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityUrgent
)

// Application is one attestation request.
type Application struct {
	ID               int64
	Number           string // APP-yyyyMMdd-NNNN, unique
	ApplicantID      int64  // FK -> applicant_profiles.id
	DocumentType     string
	IssuingAuthority string
	DocumentYear     int
	Priority         Priority
	DocumentCount    int
	Fee              int64

	DocumentPath        string // original upload, blob path
	DocumentHash        string // hex SHA-256 of the original
	StampedDocumentPath string // empty until attested
	StampedDocumentHash string // empty until attested

	Status        ApplicationStatus
	QRToken       string // encrypted token, empty until attested
	QRTokenExpiry *time.Time
	IsQRRevoked   bool
	IsPaid        bool // derived from payments

	CreatedAt     time.Time
	SubmittedAt   *time.Time
	AppointmentAt *time.Time
	AttestedAt    *time.Time
}

// ExpectedDocumentHash is the hash a verification token must be bound to.
func (a *Application) ExpectedDocumentHash() string {
	if a.StampedDocumentHash != "" {
		return a.StampedDocumentHash
	}
	return a.DocumentHash
}

// ApplicantProfile holds the applicant data surfaced by verification.
type ApplicantProfile struct {
	ID        int64
	FullName  string
	PhotoPath string // blob path, may be empty
	CNICHash  string // lookup hash; the number itself is stored encrypted elsewhere
}

// Officer is a back-office account that may hold workflow assignments.
type Officer struct {
	ID       uuid.UUID
	Username string
	FullName string
	Role     Role
	IsActive bool
}

// WorkflowStep is one assignment at a level for one application.
type WorkflowStep struct {
	ID            int64
	ApplicationID int64
	Level         Level
	OfficerID     uuid.UUID
	Status        StepStatus
	AssignedAt    time.Time
	CompletedAt   *time.Time
	Remarks       string
}

// WorkflowHistory is an append-only audit record of a workflow decision.
type WorkflowHistory struct {
	ID             int64
	ApplicationID  int64
	Level          Level
	ActorID        uuid.UUID
	Action         string
	Remarks        string
	PreviousStatus ApplicationStatus
	NewStatus      ApplicationStatus
	IPAddress      string
	CreatedAt      time.Time
}

// QRToken is a persisted issued verification token.
type QRToken struct {
	ID               int64
	ApplicationID    int64
	Token            string // encrypted, externally visible form
	IssuedAt         time.Time
	ExpiresAt        time.Time
	IsRevoked        bool
	RevokedAt        *time.Time
	RevocationReason string
}

// ScanLog records one verification attempt.
type ScanLog struct {
	ID        int64
	TokenID   *int64 // nil when the token could not be resolved
	ScannedAt time.Time
	IPAddress string
	UserAgent string
	IsValid   bool
	Result    string
}

// Device is a mobile device registered by an officer.
type Device struct {
	ID               int64
	UserID           uuid.UUID
	DeviceID         string // client-chosen identifier, unique per user
	DeviceName       string
	Platform         string
	OSVersion        string
	AppVersion       string
	TokenEnc         []byte // sealed device token
	TokenHash        string // hex SHA-256 of the plaintext token
	TokenExpiry      time.Time
	IsActive         bool
	IsRevoked        bool
	RevocationReason string
	RegisteredAt     time.Time
	LastUsedAt       *time.Time
	LastIPAddress    string
	ScanCount        int64
}

// Trusted reports whether the device may currently call the verification endpoint.
func (d *Device) Trusted(now time.Time) bool {
	return d.IsActive && !d.IsRevoked && !d.TokenExpiry.Before(now)
}

// Payment is a recorded fee payment.
type Payment struct {
	ID            int64
	ApplicationID int64
	Amount        int64
	Reference     string
	PaidAt        time.Time
}

// OutboxMessage is a side effect waiting for delivery.
type OutboxMessage struct {
	ID            int64
	Topic         string
	Payload       []byte // JSON
	Attempts      int
	NextAttemptAt time.Time
	SentAt        *time.Time
	LastError     string
	CreatedAt     time.Time
}

// Attestation is the sealed artifact produced by final approval.
type Attestation struct {
	SealedPath string
	SealedHash string
	Token      string
	ExpiresAt  time.Time
}
