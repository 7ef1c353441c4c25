package model

// ApplicationStatus is the lifecycle state of an application.
type ApplicationStatus int

const (
	StatusDraft ApplicationStatus = iota
	StatusSubmitted
	StatusUnderVerification
	StatusUnderSupervision
	StatusUnderAttestation
	StatusApproved
	StatusRejected
	StatusSentBack
)

var statusNames = [...]string{
	"Draft", "Submitted", "UnderVerification", "UnderSupervision",
	"UnderAttestation", "Approved", "Rejected", "SentBack",
}

func (s ApplicationStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// Level returns the approval level an in-progress status belongs to; ok is
// false for every other status.
func (s ApplicationStatus) Level() (Level, bool) {
	switch s {
	case StatusUnderVerification:
		return LevelVerification, true
	case StatusUnderSupervision:
		return LevelSupervision, true
	case StatusUnderAttestation:
		return LevelAttestation, true
	default:
		return 0, false
	}
}

// Level is one of the sequential approval stages.
type Level int

const (
	LevelVerification Level = iota + 1
	LevelSupervision
	LevelAttestation
)

func (l Level) String() string {
	switch l {
	case LevelVerification:
		return "Verification"
	case LevelSupervision:
		return "Supervision"
	case LevelAttestation:
		return "Attestation"
	default:
		return "Unknown"
	}
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l >= LevelVerification && l <= LevelAttestation }

// Next returns the following level; ok is false at the final level.
func (l Level) Next() (next Level, ok bool) {
	if !l.Valid() || l == LevelAttestation {
		return 0, false
	}
	return l + 1, true
}

// Role returns the officer role allowed to resolve steps at this level.
func (l Level) Role() Role {
	switch l {
	case LevelVerification:
		return RoleVerificationOfficer
	case LevelSupervision:
		return RoleSupervisor
	case LevelAttestation:
		return RoleAttestationOfficer
	default:
		return RoleUnknown
	}
}

// InProgress returns the application status while a step at this level is open.
func (l Level) InProgress() ApplicationStatus {
	switch l {
	case LevelVerification:
		return StatusUnderVerification
	case LevelSupervision:
		return StatusUnderSupervision
	default:
		return StatusUnderAttestation
	}
}

// StepStatus is the resolution state of a workflow step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepApproved
	StepRejected
	StepSentBack
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "Pending"
	case StepApproved:
		return "Approved"
	case StepRejected:
		return "Rejected"
	case StepSentBack:
		return "SentBack"
	default:
		return "Unknown"
	}
}

// Role is a closed set of back-office roles.
type Role int

const (
	RoleUnknown Role = iota
	RoleVerificationOfficer
	RoleSupervisor
	RoleAttestationOfficer
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleVerificationOfficer: "VerificationOfficer",
	RoleSupervisor:          "Supervisor",
	RoleAttestationOfficer:  "AttestationOfficer",
	RoleAdmin:               "Admin",
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return "Unknown"
}

// ParseRole maps a role name to a Role; unknown names yield RoleUnknown, false.
func ParseRole(s string) (Role, bool) {
	for r, n := range roleNames {
		if n == s {
			return r, true
		}
	}
	return RoleUnknown, false
}

// Roles is the role set of an authenticated actor.
type Roles []Role

// Has reports whether r is in the set.
func (rs Roles) Has(r Role) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

// ParseRoles keeps the known names and drops the rest.
func ParseRoles(names []string) Roles {
	out := make(Roles, 0, len(names))
	for _, n := range names {
		if r, ok := ParseRole(n); ok {
			out = append(out, r)
		}
	}
	return out
}
