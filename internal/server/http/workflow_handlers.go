package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/workflow"
)

type decisionRequest struct {
	Remarks string `json:"remarks"`
}

type assignRequest struct {
	Level     model.Level `json:"level"`
	OfficerID string      `json:"officerId"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type stepView struct {
	ID            int64      `json:"id"`
	ApplicationID int64      `json:"applicationId"`
	Level         string     `json:"level"`
	OfficerID     string     `json:"officerId"`
	Status        string     `json:"status"`
	AssignedAt    time.Time  `json:"assignedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Remarks       string     `json:"remarks,omitempty"`
}

func toStepViews(steps []model.WorkflowStep) []stepView {
	out := make([]stepView, 0, len(steps))
	for _, s := range steps {
		out = append(out, stepView{
			ID:            s.ID,
			ApplicationID: s.ApplicationID,
			Level:         s.Level.String(),
			OfficerID:     s.OfficerID.String(),
			Status:        s.Status.String(),
			AssignedAt:    s.AssignedAt,
			CompletedAt:   s.CompletedAt,
			Remarks:       s.Remarks,
		})
	}
	return out
}

type applicationView struct {
	ID                  int64      `json:"id"`
	Number              string     `json:"applicationNumber"`
	Status              string     `json:"status"`
	DocumentType        string     `json:"documentType"`
	IssuingAuthority    string     `json:"issuingAuthority"`
	DocumentYear        int        `json:"documentYear"`
	DocumentHash        string     `json:"documentHash"`
	StampedDocumentPath string     `json:"stampedDocumentPath,omitempty"`
	StampedDocumentHash string     `json:"stampedDocumentHash,omitempty"`
	IsPaid              bool       `json:"isPaid"`
	IsQRRevoked         bool       `json:"isQrRevoked"`
	QRTokenExpiry       *time.Time `json:"qrTokenExpiry,omitempty"`
	SubmittedAt         *time.Time `json:"submittedAt,omitempty"`
	AppointmentAt       *time.Time `json:"appointmentAt,omitempty"`
	AttestedAt          *time.Time `json:"attestedAt,omitempty"`
}

func (s *Server) decision(w http.ResponseWriter, r *http.Request) (workflow.Decision, error) {
	appID, err := int64Param(r, "id")
	if err != nil {
		return workflow.Decision{}, err
	}
	id, _ := IdentityFromCtx(r.Context())
	var body decisionRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			return workflow.Decision{}, err
		}
	}
	return workflow.Decision{
		ApplicationID: appID,
		ActorID:       id.UserID,
		Remarks:       body.Remarks,
		Roles:         id.Roles,
		IPAddress:     clientIP(r),
	}, nil
}

func (s *Server) resolve(fn func(context.Context, workflow.Decision) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.decision(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := fn(r.Context(), d); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, succeeded)
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolve(s.deps.Workflow.Approve)(w, r)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolve(s.deps.Workflow.Reject)(w, r)
}

func (s *Server) handleSendBack(w http.ResponseWriter, r *http.Request) {
	s.resolve(s.deps.Workflow.SendBack)(w, r)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	appID, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body assignRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	officer, err := uuid.FromString(body.OfficerID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("officerId: %w", errs.ErrInvalidInput))
		return
	}
	if err := s.deps.Workflow.AssignToLevel(r.Context(), appID, body.Level, officer); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, succeeded)
}

func (s *Server) handleAutoAssign(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Workflow.AutoAssignApplications(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "assigned": n})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	steps, err := s.deps.Workflow.PendingFor(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": toStepViews(steps)})
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	appID, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Applications.Get(r.Context(), appID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationView{
		ID:                  a.ID,
		Number:              a.Number,
		Status:              a.Status.String(),
		DocumentType:        a.DocumentType,
		IssuingAuthority:    a.IssuingAuthority,
		DocumentYear:        a.DocumentYear,
		DocumentHash:        a.DocumentHash,
		StampedDocumentPath: a.StampedDocumentPath,
		StampedDocumentHash: a.StampedDocumentHash,
		IsPaid:              a.IsPaid,
		IsQRRevoked:         a.IsQRRevoked,
		QRTokenExpiry:       a.QRTokenExpiry,
		SubmittedAt:         a.SubmittedAt,
		AppointmentAt:       a.AppointmentAt,
		AttestedAt:          a.AttestedAt,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	appID, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hist, err := s.deps.Workflow.History(r.Context(), appID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	type entry struct {
		Level          string    `json:"level"`
		ActorID        string    `json:"actorId"`
		Action         string    `json:"action"`
		Remarks        string    `json:"remarks,omitempty"`
		PreviousStatus string    `json:"previousStatus"`
		NewStatus      string    `json:"newStatus"`
		At             time.Time `json:"at"`
	}
	out := make([]entry, 0, len(hist))
	for _, h := range hist {
		out = append(out, entry{
			Level:          h.Level.String(),
			ActorID:        h.ActorID.String(),
			Action:         h.Action,
			Remarks:        h.Remarks,
			PreviousStatus: h.PreviousStatus.String(),
			NewStatus:      h.NewStatus.String(),
			At:             h.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	appID, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Applications.Get(r.Context(), appID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if a.QRToken == "" || a.IsQRRevoked {
		s.writeError(w, r, fmt.Errorf("application %d has no live QR: %w", appID, errs.ErrNotFound))
		return
	}
	png, err := s.deps.Tokens.RenderQRImage(r.Context(), a.QRToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleIssueAttestation(w http.ResponseWriter, r *http.Request) {
	appID, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, _ := IdentityFromCtx(r.Context())
	att, err := s.deps.Workflow.IssueAttestation(r.Context(), appID, id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"sealedPath":      att.SealedPath,
		"sealedHash":      att.SealedHash,
		"token":           att.Token,
		"expiresAt":       att.ExpiresAt,
		"verificationUrl": s.deps.Tokens.VerificationURL(att.Token),
	})
}

func (s *Server) handleRevokeQR(w http.ResponseWriter, r *http.Request) {
	appID, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body reasonRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Tokens.Revoke(r.Context(), appID, body.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, succeeded)
}
