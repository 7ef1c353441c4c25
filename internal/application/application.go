// Package application handles intake: creating drafts, recording payments and
// submitting applications into the approval workflow.
package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/outbox"
	"github.com/and161185/doc-attest/internal/repository"
)

// Fees per document.
const (
	FeeNormal int64 = 500
	FeeUrgent int64 = 1500
)

const (
	numberAttempts = 5
	slotLength     = 15 * time.Minute
)

// Hasher computes the content hash of a stored document.
type Hasher interface {
	ComputeHash(ctx context.Context, path string) (string, error)
}

// NewApplication is the intake form.
type NewApplication struct {
	ApplicantID      int64
	DocumentType     string
	IssuingAuthority string
	DocumentYear     int
	Priority         model.Priority
	DocumentCount    int
	DocumentPath     string
}

// Service implements application intake.
type Service struct {
	store  repository.Store
	hasher Hasher
	log    *zap.Logger
	now    func() time.Time
}

// New constructs the intake service.
func New(store repository.Store, hasher Hasher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, hasher: hasher, log: log, now: time.Now}
}

// Fee is the total fee for count documents at priority p.
func Fee(p model.Priority, count int) int64 {
	per := FeeNormal
	if p == model.PriorityUrgent {
		per = FeeUrgent
	}
	return per * int64(count)
}

// Create stores a Draft application for an uploaded document.
func (s *Service) Create(ctx context.Context, in NewApplication) (*model.Application, error) {
	if in.DocumentCount == 0 {
		in.DocumentCount = 1
	}
	switch {
	case in.ApplicantID <= 0:
		return nil, fmt.Errorf("create: applicant is required: %w", errs.ErrInvalidInput)
	case strings.TrimSpace(in.DocumentType) == "" || strings.TrimSpace(in.IssuingAuthority) == "":
		return nil, fmt.Errorf("create: document type and issuing authority are required: %w", errs.ErrInvalidInput)
	case in.DocumentPath == "":
		return nil, fmt.Errorf("create: document is required: %w", errs.ErrInvalidInput)
	case in.DocumentCount < 0:
		return nil, fmt.Errorf("create: document count %d: %w", in.DocumentCount, errs.ErrInvalidInput)
	case in.Priority != model.PriorityNormal && in.Priority != model.PriorityUrgent:
		return nil, fmt.Errorf("create: priority %d: %w", in.Priority, errs.ErrInvalidInput)
	}
	if _, err := s.store.GetApplicant(ctx, in.ApplicantID); err != nil {
		return nil, err
	}
	hash, err := s.hasher.ComputeHash(ctx, in.DocumentPath)
	if err != nil {
		return nil, fmt.Errorf("create: hash document: %w", err)
	}

	now := s.now().UTC()
	a := &model.Application{
		ApplicantID:      in.ApplicantID,
		DocumentType:     in.DocumentType,
		IssuingAuthority: in.IssuingAuthority,
		DocumentYear:     in.DocumentYear,
		Priority:         in.Priority,
		DocumentCount:    in.DocumentCount,
		Fee:              Fee(in.Priority, in.DocumentCount),
		DocumentPath:     in.DocumentPath,
		DocumentHash:     hash,
	}
	for attempt := 0; attempt < numberAttempts; attempt++ {
		n, err := s.store.CountApplicationsCreatedOn(ctx, now)
		if err != nil {
			return nil, err
		}
		a.Number = fmt.Sprintf("APP-%s-%04d", now.Format("20060102"), n+1+attempt)
		err = s.store.CreateApplication(ctx, a)
		if errors.Is(err, errs.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.log.Info("application created", zap.Int64("application_id", a.ID), zap.String("number", a.Number))
		return a, nil
	}
	return nil, fmt.Errorf("create: no free application number after %d attempts", numberAttempts)
}

// Get loads an application.
func (s *Service) Get(ctx context.Context, id int64) (*model.Application, error) {
	return s.store.GetApplication(ctx, id)
}

// RecordPayment stores a payment covering the fee.
func (s *Service) RecordPayment(ctx context.Context, appID, amount int64, reference string) (*model.Payment, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("payment: reference is required: %w", errs.ErrInvalidInput)
	}
	var p *model.Payment
	err := s.store.WithinTx(ctx, func(q repository.Queries) error {
		a, err := q.LockApplication(ctx, appID)
		if err != nil {
			return err
		}
		if amount < a.Fee {
			return fmt.Errorf("payment: amount %d below fee %d: %w", amount, a.Fee, errs.ErrInvalidInput)
		}
		p = &model.Payment{ApplicationID: appID, Amount: amount, Reference: reference, PaidAt: s.now().UTC()}
		if err := q.InsertPayment(ctx, p); err != nil {
			return err
		}
		return outbox.Enqueue(ctx, q, outbox.TopicPaid, map[string]any{
			"applicationId": a.ID,
			"number":        a.Number,
			"amount":        amount,
			"reference":     reference,
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// appointmentBase is the first slot of the day an application of priority p is booked on.
func appointmentBase(p model.Priority, now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	if p == model.PriorityUrgent {
		return time.Date(y, m, d+1, 9, 15, 0, 0, time.UTC)
	}
	return time.Date(y, m, d+20, 9, 30, 0, 0, time.UTC)
}

// Submit moves a paid Draft or SentBack application to Submitted and books an appointment.
func (s *Service) Submit(ctx context.Context, appID int64) (*model.Application, error) {
	var out *model.Application
	err := s.store.WithinTx(ctx, func(q repository.Queries) error {
		a, err := q.LockApplication(ctx, appID)
		if err != nil {
			return err
		}
		if a.Status != model.StatusDraft && a.Status != model.StatusSentBack {
			return fmt.Errorf("submit: application %d is %s: %w", appID, a.Status, errs.ErrInvalidInput)
		}
		if !a.IsPaid {
			return fmt.Errorf("submit: application %d is not paid: %w", appID, errs.ErrInvalidInput)
		}
		now := s.now().UTC()
		slot := appointmentBase(a.Priority, now)
		booked, err := q.CountAppointmentsOn(ctx, slot)
		if err != nil {
			return err
		}
		slot = slot.Add(time.Duration(booked) * slotLength)
		if err := q.MarkSubmitted(ctx, appID, now, slot); err != nil {
			return err
		}
		if err := outbox.Enqueue(ctx, q, outbox.TopicSubmitted, map[string]any{
			"applicationId": a.ID,
			"number":        a.Number,
			"appointmentAt": slot,
		}); err != nil {
			return err
		}
		a.Status = model.StatusSubmitted
		a.SubmittedAt = &now
		a.AppointmentAt = &slot
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("application submitted", zap.Int64("application_id", appID), zap.Timep("appointment_at", out.AppointmentAt))
	return out, nil
}
