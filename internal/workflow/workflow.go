// Package workflow drives applications through the Verification, Supervision
// and Attestation levels and produces the sealed artifact on final approval.
//
// Every decision runs in one store transaction: the application row is locked,
// the pending step is resolved, history and outbox rows are written, and on
// final approval the sealed document and its token are recorded. A concurrent
// second decision on the same step observes errs.ErrNotPending.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/outbox"
	"github.com/and161185/doc-attest/internal/repository"
	"github.com/and161185/doc-attest/internal/seal"
	"github.com/and161185/doc-attest/internal/token"
)

// History actions.
const (
	ActionAssigned   = "Assigned"
	ActionApproved   = "Approved"
	ActionRejected   = "Rejected"
	ActionSentBack   = "SentBack"
	ActionReattested = "Reattested"
)

// DefaultOfficerCap bounds the pending assignments of one officer at a level.
const DefaultOfficerCap = 200

const (
	autoAssignBatch  = 500
	supersededReason = "superseded"
)

// Sealer stamps the QR mark onto a stored document.
type Sealer interface {
	Stamp(ctx context.Context, originalPath string, qrPNG []byte, outputPath string) (string, error)
	Remove(ctx context.Context, path string) error
}

// Tokens mints verification tokens inside the caller's transaction.
type Tokens interface {
	SealMark(applicationNumber string) ([]byte, error)
	IssueToken(ctx context.Context, q token.IssueStore, appID int64, documentHash string) (*token.Issued, error)
	VerificationURL(token string) string
}

// Decision is one officer action on an application.
type Decision struct {
	ApplicationID int64
	ActorID       uuid.UUID
	Remarks       string
	Roles         model.Roles
	IPAddress     string
}

// Engine implements the approval workflow.
type Engine struct {
	store  repository.Store
	tokens Tokens
	sealer Sealer
	cap    int
	log    *zap.Logger
	now    func() time.Time

	// single writer for batch assignment
	assignMu sync.Mutex
}

// New constructs an engine. officerCap <= 0 selects DefaultOfficerCap.
func New(store repository.Store, tokens Tokens, sealer Sealer, officerCap int, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if officerCap <= 0 {
		officerCap = DefaultOfficerCap
	}
	return &Engine{store: store, tokens: tokens, sealer: sealer, cap: officerCap, log: log, now: time.Now}
}

func (e *Engine) clock() time.Time { return e.now().UTC() }

// AssignToLevel makes officerID the holder of the application's Pending step
// at level, creating the step or moving it. A Submitted application may only
// be assigned at Verification and moves to UnderVerification.
func (e *Engine) AssignToLevel(ctx context.Context, appID int64, level model.Level, officerID uuid.UUID) error {
	if !level.Valid() {
		return fmt.Errorf("assign: level %d: %w", level, errs.ErrInvalidInput)
	}
	return e.store.WithinTx(ctx, func(q repository.Queries) error {
		a, err := q.LockApplication(ctx, appID)
		if err != nil {
			return err
		}
		o, err := q.GetOfficer(ctx, officerID)
		if err != nil {
			return err
		}
		if !o.IsActive || o.Role != level.Role() {
			return fmt.Errorf("assign: officer %s cannot hold %s steps: %w", officerID, level, errs.ErrInvalidInput)
		}
		switch {
		case a.Status == model.StatusSubmitted && level == model.LevelVerification:
		case a.Status == level.InProgress():
		default:
			return fmt.Errorf("assign: application %d is %s, not at %s: %w", appID, a.Status, level, errs.ErrNotPending)
		}
		return e.assign(ctx, q, a, level, o.ID, "")
	})
}

// assign upserts the Pending step and moves the application into the level.
func (e *Engine) assign(ctx context.Context, q repository.Queries, a *model.Application, level model.Level, officerID uuid.UUID, ip string) error {
	now := e.clock()
	step, err := q.PendingStepAt(ctx, a.ID, level)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		s := &model.WorkflowStep{
			ApplicationID: a.ID,
			Level:         level,
			OfficerID:     officerID,
			Status:        model.StepPending,
			AssignedAt:    now,
		}
		if err := q.InsertStep(ctx, s); err != nil {
			return err
		}
	case err != nil:
		return err
	case step.OfficerID == officerID:
		return nil
	default:
		if err := q.ReassignStep(ctx, step.ID, officerID, now); err != nil {
			return err
		}
	}

	prev := a.Status
	if a.Status != level.InProgress() {
		if err := q.UpdateApplicationStatus(ctx, a.ID, level.InProgress()); err != nil {
			return err
		}
		a.Status = level.InProgress()
	}
	e.log.Info("step assigned", zap.Int64("application_id", a.ID), zap.Stringer("level", level),
		zap.String("officer_id", officerID.String()))
	return q.InsertHistory(ctx, &model.WorkflowHistory{
		ApplicationID:  a.ID,
		Level:          level,
		ActorID:        officerID,
		Action:         ActionAssigned,
		PreviousStatus: prev,
		NewStatus:      a.Status,
		IPAddress:      ip,
	})
}

// Approve resolves the actor's pending step. Below the final level the
// application advances and the next level is assigned to the least-loaded
// officer; at the final level the document is sealed and a token issued.
func (e *Engine) Approve(ctx context.Context, d Decision) error {
	return e.decide(ctx, d, model.StepApproved)
}

// Reject ends the workflow. Remarks are required.
func (e *Engine) Reject(ctx context.Context, d Decision) error {
	if strings.TrimSpace(d.Remarks) == "" {
		return fmt.Errorf("reject: remarks are required: %w", errs.ErrInvalidInput)
	}
	return e.decide(ctx, d, model.StepRejected)
}

// SendBack returns the application to the applicant. Remarks are required.
func (e *Engine) SendBack(ctx context.Context, d Decision) error {
	if strings.TrimSpace(d.Remarks) == "" {
		return fmt.Errorf("send back: remarks are required: %w", errs.ErrInvalidInput)
	}
	return e.decide(ctx, d, model.StepSentBack)
}

func (e *Engine) decide(ctx context.Context, d Decision, resolution model.StepStatus) error {
	var (
		level  model.Level
		status model.ApplicationStatus
		sealed string
	)
	err := e.store.WithinTx(ctx, func(q repository.Queries) error {
		a, err := q.LockApplication(ctx, d.ApplicationID)
		if err != nil {
			return err
		}
		step, err := q.PendingStep(ctx, a.ID)
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("%s: application %d has no pending step: %w", resolution, a.ID, errs.ErrNotPending)
		}
		if err != nil {
			return err
		}
		if step.OfficerID != d.ActorID {
			return fmt.Errorf("%s: step %d is assigned to another officer: %w", resolution, step.ID, errs.ErrNotAuthorized)
		}
		if !d.Roles.Has(step.Level.Role()) {
			return fmt.Errorf("%s: %s requires role %s: %w", resolution, step.Level, step.Level.Role(), errs.ErrNotAuthorized)
		}
		if a.Status != step.Level.InProgress() {
			return fmt.Errorf("%s: application %d is %s: %w", resolution, a.ID, a.Status, errs.ErrNotPending)
		}

		now := e.clock()
		if err := q.CompleteStep(ctx, step.ID, resolution, d.Remarks, now); err != nil {
			return err
		}
		level = step.Level
		prev := a.Status
		payload := map[string]any{"applicationId": a.ID, "number": a.Number, "level": step.Level.String()}
		var (
			topic, action string
			escalateTo    model.Level
		)

		switch resolution {
		case model.StepApproved:
			topic, action = outbox.TopicApproved, ActionApproved
			if next, ok := step.Level.Next(); ok {
				status = next.InProgress()
				if err := q.UpdateApplicationStatus(ctx, a.ID, status); err != nil {
					return err
				}
				a.Status = status
				escalateTo = next
			} else {
				att, err := e.finalize(ctx, q, a, now, &sealed)
				if err != nil {
					return err
				}
				status = model.StatusApproved
				payload["verificationUrl"] = e.tokens.VerificationURL(att.Token)
				payload["sealedHash"] = att.SealedHash
			}
		case model.StepRejected:
			topic, action, status = outbox.TopicRejected, ActionRejected, model.StatusRejected
			if err := q.UpdateApplicationStatus(ctx, a.ID, status); err != nil {
				return err
			}
		case model.StepSentBack:
			topic, action, status = outbox.TopicSentBack, ActionSentBack, model.StatusSentBack
			if err := q.UpdateApplicationStatus(ctx, a.ID, status); err != nil {
				return err
			}
		}
		payload["status"] = status.String()
		if d.Remarks != "" && resolution != model.StepApproved {
			payload["remarks"] = d.Remarks
		}

		if err := q.InsertHistory(ctx, &model.WorkflowHistory{
			ApplicationID:  a.ID,
			Level:          step.Level,
			ActorID:        d.ActorID,
			Action:         action,
			Remarks:        d.Remarks,
			PreviousStatus: prev,
			NewStatus:      status,
			IPAddress:      d.IPAddress,
		}); err != nil {
			return err
		}
		if escalateTo.Valid() {
			if err := e.escalate(ctx, q, a, escalateTo, d.IPAddress); err != nil {
				return err
			}
		}
		return outbox.Enqueue(ctx, q, topic, payload)
	})
	if err != nil {
		e.removeSealed(ctx, sealed, "rolled back")
		if errs.IsExpected(err) {
			e.log.Info("decision refused", zap.Int64("application_id", d.ApplicationID),
				zap.Stringer("resolution", resolution), zap.Error(err))
		}
		return err
	}
	e.log.Info("decision recorded", zap.Int64("application_id", d.ApplicationID), zap.Stringer("level", level),
		zap.Stringer("resolution", resolution), zap.Stringer("status", status))
	if level != model.LevelVerification {
		// the completed step freed a slot at level
		if _, err := e.AssignStalled(ctx); err != nil {
			e.log.Warn("stalled assign after decision", zap.Error(err))
		}
	}
	return nil
}

// escalate assigns the next level. With every officer at capacity the
// application waits at the level until AssignStalled or AssignToLevel picks it up.
func (e *Engine) escalate(ctx context.Context, q repository.Queries, a *model.Application, next model.Level, ip string) error {
	o, err := e.pickOfficer(ctx, q, next)
	if err != nil {
		return err
	}
	if o == nil {
		e.log.Warn("no officer available", zap.Int64("application_id", a.ID), zap.Stringer("level", next))
		return nil
	}
	return e.assign(ctx, q, a, next, o.ID, ip)
}

// finalize seals the original, issues a token bound to the sealed bytes and
// records both. The application becomes Approved. A reseal writes a new copy
// next to the current one. *written is set once the copy exists so the caller
// can remove it if the transaction does not commit.
func (e *Engine) finalize(ctx context.Context, q repository.Queries, a *model.Application, now time.Time, written *string) (*model.Attestation, error) {
	mark, err := e.tokens.SealMark(a.Number)
	if err != nil {
		return nil, err
	}
	sealed := seal.StampedPath(a.DocumentPath)
	if a.StampedDocumentPath != "" {
		sealed = seal.ReissuePath(a.DocumentPath, a.StampedDocumentPath, now.Unix())
	}
	hash, err := e.sealer.Stamp(ctx, a.DocumentPath, mark, sealed)
	if err != nil {
		return nil, fmt.Errorf("finalize application %d: %w", a.ID, err)
	}
	*written = sealed
	iss, err := e.tokens.IssueToken(ctx, q, a.ID, hash)
	if err != nil {
		return nil, err
	}
	att := &model.Attestation{SealedPath: sealed, SealedHash: hash, Token: iss.Token, ExpiresAt: iss.ExpiresAt}
	if err := q.SaveAttestation(ctx, a.ID, *att, now); err != nil {
		return nil, err
	}
	a.Status = model.StatusApproved
	e.log.Info("document sealed", zap.Int64("application_id", a.ID), zap.String("sealed_path", sealed))
	return att, nil
}

// IssueAttestation reseals an Approved application from its original and
// mints a fresh token; the tokens it replaces are revoked as superseded.
func (e *Engine) IssueAttestation(ctx context.Context, appID int64, actorID uuid.UUID) (*model.Attestation, error) {
	var (
		att             *model.Attestation
		sealed, replace string
	)
	err := e.store.WithinTx(ctx, func(q repository.Queries) error {
		a, err := q.LockApplication(ctx, appID)
		if err != nil {
			return err
		}
		if a.Status != model.StatusApproved {
			return fmt.Errorf("attest: application %d is %s: %w", appID, a.Status, errs.ErrNotPending)
		}
		if a.IsQRRevoked {
			return fmt.Errorf("attest: application %d has a revoked QR: %w", appID, errs.ErrIntegrity)
		}
		replace = a.StampedDocumentPath
		now := e.clock()
		n, err := q.RevokeTokens(ctx, appID, supersededReason, now)
		if err != nil {
			return err
		}
		if att, err = e.finalize(ctx, q, a, now, &sealed); err != nil {
			return err
		}
		e.log.Info("attestation reissued", zap.Int64("application_id", appID), zap.Int64("superseded", n))
		return q.InsertHistory(ctx, &model.WorkflowHistory{
			ApplicationID:  appID,
			Level:          model.LevelAttestation,
			ActorID:        actorID,
			Action:         ActionReattested,
			PreviousStatus: model.StatusApproved,
			NewStatus:      model.StatusApproved,
		})
	})
	if err != nil {
		e.removeSealed(ctx, sealed, "rolled back")
		return nil, err
	}
	if replace != att.SealedPath {
		e.removeSealed(ctx, replace, "superseded")
	}
	return att, nil
}

// removeSealed deletes a sealed copy that no committed row points at. Failure
// leaves an unreferenced blob and is only logged.
func (e *Engine) removeSealed(ctx context.Context, path, why string) {
	if path == "" {
		return
	}
	if err := e.sealer.Remove(context.WithoutCancel(ctx), path); err != nil {
		e.log.Warn("sealed copy not removed", zap.String("path", path), zap.String("reason", why), zap.Error(err))
		return
	}
	e.log.Info("sealed copy removed", zap.String("path", path), zap.String("reason", why))
}

// pickOfficer returns the active officer for level with the fewest pending
// steps there, below the cap. Ties go to the lowest officer id. Nil means
// everyone is at capacity.
func (e *Engine) pickOfficer(ctx context.Context, q repository.Queries, level model.Level) (*model.Officer, error) {
	officers, err := q.ActiveOfficers(ctx, level.Role())
	if err != nil {
		return nil, err
	}
	load, err := q.PendingLoad(ctx, level)
	if err != nil {
		return nil, err
	}
	var (
		best  *model.Officer
		least int
	)
	for i := range officers {
		n := load[officers[i].ID]
		if n >= e.cap {
			continue
		}
		if best == nil || n < least {
			best, least = &officers[i], n
		}
	}
	return best, nil
}

// GetAvailableOfficer returns the least-loaded officer for level, or nil when
// all are at capacity.
func (e *Engine) GetAvailableOfficer(ctx context.Context, level model.Level) (*model.Officer, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("officer lookup: level %d: %w", level, errs.ErrInvalidInput)
	}
	return e.pickOfficer(ctx, e.store, level)
}

// AutoAssignApplications assigns waiting Submitted, paid applications to
// Verification officers, one transaction per application, until none are
// left or every officer is at capacity. It returns how many were assigned.
// Placement is greedy least-loaded first, not an optimal packing.
func (e *Engine) AutoAssignApplications(ctx context.Context) (int, error) {
	e.assignMu.Lock()
	defer e.assignMu.Unlock()

	apps, err := e.store.ListAutoAssignable(ctx, autoAssignBatch)
	if err != nil {
		return 0, err
	}
	assigned := 0
	for i, a := range apps {
		if err := ctx.Err(); err != nil {
			return assigned, err
		}
		ok, err := e.autoAssign(ctx, a.ID)
		if err != nil {
			if errs.IsExpected(err) {
				e.log.Info("auto-assign skipped", zap.Int64("application_id", a.ID), zap.Error(err))
				continue
			}
			return assigned, err
		}
		if !ok {
			e.log.Warn("verification officers at capacity", zap.Int("remaining", len(apps)-i))
			break
		}
		assigned++
	}
	e.log.Info("auto-assign finished", zap.Int("assigned", assigned), zap.Int("candidates", len(apps)))
	return assigned, nil
}

// AutoAssignSingleApplication assigns one application; false means it was
// not eligible or no officer had capacity.
func (e *Engine) AutoAssignSingleApplication(ctx context.Context, appID int64) (bool, error) {
	e.assignMu.Lock()
	defer e.assignMu.Unlock()
	ok, err := e.autoAssign(ctx, appID)
	if errors.Is(err, errs.ErrNotPending) {
		e.log.Info("auto-assign skipped", zap.Int64("application_id", appID), zap.Error(err))
		return false, nil
	}
	return ok, err
}

func (e *Engine) autoAssign(ctx context.Context, appID int64) (bool, error) {
	var ok bool
	err := e.store.WithinTx(ctx, func(q repository.Queries) error {
		a, err := q.LockApplication(ctx, appID)
		if err != nil {
			return err
		}
		if a.Status != model.StatusSubmitted || !a.IsPaid {
			return fmt.Errorf("auto-assign: application %d is %s, paid=%t: %w", appID, a.Status, a.IsPaid, errs.ErrNotPending)
		}
		if _, err := q.PendingStepAt(ctx, appID, model.LevelVerification); err == nil {
			return fmt.Errorf("auto-assign: application %d already assigned: %w", appID, errs.ErrNotPending)
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		o, err := e.pickOfficer(ctx, q, model.LevelVerification)
		if err != nil || o == nil {
			return err
		}
		ok = true
		return e.assign(ctx, q, a, model.LevelVerification, o.ID, "")
	})
	return ok, err
}

// AssignStalled gives a pending step to every application that advanced to
// Supervision or Attestation while all officers there were at capacity. It
// returns how many were assigned and stops at the first level with no room.
func (e *Engine) AssignStalled(ctx context.Context) (int, error) {
	e.assignMu.Lock()
	defer e.assignMu.Unlock()

	apps, err := e.store.ListStalled(ctx, autoAssignBatch)
	if err != nil {
		return 0, err
	}
	assigned := 0
	full := map[model.Level]bool{}
	for _, a := range apps {
		if err := ctx.Err(); err != nil {
			return assigned, err
		}
		level, ok := a.Status.Level()
		if !ok || full[level] {
			continue
		}
		ok, err := e.assignStalled(ctx, a.ID, level)
		if err != nil {
			if errs.IsExpected(err) {
				e.log.Info("stalled assign skipped", zap.Int64("application_id", a.ID), zap.Error(err))
				continue
			}
			return assigned, err
		}
		if !ok {
			e.log.Warn("officers at capacity", zap.Stringer("level", level))
			full[level] = true
			continue
		}
		assigned++
	}
	if len(apps) > 0 {
		e.log.Info("stalled assign finished", zap.Int("assigned", assigned), zap.Int("candidates", len(apps)))
	}
	return assigned, nil
}

func (e *Engine) assignStalled(ctx context.Context, appID int64, level model.Level) (bool, error) {
	var ok bool
	err := e.store.WithinTx(ctx, func(q repository.Queries) error {
		a, err := q.LockApplication(ctx, appID)
		if err != nil {
			return err
		}
		if a.Status != level.InProgress() {
			return fmt.Errorf("assign stalled: application %d is %s: %w", appID, a.Status, errs.ErrNotPending)
		}
		if _, err := q.PendingStepAt(ctx, appID, level); err == nil {
			return fmt.Errorf("assign stalled: application %d already assigned: %w", appID, errs.ErrNotPending)
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		o, err := e.pickOfficer(ctx, q, level)
		if err != nil || o == nil {
			return err
		}
		ok = true
		return e.assign(ctx, q, a, level, o.ID, "")
	})
	return ok, err
}

// PendingFor lists the officer's open steps, oldest assignment first.
func (e *Engine) PendingFor(ctx context.Context, officerID uuid.UUID) ([]model.WorkflowStep, error) {
	return e.store.PendingForOfficer(ctx, officerID)
}

// History lists an application's audit trail.
func (e *Engine) History(ctx context.Context, appID int64) ([]model.WorkflowHistory, error) {
	return e.store.ListHistory(ctx, appID)
}
