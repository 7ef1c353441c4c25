// Package memstore is an in-memory repository.Store for tests and local runs.
// A transaction holds the store lock for its whole duration and restores a
// snapshot when fn fails.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/repository"
)

type data struct {
	seq        int64
	officers   map[uuid.UUID]model.Officer
	applicants map[int64]model.ApplicantProfile
	apps       map[int64]model.Application
	payments   []model.Payment
	steps      map[int64]model.WorkflowStep
	history    []model.WorkflowHistory
	tokens     map[int64]model.QRToken
	scans      []model.ScanLog
	devices    map[int64]model.Device
	outbox     map[int64]model.OutboxMessage
}

func newData() *data {
	return &data{
		officers:   map[uuid.UUID]model.Officer{},
		applicants: map[int64]model.ApplicantProfile{},
		apps:       map[int64]model.Application{},
		steps:      map[int64]model.WorkflowStep{},
		tokens:     map[int64]model.QRToken{},
		devices:    map[int64]model.Device{},
		outbox:     map[int64]model.OutboxMessage{},
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *data) clone() *data {
	return &data{
		seq:        d.seq,
		officers:   copyMap(d.officers),
		applicants: copyMap(d.applicants),
		apps:       copyMap(d.apps),
		payments:   append([]model.Payment(nil), d.payments...),
		steps:      copyMap(d.steps),
		history:    append([]model.WorkflowHistory(nil), d.history...),
		tokens:     copyMap(d.tokens),
		scans:      append([]model.ScanLog(nil), d.scans...),
		devices:    copyMap(d.devices),
		outbox:     copyMap(d.outbox),
	}
}

func (d *data) next() int64 {
	d.seq++
	return d.seq
}

// Store is an in-memory repository.Store.
type Store struct {
	view
	mu sync.Mutex
	d  *data
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	s := &Store{d: newData()}
	s.view = view{s: s}
	return s
}

// WithinTx runs fn under the store lock and rolls back on error.
func (s *Store) WithinTx(ctx context.Context, fn func(q repository.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.d.clone()
	if err := fn(view{s: s, tx: true}); err != nil {
		s.d = snap
		return err
	}
	return nil
}

// SeedOfficer adds or replaces an officer.
func (s *Store) SeedOfficer(o model.Officer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.officers[o.ID] = o
}

// SeedApplicant adds an applicant profile and returns its id.
func (s *Store) SeedApplicant(p model.ApplicantProfile) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.d.next()
	s.d.applicants[p.ID] = p
	return p.ID
}

// ScanLogs returns a copy of the verification attempt log.
func (s *Store) ScanLogs() []model.ScanLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ScanLog(nil), s.d.scans...)
}

// OutboxMessages returns every outbox message ordered by id.
func (s *Store) OutboxMessages() []model.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxMessage, 0, len(s.d.outbox))
	for _, m := range s.d.outbox {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// view carries the query methods; inside a transaction the lock is already held.
type view struct {
	s  *Store
	tx bool
}

func (v view) lock() func() {
	if v.tx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (v view) db() *data { return v.s.d }

func missing(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, errs.ErrNotFound)
}

// --- applications ---

func (v view) CreateApplication(_ context.Context, a *model.Application) error {
	defer v.lock()()
	d := v.db()
	for _, x := range d.apps {
		if x.Number == a.Number {
			return fmt.Errorf("application %s: %w", a.Number, errs.ErrAlreadyExists)
		}
	}
	a.ID = d.next()
	a.Status = model.StatusDraft
	a.CreatedAt = time.Now().UTC()
	d.apps[a.ID] = *a
	return nil
}

func (v view) GetApplication(_ context.Context, id int64) (*model.Application, error) {
	defer v.lock()()
	a, ok := v.db().apps[id]
	if !ok {
		return nil, missing("application", id)
	}
	return &a, nil
}

func (v view) GetApplicationByNumber(_ context.Context, number string) (*model.Application, error) {
	defer v.lock()()
	for _, a := range v.db().apps {
		if a.Number == number {
			return &a, nil
		}
	}
	return nil, missing("application", number)
}

func (v view) LockApplication(ctx context.Context, id int64) (*model.Application, error) {
	return v.GetApplication(ctx, id)
}

func sameDay(t *time.Time, day time.Time) bool {
	if t == nil {
		return false
	}
	y1, m1, d1 := t.In(day.Location()).Date()
	y2, m2, d2 := day.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func (v view) CountApplicationsCreatedOn(_ context.Context, day time.Time) (int, error) {
	defer v.lock()()
	n := 0
	for _, a := range v.db().apps {
		if sameDay(&a.CreatedAt, day) {
			n++
		}
	}
	return n, nil
}

func (v view) CountAppointmentsOn(_ context.Context, day time.Time) (int, error) {
	defer v.lock()()
	n := 0
	for _, a := range v.db().apps {
		if sameDay(a.AppointmentAt, day) {
			n++
		}
	}
	return n, nil
}

func (v view) updateApp(id int64, fn func(a *model.Application)) error {
	d := v.db()
	a, ok := d.apps[id]
	if !ok {
		return missing("application", id)
	}
	fn(&a)
	d.apps[id] = a
	return nil
}

func (v view) UpdateApplicationStatus(_ context.Context, id int64, status model.ApplicationStatus) error {
	defer v.lock()()
	return v.updateApp(id, func(a *model.Application) { a.Status = status })
}

func (v view) MarkSubmitted(_ context.Context, id int64, submittedAt, appointmentAt time.Time) error {
	defer v.lock()()
	return v.updateApp(id, func(a *model.Application) {
		a.Status = model.StatusSubmitted
		a.SubmittedAt = &submittedAt
		a.AppointmentAt = &appointmentAt
	})
}

func (v view) SaveAttestation(_ context.Context, id int64, att model.Attestation, attestedAt time.Time) error {
	defer v.lock()()
	return v.updateApp(id, func(a *model.Application) {
		a.Status = model.StatusApproved
		a.StampedDocumentPath = att.SealedPath
		a.StampedDocumentHash = att.SealedHash
		a.QRToken = att.Token
		exp := att.ExpiresAt
		a.QRTokenExpiry = &exp
		a.IsQRRevoked = false
		a.AttestedAt = &attestedAt
	})
}

func (v view) SetQRToken(_ context.Context, id int64, token string, expiresAt time.Time) error {
	defer v.lock()()
	return v.updateApp(id, func(a *model.Application) {
		a.QRToken = token
		a.QRTokenExpiry = &expiresAt
		a.IsQRRevoked = false
	})
}

func (v view) SetQRRevoked(_ context.Context, id int64) error {
	defer v.lock()()
	return v.updateApp(id, func(a *model.Application) { a.IsQRRevoked = true })
}

func (v view) SetStampedHash(_ context.Context, id int64, hash string) error {
	defer v.lock()()
	return v.updateApp(id, func(a *model.Application) { a.StampedDocumentHash = hash })
}

func (v view) hasPendingStep(appID int64) bool {
	for _, s := range v.db().steps {
		if s.ApplicationID == appID && s.Status == model.StepPending {
			return true
		}
	}
	return false
}

func (v view) ListAutoAssignable(_ context.Context, limit int) ([]model.Application, error) {
	defer v.lock()()
	var out []model.Application
	for _, a := range v.db().apps {
		if a.Status == model.StatusSubmitted && a.IsPaid && !v.hasPendingStep(a.ID) {
			out = append(out, a)
		}
	}
	return bySubmission(out, limit), nil
}

func (v view) ListStalled(_ context.Context, limit int) ([]model.Application, error) {
	defer v.lock()()
	var out []model.Application
	for _, a := range v.db().apps {
		stalled := a.Status == model.StatusUnderSupervision || a.Status == model.StatusUnderAttestation
		if stalled && !v.hasPendingStep(a.ID) {
			out = append(out, a)
		}
	}
	return bySubmission(out, limit), nil
}

func bySubmission(out []model.Application, limit int) []model.Application {
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].SubmittedAt, out[j].SubmittedAt
		if ti != nil && tj != nil && !ti.Equal(*tj) {
			return ti.Before(*tj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (v view) ListSealed(_ context.Context) ([]model.Application, error) {
	defer v.lock()()
	var out []model.Application
	for _, a := range v.db().apps {
		if a.Status == model.StatusApproved && a.StampedDocumentPath != "" {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v view) GetApplicant(_ context.Context, id int64) (*model.ApplicantProfile, error) {
	defer v.lock()()
	p, ok := v.db().applicants[id]
	if !ok {
		return nil, missing("applicant", id)
	}
	return &p, nil
}

func (v view) InsertPayment(_ context.Context, p *model.Payment) error {
	defer v.lock()()
	d := v.db()
	if err := v.updateApp(p.ApplicationID, func(a *model.Application) { a.IsPaid = true }); err != nil {
		return err
	}
	p.ID = d.next()
	d.payments = append(d.payments, *p)
	return nil
}

// --- workflow ---

func sortSteps(out []model.WorkflowStep) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (v view) PendingStep(_ context.Context, appID int64) (*model.WorkflowStep, error) {
	defer v.lock()()
	var best *model.WorkflowStep
	for _, s := range v.db().steps {
		if s.ApplicationID == appID && s.Status == model.StepPending && (best == nil || s.Level < best.Level) {
			s := s
			best = &s
		}
	}
	if best == nil {
		return nil, missing("pending step of application", appID)
	}
	return best, nil
}

func (v view) PendingStepAt(_ context.Context, appID int64, level model.Level) (*model.WorkflowStep, error) {
	defer v.lock()()
	for _, s := range v.db().steps {
		if s.ApplicationID == appID && s.Level == level && s.Status == model.StepPending {
			return &s, nil
		}
	}
	return nil, missing("pending step of application", appID)
}

func (v view) InsertStep(_ context.Context, s *model.WorkflowStep) error {
	defer v.lock()()
	d := v.db()
	if s.Status == model.StepPending {
		for _, x := range d.steps {
			if x.ApplicationID == s.ApplicationID && x.Level == s.Level && x.Status == model.StepPending {
				return fmt.Errorf("pending %s step of application %d: %w", s.Level, s.ApplicationID, errs.ErrAlreadyExists)
			}
		}
	}
	s.ID = d.next()
	d.steps[s.ID] = *s
	return nil
}

func (v view) ReassignStep(_ context.Context, stepID int64, officerID uuid.UUID, at time.Time) error {
	defer v.lock()()
	d := v.db()
	s, ok := d.steps[stepID]
	if !ok || s.Status != model.StepPending {
		return missing("step", stepID)
	}
	s.OfficerID = officerID
	s.AssignedAt = at
	d.steps[stepID] = s
	return nil
}

func (v view) CompleteStep(_ context.Context, stepID int64, status model.StepStatus, remarks string, at time.Time) error {
	defer v.lock()()
	d := v.db()
	s, ok := d.steps[stepID]
	if !ok || s.Status != model.StepPending {
		return fmt.Errorf("step %d: %w", stepID, errs.ErrNotPending)
	}
	s.Status = status
	s.Remarks = remarks
	s.CompletedAt = &at
	d.steps[stepID] = s
	return nil
}

func (v view) ListSteps(_ context.Context, appID int64) ([]model.WorkflowStep, error) {
	defer v.lock()()
	var out []model.WorkflowStep
	for _, s := range v.db().steps {
		if s.ApplicationID == appID {
			out = append(out, s)
		}
	}
	sortSteps(out)
	return out, nil
}

func (v view) PendingForOfficer(_ context.Context, officerID uuid.UUID) ([]model.WorkflowStep, error) {
	defer v.lock()()
	var out []model.WorkflowStep
	for _, s := range v.db().steps {
		if s.OfficerID == officerID && s.Status == model.StepPending {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v view) PendingLoad(_ context.Context, level model.Level) (map[uuid.UUID]int, error) {
	defer v.lock()()
	out := make(map[uuid.UUID]int)
	for _, s := range v.db().steps {
		if s.Level == level && s.Status == model.StepPending {
			out[s.OfficerID]++
		}
	}
	return out, nil
}

func (v view) InsertHistory(_ context.Context, h *model.WorkflowHistory) error {
	defer v.lock()()
	d := v.db()
	h.ID = d.next()
	h.CreatedAt = time.Now().UTC()
	d.history = append(d.history, *h)
	return nil
}

func (v view) ListHistory(_ context.Context, appID int64) ([]model.WorkflowHistory, error) {
	defer v.lock()()
	var out []model.WorkflowHistory
	for _, h := range v.db().history {
		if h.ApplicationID == appID {
			out = append(out, h)
		}
	}
	return out, nil
}

// --- officers ---

func (v view) GetOfficer(_ context.Context, id uuid.UUID) (*model.Officer, error) {
	defer v.lock()()
	o, ok := v.db().officers[id]
	if !ok {
		return nil, missing("officer", id)
	}
	return &o, nil
}

func (v view) LockOfficer(ctx context.Context, id uuid.UUID) (*model.Officer, error) {
	return v.GetOfficer(ctx, id)
}

func (v view) ActiveOfficers(_ context.Context, role model.Role) ([]model.Officer, error) {
	defer v.lock()()
	var out []model.Officer
	for _, o := range v.db().officers {
		if o.IsActive && o.Role == role {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out, nil
}

// --- tokens ---

func (v view) InsertToken(_ context.Context, t *model.QRToken) error {
	defer v.lock()()
	d := v.db()
	for _, x := range d.tokens {
		if x.Token == t.Token {
			return fmt.Errorf("token: %w", errs.ErrAlreadyExists)
		}
	}
	t.ID = d.next()
	d.tokens[t.ID] = *t
	return nil
}

func (v view) GetTokenByValue(_ context.Context, token string) (*model.QRToken, error) {
	defer v.lock()()
	for _, t := range v.db().tokens {
		if t.Token == token {
			return &t, nil
		}
	}
	return nil, missing("token", "")
}

func (v view) RevokeTokens(_ context.Context, appID int64, reason string, at time.Time) (int64, error) {
	defer v.lock()()
	d := v.db()
	var n int64
	for id, t := range d.tokens {
		if t.ApplicationID == appID && !t.IsRevoked {
			t.IsRevoked = true
			t.RevokedAt = &at
			t.RevocationReason = reason
			d.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (v view) InsertScanLog(_ context.Context, l *model.ScanLog) error {
	defer v.lock()()
	d := v.db()
	l.ID = d.next()
	d.scans = append(d.scans, *l)
	return nil
}

// --- devices ---

func (v view) InsertDevice(_ context.Context, dev *model.Device) error {
	defer v.lock()()
	d := v.db()
	for _, x := range d.devices {
		if (x.UserID == dev.UserID && x.DeviceID == dev.DeviceID) || x.TokenHash == dev.TokenHash {
			return fmt.Errorf("device %s: %w", dev.DeviceID, errs.ErrAlreadyExists)
		}
	}
	dev.ID = d.next()
	dev.IsActive = true
	d.devices[dev.ID] = *dev
	return nil
}

func (v view) RotateDevice(_ context.Context, dev *model.Device) error {
	defer v.lock()()
	d := v.db()
	cur, ok := d.devices[dev.ID]
	if !ok {
		return missing("device", dev.ID)
	}
	cur.DeviceName = dev.DeviceName
	cur.Platform = dev.Platform
	cur.OSVersion = dev.OSVersion
	cur.AppVersion = dev.AppVersion
	cur.TokenEnc = dev.TokenEnc
	cur.TokenHash = dev.TokenHash
	cur.TokenExpiry = dev.TokenExpiry
	cur.IsActive = true
	cur.LastIPAddress = dev.LastIPAddress
	d.devices[dev.ID] = cur
	dev.IsActive = true
	return nil
}

func (v view) GetDevice(_ context.Context, id int64) (*model.Device, error) {
	defer v.lock()()
	dev, ok := v.db().devices[id]
	if !ok {
		return nil, missing("device", id)
	}
	return &dev, nil
}

func (v view) GetDeviceByTokenHash(_ context.Context, hash string) (*model.Device, error) {
	defer v.lock()()
	for _, dev := range v.db().devices {
		if dev.TokenHash == hash {
			return &dev, nil
		}
	}
	return nil, missing("device", "")
}

func (v view) ListDevices(_ context.Context, userID uuid.UUID) ([]model.Device, error) {
	defer v.lock()()
	var out []model.Device
	for _, dev := range v.db().devices {
		if dev.UserID == userID {
			out = append(out, dev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.After(out[j].RegisteredAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (v view) RevokeDevice(_ context.Context, id int64, reason string) error {
	defer v.lock()()
	d := v.db()
	dev, ok := d.devices[id]
	if !ok {
		return missing("device", id)
	}
	dev.IsRevoked = true
	dev.IsActive = false
	dev.RevocationReason = reason
	d.devices[id] = dev
	return nil
}

func (v view) TouchDevice(_ context.Context, id int64, at time.Time, ip string) error {
	defer v.lock()()
	d := v.db()
	dev, ok := d.devices[id]
	if !ok {
		return missing("device", id)
	}
	dev.LastUsedAt = &at
	dev.LastIPAddress = ip
	dev.ScanCount++
	d.devices[id] = dev
	return nil
}

// --- outbox ---

func (v view) Enqueue(_ context.Context, m *model.OutboxMessage) error {
	defer v.lock()()
	d := v.db()
	m.ID = d.next()
	m.CreatedAt = time.Now().UTC()
	if m.NextAttemptAt.IsZero() {
		m.NextAttemptAt = m.CreatedAt
	}
	d.outbox[m.ID] = *m
	return nil
}

func (v view) ClaimDue(_ context.Context, now time.Time, limit int) ([]model.OutboxMessage, error) {
	defer v.lock()()
	var out []model.OutboxMessage
	for _, m := range v.db().outbox {
		if m.SentAt == nil && !m.NextAttemptAt.After(now) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v view) MarkSent(_ context.Context, id int64, at time.Time) error {
	defer v.lock()()
	d := v.db()
	m, ok := d.outbox[id]
	if !ok {
		return missing("outbox", id)
	}
	m.SentAt = &at
	d.outbox[id] = m
	return nil
}

func (v view) MarkFailed(_ context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	defer v.lock()()
	d := v.db()
	m, ok := d.outbox[id]
	if !ok {
		return missing("outbox", id)
	}
	m.Attempts = attempts
	m.NextAttemptAt = next
	m.LastError = lastErr
	d.outbox[id] = m
	return nil
}
