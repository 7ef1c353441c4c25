package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/doc-attest/internal/crypto"
	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/kvstore"
	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/outbox"
	"github.com/and161185/doc-attest/internal/repository"
	"github.com/and161185/doc-attest/internal/repository/memstore"
	"github.com/and161185/doc-attest/internal/token"
)

var _ Sealer = (*fakeSealer)(nil)

type fakeSealer struct {
	mu      sync.Mutex
	err     error
	written map[string][]byte
	removed []string
}

func (f *fakeSealer) Stamp(_ context.Context, originalPath string, qrPNG []byte, outputPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.written == nil {
		f.written = map[string][]byte{}
	}
	out := append([]byte("sealed:"+originalPath+":"), qrPNG...)
	f.written[outputPath] = out
	return crypto.SHA256Hex(out), nil
}

func (f *fakeSealer) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.written, path)
	f.removed = append(f.removed, path)
	return nil
}

// saveFails fails SaveAttestation inside every transaction.
type saveFails struct{ *memstore.Store }

func (s saveFails) WithinTx(ctx context.Context, fn func(q repository.Queries) error) error {
	return s.Store.WithinTx(ctx, func(q repository.Queries) error { return fn(failingSave{q}) })
}

type failingSave struct{ repository.Queries }

func (failingSave) SaveAttestation(context.Context, int64, model.Attestation, time.Time) error {
	return errors.New("disk full")
}

func officerID(n byte) uuid.UUID {
	var id uuid.UUID
	id[15] = n
	return id
}

var (
	vo1 = officerID(1)
	vo2 = officerID(2)
	sup = officerID(3)
	ao  = officerID(4)
)

type fixture struct {
	eng    *Engine
	store  *memstore.Store
	tokens *token.Service
	sealer *fakeSealer
	appl   int64
}

func newFixture(t *testing.T, officerCap int) *fixture {
	t.Helper()
	st := memstore.New()
	st.SeedOfficer(model.Officer{ID: vo2, Username: "vo2", Role: model.RoleVerificationOfficer, IsActive: true})
	st.SeedOfficer(model.Officer{ID: vo1, Username: "vo1", Role: model.RoleVerificationOfficer, IsActive: true})
	st.SeedOfficer(model.Officer{ID: sup, Username: "sup", Role: model.RoleSupervisor, IsActive: true})
	st.SeedOfficer(model.Officer{ID: ao, Username: "ao", Role: model.RoleAttestationOfficer, IsActive: true})
	appl := st.SeedApplicant(model.ApplicantProfile{FullName: "Jane Doe", CNICHash: "c1"})

	c, err := crypto.NewCipher("0123456789abcdef0123456789abcdef", "abcdef9876543210")
	require.NoError(t, err)
	tokens := token.New(c, st, kvstore.NewMemory(), token.Options{
		Validity:            365 * 24 * time.Hour,
		VerificationBaseURL: "https://attest.example/verify",
		QRImageSize:         128,
	}, nil)
	sealer := &fakeSealer{}
	return &fixture{eng: New(st, tokens, sealer, officerCap, nil), store: st, tokens: tokens, sealer: sealer, appl: appl}
}

// submitted creates a paid, Submitted application.
func (f *fixture) submitted(t *testing.T, number string) int64 {
	t.Helper()
	ctx := context.Background()
	a := &model.Application{
		Number:       number,
		ApplicantID:  f.appl,
		DocumentType: "Degree",
		Fee:          500,
		DocumentPath: "docs/" + number + ".pdf",
		DocumentHash: crypto.SHA256Hex([]byte(number)),
	}
	require.NoError(t, f.store.CreateApplication(ctx, a))
	require.NoError(t, f.store.InsertPayment(ctx, &model.Payment{ApplicationID: a.ID, Amount: 500, Reference: "r-" + number}))
	now := time.Now().UTC()
	require.NoError(t, f.store.MarkSubmitted(ctx, a.ID, now, now.Add(24*time.Hour)))
	return a.ID
}

func (f *fixture) app(t *testing.T, id int64) *model.Application {
	t.Helper()
	a, err := f.store.GetApplication(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) pending(t *testing.T, id int64) *model.WorkflowStep {
	t.Helper()
	s, err := f.store.PendingStep(context.Background(), id)
	require.NoError(t, err)
	return s
}

func decision(app int64, actor uuid.UUID, role model.Role, remarks string) Decision {
	return Decision{ApplicationID: app, ActorID: actor, Remarks: remarks, Roles: model.Roles{role}, IPAddress: "10.1.1.1"}
}

func TestAutoAssign_LeastLoadedWithTieBreak(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)

	a1 := f.submitted(t, "APP-1")
	a2 := f.submitted(t, "APP-2")
	a3 := f.submitted(t, "APP-3")

	n, err := f.eng.AutoAssignApplications(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// equal load goes to the lower id
	require.Equal(t, vo1, f.pending(t, a1).OfficerID)
	require.Equal(t, vo2, f.pending(t, a2).OfficerID)
	require.Equal(t, vo1, f.pending(t, a3).OfficerID)
	require.Equal(t, model.StatusUnderVerification, f.app(t, a1).Status)

	n, err = f.eng.AutoAssignApplications(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAutoAssign_StopsAtCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 1)

	f.submitted(t, "APP-1")
	f.submitted(t, "APP-2")
	left := f.submitted(t, "APP-3")

	n, err := f.eng.AutoAssignApplications(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, model.StatusSubmitted, f.app(t, left).Status)

	o, err := f.eng.GetAvailableOfficer(ctx, model.LevelVerification)
	require.NoError(t, err)
	require.Nil(t, o)

	ok, err := f.eng.AutoAssignSingleApplication(ctx, left)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAutoAssignSingle_SkipsIneligible(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)

	draft := &model.Application{Number: "APP-D", ApplicantID: f.appl, DocumentPath: "d.pdf", DocumentHash: "h"}
	require.NoError(t, f.store.CreateApplication(ctx, draft))

	ok, err := f.eng.AutoAssignSingleApplication(ctx, draft.ID)
	require.NoError(t, err)
	require.False(t, ok)

	id := f.submitted(t, "APP-1")
	ok, err = f.eng.AutoAssignSingleApplication(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.eng.AutoAssignSingleApplication(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.eng.AutoAssignSingleApplication(ctx, 9999)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestApprove_ThroughAllLevels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	id := f.submitted(t, "APP-1")
	original := f.app(t, id).DocumentHash

	ok, err := f.eng.AutoAssignSingleApplication(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.eng.Approve(ctx, decision(id, vo1, model.RoleVerificationOfficer, "ok")))
	require.Equal(t, model.StatusUnderSupervision, f.app(t, id).Status)
	step := f.pending(t, id)
	require.Equal(t, model.LevelSupervision, step.Level)
	require.Equal(t, sup, step.OfficerID)

	require.NoError(t, f.eng.Approve(ctx, decision(id, sup, model.RoleSupervisor, "")))
	require.Equal(t, model.StatusUnderAttestation, f.app(t, id).Status)
	require.Equal(t, ao, f.pending(t, id).OfficerID)

	require.NoError(t, f.eng.Approve(ctx, decision(id, ao, model.RoleAttestationOfficer, "")))
	a := f.app(t, id)
	require.Equal(t, model.StatusApproved, a.Status)
	require.Equal(t, "docs/APP-1_stamped.pdf", a.StampedDocumentPath)
	require.NotNil(t, a.AttestedAt)
	require.NotEmpty(t, a.QRToken)
	require.Contains(t, f.sealer.written, a.StampedDocumentPath)

	p, err := f.tokens.DecryptToken(ctx, a.QRToken)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, id, p.ApplicationID)
	require.Equal(t, crypto.SHA256Hex(f.sealer.written[a.StampedDocumentPath]), p.DocumentHash)
	require.Equal(t, a.StampedDocumentHash, p.DocumentHash)
	require.NotEqual(t, original, p.DocumentHash)

	_, err = f.store.PendingStep(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)

	hist, err := f.eng.History(ctx, id)
	require.NoError(t, err)
	var decisions []string
	for _, h := range hist {
		if h.Action != ActionAssigned {
			decisions = append(decisions, h.Action)
		}
	}
	require.Equal(t, []string{ActionApproved, ActionApproved, ActionApproved}, decisions)
	last := hist[len(hist)-1]
	require.Equal(t, model.StatusUnderAttestation, last.PreviousStatus)
	require.Equal(t, model.StatusApproved, last.NewStatus)
	require.Equal(t, "10.1.1.1", last.IPAddress)

	var approved int
	for _, m := range f.store.OutboxMessages() {
		if m.Topic == outbox.TopicApproved {
			approved++
		}
	}
	require.Equal(t, 3, approved)
}

func TestDecide_Refusals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	id := f.submitted(t, "APP-1")

	// nothing assigned yet
	err := f.eng.Approve(ctx, decision(id, vo1, model.RoleVerificationOfficer, ""))
	require.ErrorIs(t, err, errs.ErrNotPending)

	require.NoError(t, f.eng.AssignToLevel(ctx, id, model.LevelVerification, vo1))

	err = f.eng.Approve(ctx, decision(id, vo2, model.RoleVerificationOfficer, ""))
	require.ErrorIs(t, err, errs.ErrNotAuthorized)

	err = f.eng.Approve(ctx, decision(id, vo1, model.RoleSupervisor, ""))
	require.ErrorIs(t, err, errs.ErrNotAuthorized)

	err = f.eng.Reject(ctx, decision(id, vo1, model.RoleVerificationOfficer, "  "))
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	err = f.eng.SendBack(ctx, decision(id, vo1, model.RoleVerificationOfficer, ""))
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = f.store.PendingStep(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StatusUnderVerification, f.app(t, id).Status)

	require.NoError(t, f.eng.Reject(ctx, decision(id, vo1, model.RoleVerificationOfficer, "illegible")))
	require.Equal(t, model.StatusRejected, f.app(t, id).Status)

	err = f.eng.Approve(ctx, decision(id, vo1, model.RoleVerificationOfficer, ""))
	require.ErrorIs(t, err, errs.ErrNotPending)
}

func TestSendBack_AtAttestation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	id := f.submitted(t, "APP-1")

	require.NoError(t, f.eng.AssignToLevel(ctx, id, model.LevelVerification, vo1))
	require.NoError(t, f.eng.Approve(ctx, decision(id, vo1, model.RoleVerificationOfficer, "ok")))
	require.NoError(t, f.eng.Approve(ctx, decision(id, sup, model.RoleSupervisor, "ok")))
	require.NoError(t, f.eng.SendBack(ctx, decision(id, ao, model.RoleAttestationOfficer, "stamp unreadable")))

	a := f.app(t, id)
	require.Equal(t, model.StatusSentBack, a.Status)
	require.Empty(t, a.StampedDocumentPath)
	require.Empty(t, a.QRToken)
	require.Empty(t, f.sealer.written)

	steps, err := f.store.ListSteps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, model.StepSentBack, steps[2].Status)
	require.Equal(t, "stamp unreadable", steps[2].Remarks)

	msgs := f.store.OutboxMessages()
	require.Equal(t, outbox.TopicSentBack, msgs[len(msgs)-1].Topic)
}

func TestApprove_SealFailureRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	id := f.submitted(t, "APP-1")

	require.NoError(t, f.eng.AssignToLevel(ctx, id, model.LevelVerification, vo1))
	require.NoError(t, f.eng.Approve(ctx, decision(id, vo1, model.RoleVerificationOfficer, "")))
	require.NoError(t, f.eng.Approve(ctx, decision(id, sup, model.RoleSupervisor, "")))
	histBefore, err := f.eng.History(ctx, id)
	require.NoError(t, err)

	f.sealer.err = errors.New("blob store unavailable")
	err = f.eng.Approve(ctx, decision(id, ao, model.RoleAttestationOfficer, ""))
	require.Error(t, err)
	require.False(t, errs.IsExpected(err))

	a := f.app(t, id)
	require.Equal(t, model.StatusUnderAttestation, a.Status)
	require.Empty(t, a.QRToken)
	step := f.pending(t, id)
	require.Equal(t, model.LevelAttestation, step.Level)
	histAfter, err := f.eng.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, histAfter, len(histBefore))

	f.sealer.err = nil
	require.NoError(t, f.eng.Approve(ctx, decision(id, ao, model.RoleAttestationOfficer, "")))
	require.Equal(t, model.StatusApproved, f.app(t, id).Status)
}

func TestApprove_RollbackRemovesSealedCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	id := f.submitted(t, "APP-1")

	require.NoError(t, f.eng.AssignToLevel(ctx, id, model.LevelVerification, vo1))
	require.NoError(t, f.eng.Approve(ctx, decision(id, vo1, model.RoleVerificationOfficer, "")))
	require.NoError(t, f.eng.Approve(ctx, decision(id, sup, model.RoleSupervisor, "")))

	broken := New(saveFails{f.store}, f.tokens, f.sealer, 0, nil)
	err := broken.Approve(ctx, decision(id, ao, model.RoleAttestationOfficer, ""))
	require.EqualError(t, err, "disk full")

	require.Equal(t, []string{"docs/APP-1_stamped.pdf"}, f.sealer.removed)
	require.Empty(t, f.sealer.written)
	a := f.app(t, id)
	require.Equal(t, model.StatusUnderAttestation, a.Status)
	require.Empty(t, a.StampedDocumentPath)

	require.NoError(t, f.eng.Approve(ctx, decision(id, ao, model.RoleAttestationOfficer, "")))
	require.Contains(t, f.sealer.written, "docs/APP-1_stamped.pdf")
}

func TestAssignToLevel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	id := f.submitted(t, "APP-1")

	err := f.eng.AssignToLevel(ctx, id, model.LevelSupervision, sup)
	require.ErrorIs(t, err, errs.ErrNotPending)
	err = f.eng.AssignToLevel(ctx, id, model.LevelVerification, sup)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	err = f.eng.AssignToLevel(ctx, id, model.Level(7), vo1)
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	require.NoError(t, f.eng.AssignToLevel(ctx, id, model.LevelVerification, vo1))
	first := f.pending(t, id)
	require.NoError(t, f.eng.AssignToLevel(ctx, id, model.LevelVerification, vo1))
	require.NoError(t, f.eng.AssignToLevel(ctx, id, model.LevelVerification, vo2))

	steps, err := f.store.ListSteps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, first.ID, steps[0].ID)
	require.Equal(t, vo2, steps[0].OfficerID)

	queue, err := f.eng.PendingFor(ctx, vo2)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	queue, err = f.eng.PendingFor(ctx, vo1)
	require.NoError(t, err)
	require.Empty(t, queue)
}

func TestApprove_ConcurrentDecisionsHaveOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	id := f.submitted(t, "APP-1")
	require.NoError(t, f.eng.AssignToLevel(ctx, id, model.LevelVerification, vo1))

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.eng.Approve(ctx, decision(id, vo1, model.RoleVerificationOfficer, ""))
		}(i)
	}
	wg.Wait()

	var won int
	for _, err := range results {
		if err == nil {
			won++
			continue
		}
		require.True(t, errors.Is(err, errs.ErrNotPending) || errors.Is(err, errs.ErrNotAuthorized), err.Error())
	}
	require.Equal(t, 1, won)
	require.Equal(t, model.StatusUnderSupervision, f.app(t, id).Status)
}

func TestIssueAttestation_SupersedesToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	id := f.submitted(t, "APP-1")

	_, err := f.eng.IssueAttestation(ctx, id, ao)
	require.ErrorIs(t, err, errs.ErrNotPending)

	require.NoError(t, f.eng.AssignToLevel(ctx, id, model.LevelVerification, vo1))
	require.NoError(t, f.eng.Approve(ctx, decision(id, vo1, model.RoleVerificationOfficer, "")))
	require.NoError(t, f.eng.Approve(ctx, decision(id, sup, model.RoleSupervisor, "")))
	require.NoError(t, f.eng.Approve(ctx, decision(id, ao, model.RoleAttestationOfficer, "")))
	old := f.app(t, id).QRToken

	att, err := f.eng.IssueAttestation(ctx, id, ao)
	require.NoError(t, err)
	require.NotEqual(t, old, att.Token)
	require.Equal(t, att.Token, f.app(t, id).QRToken)

	p, err := f.tokens.DecryptToken(ctx, old)
	require.NoError(t, err)
	require.Nil(t, p)
	row, err := f.store.GetTokenByValue(ctx, old)
	require.NoError(t, err)
	require.True(t, row.IsRevoked)
	require.Equal(t, "superseded", row.RevocationReason)

	p, err = f.tokens.DecryptToken(ctx, att.Token)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, att.SealedHash, p.DocumentHash)

	// the reseal is a new copy and the old one goes once it commits
	require.NotEqual(t, "docs/APP-1_stamped.pdf", att.SealedPath)
	require.Equal(t, att.SealedPath, f.app(t, id).StampedDocumentPath)
	require.Contains(t, f.sealer.written, att.SealedPath)
	require.Equal(t, []string{"docs/APP-1_stamped.pdf"}, f.sealer.removed)
}

func TestIssueAttestation_RollbackKeepsLiveCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0)
	id := f.submitted(t, "APP-1")

	require.NoError(t, f.eng.AssignToLevel(ctx, id, model.LevelVerification, vo1))
	require.NoError(t, f.eng.Approve(ctx, decision(id, vo1, model.RoleVerificationOfficer, "")))
	require.NoError(t, f.eng.Approve(ctx, decision(id, sup, model.RoleSupervisor, "")))
	require.NoError(t, f.eng.Approve(ctx, decision(id, ao, model.RoleAttestationOfficer, "")))
	before := f.app(t, id)

	broken := New(saveFails{f.store}, f.tokens, f.sealer, 0, nil)
	_, err := broken.IssueAttestation(ctx, id, ao)
	require.Error(t, err)

	after := f.app(t, id)
	require.Equal(t, before.StampedDocumentPath, after.StampedDocumentPath)
	require.Equal(t, before.QRToken, after.QRToken)
	require.Contains(t, f.sealer.written, before.StampedDocumentPath)
	require.Len(t, f.sealer.removed, 1)
	require.NotEqual(t, before.StampedDocumentPath, f.sealer.removed[0])
	require.Len(t, f.sealer.written, 1)
}

func TestAssignStalled_PicksUpAfterCapacityFrees(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 1)
	first := f.submitted(t, "APP-1")
	second := f.submitted(t, "APP-2")

	require.NoError(t, f.eng.AssignToLevel(ctx, first, model.LevelVerification, vo1))
	require.NoError(t, f.eng.AssignToLevel(ctx, second, model.LevelVerification, vo2))
	require.NoError(t, f.eng.Approve(ctx, decision(first, vo1, model.RoleVerificationOfficer, "")))
	require.Equal(t, sup, f.pending(t, first).OfficerID)

	// the only supervisor is at capacity
	require.NoError(t, f.eng.Approve(ctx, decision(second, vo2, model.RoleVerificationOfficer, "")))
	require.Equal(t, model.StatusUnderSupervision, f.app(t, second).Status)
	_, err := f.store.PendingStep(ctx, second)
	require.ErrorIs(t, err, errs.ErrNotFound)

	n, err := f.eng.AssignStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// a new supervisor has room
	sup2 := officerID(5)
	f.store.SeedOfficer(model.Officer{ID: sup2, Username: "sup2", Role: model.RoleSupervisor, IsActive: true})
	n, err = f.eng.AssignStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	step := f.pending(t, second)
	require.Equal(t, model.LevelSupervision, step.Level)
	require.Equal(t, sup2, step.OfficerID)

	n, err = f.eng.AssignStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDecision_FreedSlotAssignsStalled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 1)
	first := f.submitted(t, "APP-1")
	second := f.submitted(t, "APP-2")

	require.NoError(t, f.eng.AssignToLevel(ctx, first, model.LevelVerification, vo1))
	require.NoError(t, f.eng.AssignToLevel(ctx, second, model.LevelVerification, vo2))
	require.NoError(t, f.eng.Approve(ctx, decision(first, vo1, model.RoleVerificationOfficer, "")))
	require.NoError(t, f.eng.Approve(ctx, decision(second, vo2, model.RoleVerificationOfficer, "")))
	_, err := f.store.PendingStep(ctx, second)
	require.ErrorIs(t, err, errs.ErrNotFound)

	// the supervisor finishing first makes room for second
	require.NoError(t, f.eng.Approve(ctx, decision(first, sup, model.RoleSupervisor, "")))
	step := f.pending(t, second)
	require.Equal(t, model.LevelSupervision, step.Level)
	require.Equal(t, sup, step.OfficerID)
}

// TestWorkflow_RandomOperationsKeepOnePendingStep runs seeded random sequences
// of assignments and decisions and checks after every operation that each
// application has at most one pending step per level, and only at the level
// its status names.
func TestWorkflow_RandomOperationsKeepOnePendingStep(t *testing.T) {
	t.Parallel()

	officers := []struct {
		id   uuid.UUID
		role model.Role
	}{
		{vo1, model.RoleVerificationOfficer},
		{vo2, model.RoleVerificationOfficer},
		{sup, model.RoleSupervisor},
		{ao, model.RoleAttestationOfficer},
	}
	levels := []model.Level{model.LevelVerification, model.LevelSupervision, model.LevelAttestation}

	for seed := int64(1); seed <= 8; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			rnd := rand.New(rand.NewSource(seed))
			f := newFixture(t, 1+rnd.Intn(2))

			var apps []int64
			for i := 0; i < 5; i++ {
				apps = append(apps, f.submitted(t, fmt.Sprintf("APP-%d-%d", seed, i)))
			}

			for op := 0; op < 200; op++ {
				app := apps[rnd.Intn(len(apps))]
				o := officers[rnd.Intn(len(officers))]
				d := decision(app, o.id, o.role, "remarks")

				var err error
				switch rnd.Intn(7) {
				case 0:
					err = f.eng.AssignToLevel(ctx, app, levels[rnd.Intn(len(levels))], o.id)
				case 1, 2:
					err = f.eng.Approve(ctx, d)
				case 3:
					err = f.eng.Reject(ctx, d)
				case 4:
					err = f.eng.SendBack(ctx, d)
				case 5:
					_, err = f.eng.AutoAssignApplications(ctx)
				case 6:
					_, err = f.eng.AssignStalled(ctx)
				}
				if err != nil {
					require.True(t, errs.IsExpected(err), "op %d: %v", op, err)
					require.NotErrorIs(t, err, errs.ErrAlreadyExists, "op %d", op)
				}

				for _, id := range apps {
					steps, err := f.store.ListSteps(ctx, id)
					require.NoError(t, err)
					pending := map[model.Level]int{}
					for _, s := range steps {
						if s.Status == model.StepPending {
							pending[s.Level]++
						}
					}
					status := f.app(t, id).Status
					for level, n := range pending {
						require.Equal(t, 1, n, "op %d: application %d level %s", op, id, level)
						require.Equal(t, level.InProgress(), status, "op %d: application %d", op, id)
					}
				}
			}
		})
	}
}
