package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/doc-attest/internal/device"
	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/verify"
	"github.com/and161185/doc-attest/internal/workflow"
)

var testKey = []byte("test-signing-key")

type fakeWorkflow struct {
	mu        sync.Mutex
	decisions []workflow.Decision
	err       error
	assigned  int
}

func (f *fakeWorkflow) record(_ context.Context, d workflow.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	return f.err
}

func (f *fakeWorkflow) AssignToLevel(context.Context, int64, model.Level, uuid.UUID) error {
	return f.err
}
func (f *fakeWorkflow) Approve(ctx context.Context, d workflow.Decision) error  { return f.record(ctx, d) }
func (f *fakeWorkflow) Reject(ctx context.Context, d workflow.Decision) error   { return f.record(ctx, d) }
func (f *fakeWorkflow) SendBack(ctx context.Context, d workflow.Decision) error { return f.record(ctx, d) }
func (f *fakeWorkflow) AutoAssignApplications(context.Context) (int, error) {
	return f.assigned, f.err
}
func (f *fakeWorkflow) PendingFor(_ context.Context, officer uuid.UUID) ([]model.WorkflowStep, error) {
	return []model.WorkflowStep{{ID: 1, ApplicationID: 7, Level: model.LevelVerification, OfficerID: officer}}, f.err
}
func (f *fakeWorkflow) History(context.Context, int64) ([]model.WorkflowHistory, error) {
	return nil, f.err
}
func (f *fakeWorkflow) IssueAttestation(context.Context, int64, uuid.UUID) (*model.Attestation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.Attestation{SealedPath: "sealed/x.pdf", SealedHash: "abc", Token: "tok", ExpiresAt: time.Now()}, nil
}

type fakeApps map[int64]*model.Application

func (f fakeApps) Get(_ context.Context, id int64) (*model.Application, error) {
	if a, ok := f[id]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("application %d: %w", id, errs.ErrNotFound)
}

type fakeTokens struct{}

func (fakeTokens) RenderQRImage(context.Context, string) ([]byte, error) {
	return []byte("\x89PNG\r\n"), nil
}
func (fakeTokens) Revoke(context.Context, int64, string) error { return nil }
func (fakeTokens) VerificationURL(token string) string         { return "https://example.test/verify?t=" + token }

type fakeDevices struct {
	registerErr error
}

func (f fakeDevices) Register(context.Context, uuid.UUID, device.RegisterRequest, string) (*device.Registration, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &device.Registration{ID: 1, Token: "device-token", ExpiresAt: time.Now().Add(time.Hour), Message: device.MsgRegistered}, nil
}
func (fakeDevices) ListDevices(context.Context, uuid.UUID) ([]model.Device, error) {
	return []model.Device{{ID: 1, DeviceName: "Pixel 8", IsActive: true}}, nil
}
func (fakeDevices) Deactivate(context.Context, int64, uuid.UUID) error           { return nil }
func (fakeDevices) RevokeDevice(context.Context, int64, string, uuid.UUID) error { return nil }

type fakeVerifier struct {
	mu     sync.Mutex
	last   verify.Request
	panics bool
}

func (f *fakeVerifier) VerifyWeb(_ context.Context, req verify.Request, _ verify.Origin) (*verify.Result, error) {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if req.QRToken == "" && req.ApplicationNumber == "" {
		return &verify.Result{Message: verify.MsgTokenRequired}, nil
	}
	return &verify.Result{IsValid: true, Message: verify.MsgVerified, ApplicationNumber: req.ApplicationNumber}, nil
}

func (f *fakeVerifier) VerifyMobile(_ context.Context, req verify.Request, _ verify.Origin) (*verify.Result, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return &verify.Result{IsValid: true, Message: verify.MsgVerified, VerifiedBy: "vo1"}, nil
}

func (f *fakeVerifier) WebEnabled() bool { return true }

type harness struct {
	srv      *Server
	wf       *fakeWorkflow
	verifier *fakeVerifier
}

func newHarness(t *testing.T, opts Options, devs fakeDevices) *harness {
	t.Helper()
	opts.JWTKey = testKey
	wf := &fakeWorkflow{}
	vf := &fakeVerifier{}
	apps := fakeApps{
		1: {ID: 1, Number: "APP-20260101-0001", Status: model.StatusApproved, QRToken: "tok"},
		2: {ID: 2, Number: "APP-20260101-0002", Status: model.StatusApproved, QRToken: "tok2", IsQRRevoked: true},
	}
	srv := New(Deps{
		Workflow:     wf,
		Applications: apps,
		Tokens:       fakeTokens{},
		Devices:      devs,
		Verifier:     vf,
	}, opts, zaptest.NewLogger(t))
	return &harness{srv: srv, wf: wf, verifier: vf}
}

func makeJWT(t *testing.T, sub string, roles []string, method jwt.SigningMethod, iat time.Time, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(iat),
			NotBefore: jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(testKey)
	require.NoError(t, err)
	return s
}

func (h *harness) do(t *testing.T, method, path, bearer, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, fakeDevices{})
	sub := uuid.Must(uuid.NewV4()).String()
	now := time.Now().UTC()

	cases := []struct {
		name   string
		bearer string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "abc.def.ghi", http.StatusUnauthorized},
		{"wrong alg", makeJWT(t, sub, []string{"Supervisor"}, jwt.SigningMethodHS384, now, time.Hour), http.StatusUnauthorized},
		{"expired", makeJWT(t, sub, []string{"Supervisor"}, jwt.SigningMethodHS256, now.Add(-2*time.Hour), time.Hour), http.StatusUnauthorized},
		{"bad subject", makeJWT(t, "not-a-uuid", []string{"Supervisor"}, jwt.SigningMethodHS256, now, time.Hour), http.StatusUnauthorized},
		{"no officer role", makeJWT(t, sub, []string{"Applicant"}, jwt.SigningMethodHS256, now, time.Hour), http.StatusForbidden},
		{"ok", makeJWT(t, sub, []string{"Supervisor"}, jwt.SigningMethodHS256, now, time.Hour), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/api/workflow/queue", tc.bearer, "", nil)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, fakeDevices{})
	sub := uuid.Must(uuid.NewV4()).String()
	officer := makeJWT(t, sub, []string{"VerificationOfficer"}, jwt.SigningMethodHS256, time.Now(), time.Hour)
	admin := makeJWT(t, sub, []string{"Admin"}, jwt.SigningMethodHS256, time.Now(), time.Hour)

	rec := h.do(t, http.MethodPost, "/api/workflow/auto-assign", officer, "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	h.wf.assigned = 3
	rec = h.do(t, http.MethodPost, "/api/workflow/auto-assign", admin, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, decodeBody(t, rec)["assigned"])
}

func TestDecisionHandlers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, fakeDevices{})
	sub := uuid.Must(uuid.NewV4())
	tok := makeJWT(t, sub.String(), []string{"Supervisor"}, jwt.SigningMethodHS256, time.Now(), time.Hour)

	rec := h.do(t, http.MethodPost, "/api/workflow/9/reject", tok, `{"remarks":"blurry scan"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["success"])

	require.Len(t, h.wf.decisions, 1)
	d := h.wf.decisions[0]
	require.Equal(t, int64(9), d.ApplicationID)
	require.Equal(t, sub, d.ActorID)
	require.Equal(t, "blurry scan", d.Remarks)
	require.True(t, d.Roles.Has(model.RoleSupervisor))
	require.Equal(t, "192.0.2.1", d.IPAddress)

	rec = h.do(t, http.MethodPost, "/api/workflow/9/approve", tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/workflow/abc/approve", tok, "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/workflow/9/approve", tok, `{"remarks":"x","extra":1}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err     error
		code    int
		message string
	}{
		{fmt.Errorf("step: %w", errs.ErrNotPending), http.StatusConflict, errs.ErrNotPending.Error()},
		{fmt.Errorf("officer: %w", errs.ErrNotAuthorized), http.StatusForbidden, errs.ErrNotAuthorized.Error()},
		{errs.Reject(errs.ErrInvalidInput, "Remarks are required"), http.StatusBadRequest, "Remarks are required"},
		{errs.ErrIntegrity, http.StatusUnprocessableEntity, errs.ErrIntegrity.Error()},
		{errors.New("db exploded"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			h := newHarness(t, Options{}, fakeDevices{})
			h.wf.err = tc.err
			tok := makeJWT(t, uuid.Must(uuid.NewV4()).String(), []string{"Supervisor"}, jwt.SigningMethodHS256, time.Now(), time.Hour)

			rec := h.do(t, http.MethodPost, "/api/workflow/1/send-back", tok, `{"remarks":"r"}`, nil)
			require.Equal(t, tc.code, rec.Code)
			body := decodeBody(t, rec)
			require.Equal(t, false, body["success"])
			require.Equal(t, tc.message, body["message"])
		})
	}
}

func TestQRImage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, fakeDevices{})
	tok := makeJWT(t, uuid.Must(uuid.NewV4()).String(), []string{"AttestationOfficer"}, jwt.SigningMethodHS256, time.Now(), time.Hour)

	rec := h.do(t, http.MethodGet, "/api/applications/1/qr.png", tok, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))

	rec = h.do(t, http.MethodGet, "/api/applications/2/qr.png", tok, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/applications/3/qr.png", tok, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetApplicationAndAttestation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, fakeDevices{})
	sub := uuid.Must(uuid.NewV4()).String()
	officer := makeJWT(t, sub, []string{"Supervisor"}, jwt.SigningMethodHS256, time.Now(), time.Hour)
	admin := makeJWT(t, sub, []string{"Admin"}, jwt.SigningMethodHS256, time.Now(), time.Hour)

	rec := h.do(t, http.MethodGet, "/api/applications/1", officer, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "APP-20260101-0001", body["applicationNumber"])
	require.Equal(t, model.StatusApproved.String(), body["status"])

	rec = h.do(t, http.MethodPost, "/api/applications/1/attestation", officer, "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/applications/1/attestation", admin, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://example.test/verify?t=tok", decodeBody(t, rec)["verificationUrl"])
}

func TestRegisterDevice(t *testing.T) {
	t.Parallel()

	body := `{"deviceId":"pixel-8","deviceName":"Pixel 8","platform":"android","osVersion":"15","appVersion":"1.2.0","appSignature":"sig"}`
	tok := makeJWT(t, uuid.Must(uuid.NewV4()).String(), []string{"VerificationOfficer"}, jwt.SigningMethodHS256, time.Now(), time.Hour)

	t.Run("ok", func(t *testing.T) {
		h := newHarness(t, Options{}, fakeDevices{})
		rec := h.do(t, http.MethodPost, "/api/mobile/device/register", tok, body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		out := decodeBody(t, rec)
		require.Equal(t, true, out["success"])
		require.Equal(t, "device-token", out["deviceToken"])
		require.NotEmpty(t, out["serverTime"])
	})

	t.Run("quota", func(t *testing.T) {
		msg := "Maximum device limit (3) reached. Please deactivate an existing device."
		h := newHarness(t, Options{}, fakeDevices{registerErr: errs.Reject(errs.ErrQuotaExceeded, msg)})
		rec := h.do(t, http.MethodPost, "/api/mobile/device/register", tok, body, nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		out := decodeBody(t, rec)
		require.Equal(t, false, out["success"])
		require.Equal(t, msg, out["message"])
		require.Nil(t, out["deviceToken"])
	})

	t.Run("device status", func(t *testing.T) {
		h := newHarness(t, Options{}, fakeDevices{})
		rec := h.do(t, http.MethodGet, "/api/mobile/device/status", tok, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, decodeBody(t, rec)["devices"], 1)
	})
}

func TestVerifyMobile(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, fakeDevices{})
	body := `{"qrToken":"qr","deviceToken":"dt","signature":"s","timestamp":"1","nonce":"n"}`

	rec := h.do(t, http.MethodPost, "/api/mobile/verify", "", body, map[string]string{headerAppVersion: "1.2.0"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, false, out["isValid"])
	require.Equal(t, verify.MsgMissingClientID, out["message"])

	rec = h.do(t, http.MethodPost, "/api/mobile/verify", "", body, map[string]string{
		headerAppVersion: "1.2.0",
		headerPlatform:   "android",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out = decodeBody(t, rec)
	require.Equal(t, true, out["isValid"])
	require.Equal(t, "vo1", out["verifiedBy"])
	require.NotEmpty(t, out["verifiedAt"])

	h.verifier.mu.Lock()
	defer h.verifier.mu.Unlock()
	require.Equal(t, "qr", h.verifier.last.QRToken)
	require.Equal(t, "1.2.0", h.verifier.last.AppVersion)
	require.Equal(t, "android", h.verifier.last.Platform)
}

func TestVerifyWebAndHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{MinAppVersion: "1.0.0", BaseAPIURL: "https://api.example.test"}, fakeDevices{})

	rec := h.do(t, http.MethodGet, "/verify?t=abc", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, verify.MsgVerified, decodeBody(t, rec)["message"])
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "abc", h.verifier.last.QRToken)

	// the link printed on a sealed page
	rec = h.do(t, http.MethodGet, "/verify?app=APP-20240101-0001", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "APP-20240101-0001", decodeBody(t, rec)["applicationNumber"])
	require.Equal(t, verify.Request{ApplicationNumber: "APP-20240101-0001"}, h.verifier.last)

	rec = h.do(t, http.MethodGet, "/verify", "", "", nil)
	require.Equal(t, verify.MsgTokenRequired, decodeBody(t, rec)["message"])

	rec = h.do(t, http.MethodGet, "/api/mobile/health", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	require.Equal(t, "healthy", out["status"])
	require.Equal(t, "1.0.0", out["minimumAppVersion"])
	require.Equal(t, true, out["allowWebVerification"])
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{RateLimitRPS: 1, RateLimitBurst: 1}, fakeDevices{})

	rec := h.do(t, http.MethodGet, "/verify?t=abc", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/verify?t=abc", "", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRecover(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, fakeDevices{})
	h.verifier.panics = true

	rec := h.do(t, http.MethodGet, "/verify?t=abc", "", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal error", decodeBody(t, rec)["message"])
}
