// Package verify answers QR verification requests from the public web page
// and from registered mobile devices.
//
// Both paths run the same integrity sequence against the token and the
// application it names; every attempt that reaches the sequence is recorded
// as a scan log. Infrastructure failures are returned as errors, everything
// else is an invalid Result with a fixed message.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/blob"
	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/repository"
	"github.com/and161185/doc-attest/internal/token"
)

// Caller-facing results.
const (
	MsgVerified        = "Document verified successfully"
	MsgInvalidToken    = "Invalid or expired token"
	MsgAppNotFound     = "Application not found"
	MsgNotAttested     = "Document not attested"
	MsgRevoked         = "Token has been revoked"
	MsgTampered        = "Document hash mismatch - document may have been tampered"
	MsgExpired         = "Token has expired"
	MsgTokenRequired   = "Token is required"
	MsgMissingClientID = "Invalid request - missing app identification"
	MsgWebDisabled     = "Web verification is disabled for security. Please use the official DocAttestation mobile app to verify documents."
	msgDeviceFallback  = "Device validation failed"
)

const defaultPhotoLimit = 2 << 20

// Result is returned to the verifying client.
type Result struct {
	IsValid           bool       `json:"isValid"`
	Message           string     `json:"message"`
	ApplicantName     string     `json:"applicantName,omitempty"`
	DocumentType      string     `json:"documentType,omitempty"`
	IssuingAuthority  string     `json:"issuingAuthority,omitempty"`
	AttestationDate   *time.Time `json:"attestationDate,omitempty"`
	ApplicationNumber string     `json:"applicationNumber,omitempty"`
	ApplicantPhoto    []byte     `json:"applicantPhoto,omitempty"`
	VerifiedBy        string     `json:"verifiedBy,omitempty"`
}

func invalid(msg string) *Result { return &Result{Message: msg} }

// Origin identifies where a request came from.
type Origin struct {
	IPAddress string
	UserAgent string
}

// Request carries a verification attempt. Device fields are empty on the web
// path. ApplicationNumber is what the mark printed on a sealed page encodes; it
// is used only when QRToken is empty and resolves to the application's current token.
type Request struct {
	QRToken           string `json:"qrToken"`
	ApplicationNumber string `json:"applicationNumber,omitempty"`
	DeviceToken       string `json:"deviceToken,omitempty"`
	Signature         string `json:"signature,omitempty"`
	Timestamp         string `json:"timestamp,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
	AppVersion        string `json:"-"`
	Platform          string `json:"-"`
}

// Tokens resolves an encrypted token against its persisted row.
type Tokens interface {
	Resolve(ctx context.Context, token string) (*token.Payload, *model.QRToken, error)
}

// Devices authenticates mobile callers.
type Devices interface {
	ValidateDevice(ctx context.Context, deviceToken, signature, timestamp, nonce string) (*model.Device, error)
	Touch(ctx context.Context, id int64, ip string) error
}

// Hasher hashes stored documents.
type Hasher interface {
	ComputeHash(ctx context.Context, path string) (string, error)
}

// Options configures the gateway.
type Options struct {
	AllowWeb     bool
	PhotoLimit   int64
	AuditWorkers int
}

// Gateway runs verification.
type Gateway struct {
	store   repository.Store
	tokens  Tokens
	devices Devices
	blobs   blob.Store
	hasher  Hasher
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

// New constructs a gateway.
func New(store repository.Store, tokens Tokens, devices Devices, blobs blob.Store, hasher Hasher, opts Options, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PhotoLimit <= 0 {
		opts.PhotoLimit = defaultPhotoLimit
	}
	if opts.AuditWorkers <= 0 {
		opts.AuditWorkers = 4
	}
	return &Gateway{store: store, tokens: tokens, devices: devices, blobs: blobs, hasher: hasher, opts: opts, log: log, now: time.Now}
}

// WebEnabled reports whether anonymous verification is switched on.
func (g *Gateway) WebEnabled() bool { return g.opts.AllowWeb }

// VerifyToken dispatches to the mobile path when device credentials are
// present and to the web path otherwise.
func (g *Gateway) VerifyToken(ctx context.Context, req Request, o Origin) (*Result, error) {
	if req.DeviceToken != "" {
		return g.VerifyMobile(ctx, req, o)
	}
	return g.VerifyWeb(ctx, req, o)
}

func (r Request) empty() bool { return r.QRToken == "" && r.ApplicationNumber == "" }

// VerifyWeb is the anonymous path. When disabled it does no token work.
// Device fields of req are ignored.
func (g *Gateway) VerifyWeb(ctx context.Context, req Request, o Origin) (*Result, error) {
	if !g.opts.AllowWeb {
		g.log.Warn("web verification blocked", zap.String("ip", o.IPAddress))
		return invalid(MsgWebDisabled), nil
	}
	if req.empty() {
		return invalid(MsgTokenRequired), nil
	}
	out, err := g.check(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := g.logScan(ctx, out.row, o, out.res.IsValid, out.detail); err != nil {
		return nil, err
	}
	return out.res, nil
}

// VerifyMobile authenticates the device first; a refused device gets the
// device message and no token work is done.
func (g *Gateway) VerifyMobile(ctx context.Context, req Request, o Origin) (*Result, error) {
	if req.AppVersion == "" || req.Platform == "" {
		return invalid(MsgMissingClientID), nil
	}
	dev, err := g.devices.ValidateDevice(ctx, req.DeviceToken, req.Signature, req.Timestamp, req.Nonce)
	if err != nil {
		if !errs.IsExpected(err) {
			return nil, err
		}
		return invalid(errs.Message(err, msgDeviceFallback)), nil
	}
	if req.empty() {
		return invalid(MsgTokenRequired), nil
	}

	out, err := g.check(ctx, req)
	if err != nil {
		return nil, err
	}
	scanOrigin := Origin{
		IPAddress: o.IPAddress,
		UserAgent: fmt.Sprintf("DocAttestation App v%s (%s)", req.AppVersion, req.Platform),
	}
	res, a := out.res, out.app
	if !res.IsValid {
		if err := g.logScan(ctx, out.row, scanOrigin, false, out.detail); err != nil {
			return nil, err
		}
		return res, nil
	}

	officer, err := g.store.GetOfficer(ctx, dev.UserID)
	if err != nil {
		return nil, err
	}
	if err := g.devices.Touch(ctx, dev.ID, o.IPAddress); err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("Verified by %s using device %s", officer.Username, dev.DeviceName)
	if err := g.logScan(ctx, out.row, scanOrigin, true, detail); err != nil {
		return nil, err
	}
	res.VerifiedBy = officer.Username
	res.ApplicantPhoto = g.photo(ctx, out.applicant)
	g.log.Info("qr verified by device", zap.Int64("device_id", dev.ID), zap.String("number", a.Number))
	return res, nil
}

// outcome is what the integrity sequence found; detail is the scan log text.
type outcome struct {
	res       *Result
	app       *model.Application
	applicant *model.ApplicantProfile
	row       *model.QRToken
	detail    string
}

func refused(msg string, a *model.Application, row *model.QRToken, detail string) *outcome {
	return &outcome{res: invalid(msg), app: a, row: row, detail: detail}
}

// check runs the integrity sequence.
func (g *Gateway) check(ctx context.Context, req Request) (*outcome, error) {
	qrToken := req.QRToken
	if qrToken == "" {
		a, err := g.store.GetApplicationByNumber(ctx, req.ApplicationNumber)
		if errors.Is(err, errs.ErrNotFound) {
			return refused(MsgAppNotFound, nil, nil, "Application not found"), nil
		}
		if err != nil {
			return nil, err
		}
		if a.QRToken == "" {
			return refused(MsgNotAttested, a, nil, "Application not approved"), nil
		}
		qrToken = a.QRToken
	}

	p, row, err := g.tokens.Resolve(ctx, qrToken)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return refused(MsgInvalidToken, nil, row, "Token decryption failed"), nil
	}
	a, err := g.store.GetApplication(ctx, p.ApplicationID)
	if errors.Is(err, errs.ErrNotFound) {
		return refused(MsgAppNotFound, nil, row, "Application not found"), nil
	}
	if err != nil {
		return nil, err
	}
	switch {
	case a.Status != model.StatusApproved:
		return refused(MsgNotAttested, a, row, "Application not approved"), nil
	case a.IsQRRevoked:
		return refused(MsgRevoked, a, row, "Token revoked"), nil
	case p.DocumentHash != a.ExpectedDocumentHash():
		g.log.Warn("document hash mismatch", zap.Int64("application_id", a.ID), zap.Int64("token_id", row.ID))
		return refused(MsgTampered, a, row, "Hash mismatch"), nil
	}
	if a.StampedDocumentPath != "" && g.hasher != nil {
		tampered, missing, err := g.rehashSealed(ctx, *a)
		if err != nil {
			return nil, err
		}
		switch {
		case missing:
			return refused(MsgTampered, a, row, "Sealed document missing"), nil
		case tampered:
			return refused(MsgTampered, a, row, "Hash mismatch"), nil
		}
	}
	if p.ExpiryDate.Before(g.now()) {
		return refused(MsgExpired, a, row, "Token expired"), nil
	}

	applicant, err := g.store.GetApplicant(ctx, a.ApplicantID)
	if err != nil {
		return nil, err
	}
	return &outcome{
		res: &Result{
			IsValid:           true,
			Message:           MsgVerified,
			ApplicantName:     applicant.FullName,
			DocumentType:      a.DocumentType,
			IssuingAuthority:  a.IssuingAuthority,
			AttestationDate:   a.AttestedAt,
			ApplicationNumber: a.Number,
		},
		app:       a,
		applicant: applicant,
		row:       row,
		detail:    "Verification successful",
	}, nil
}

func (g *Gateway) logScan(ctx context.Context, row *model.QRToken, o Origin, valid bool, detail string) error {
	l := &model.ScanLog{
		ScannedAt: g.now().UTC(),
		IPAddress: o.IPAddress,
		UserAgent: o.UserAgent,
		IsValid:   valid,
		Result:    detail,
	}
	if row != nil {
		id := row.ID
		l.TokenID = &id
	}
	if err := g.store.InsertScanLog(ctx, l); err != nil {
		return fmt.Errorf("scan log: %w", err)
	}
	return nil
}

// photo loads the applicant photo; a missing or oversized file is left out.
func (g *Gateway) photo(ctx context.Context, p *model.ApplicantProfile) []byte {
	if p == nil || p.PhotoPath == "" || g.blobs == nil {
		return nil
	}
	b, err := blob.ReadAll(ctx, g.blobs, p.PhotoPath, g.opts.PhotoLimit)
	if err != nil {
		g.log.Warn("applicant photo unavailable", zap.Int64("applicant_id", p.ID), zap.Error(err))
		return nil
	}
	return b
}
