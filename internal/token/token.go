// Package token issues and resolves encrypted QR verification tokens.
//
// A token is the AES-CBC encryption of a canonical JSON payload binding an
// application to a document hash and an expiry. The persisted token row is the
// authority for revocation and expiry; the payload expiry must agree with it.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gowebpki/jcs"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/crypto"
	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/kvstore"
	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/repository"
)

const (
	qrCacheTTL    = 24 * time.Hour
	qrCachePrefix = "qr:"
)

// Payload is the decrypted token content.
type Payload struct {
	ApplicationID int64     `json:"applicationId"`
	DocumentHash  string    `json:"documentHash"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiryDate    time.Time `json:"expiryDate"`
	Nonce         string    `json:"nonce"`
}

// IssueStore is the subset of queries IssueToken needs; it accepts the
// transactional view so issuance joins the caller's unit of work.
type IssueStore interface {
	GetApplication(ctx context.Context, id int64) (*model.Application, error)
	InsertToken(ctx context.Context, t *model.QRToken) error
	SetQRToken(ctx context.Context, id int64, token string, expiresAt time.Time) error
}

// Options tunes token lifetime and QR rendering.
type Options struct {
	Validity            time.Duration
	VerificationBaseURL string
	QRImageSize         int
}

// Service issues, decrypts, renders and revokes tokens.
type Service struct {
	cipher *crypto.Cipher
	store  repository.Store
	cache  kvstore.Store
	opts   Options
	log    *zap.Logger
	now    func() time.Time
}

// New constructs a token service.
func New(c *crypto.Cipher, store repository.Store, cache kvstore.Store, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QRImageSize <= 0 {
		opts.QRImageSize = 256
	}
	return &Service{cipher: c, store: store, cache: cache, opts: opts, log: log, now: time.Now}
}

// Encrypt canonicalizes p and encrypts it.
func (s *Service) Encrypt(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("token: canonicalize: %w", err)
	}
	return s.cipher.EncryptString(string(canon))
}

// Open decrypts and parses a token without consulting the store.
// It returns nil for anything not produced by Encrypt.
func (s *Service) Open(token string) *Payload {
	plain, err := s.cipher.DecryptString(token)
	if err != nil {
		return nil
	}
	var p Payload
	dec := json.NewDecoder(strings.NewReader(plain))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil || p.ApplicationID <= 0 || p.DocumentHash == "" || p.Nonce == "" {
		return nil
	}
	return &p
}

// Issued is the result of IssueToken.
type Issued struct {
	Token     string
	ExpiresAt time.Time
	RowID     int64
}

// IssueToken mints a token for appID bound to documentHash, persists it and
// records it as the application's current token.
func (s *Service) IssueToken(ctx context.Context, q IssueStore, appID int64, documentHash string) (*Issued, error) {
	if _, err := q.GetApplication(ctx, appID); err != nil {
		return nil, err
	}
	nonce, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().Truncate(time.Second)
	p := Payload{
		ApplicationID: appID,
		DocumentHash:  documentHash,
		IssuedAt:      now,
		ExpiryDate:    now.Add(s.opts.Validity),
		Nonce:         nonce.String(),
	}
	enc, err := s.Encrypt(p)
	if err != nil {
		return nil, err
	}
	row := &model.QRToken{ApplicationID: appID, Token: enc, IssuedAt: p.IssuedAt, ExpiresAt: p.ExpiryDate}
	if err := q.InsertToken(ctx, row); err != nil {
		return nil, fmt.Errorf("token: persist: %w", err)
	}
	if err := q.SetQRToken(ctx, appID, enc, p.ExpiryDate); err != nil {
		return nil, err
	}
	s.log.Info("token issued", zap.Int64("application_id", appID), zap.Int64("token_id", row.ID),
		zap.Time("expires_at", p.ExpiryDate))
	return &Issued{Token: enc, ExpiresAt: p.ExpiryDate, RowID: row.ID}, nil
}

// Resolve decrypts token and checks its row. The payload is nil when the token
// is unusable; row is set whenever a persisted row matches the exact string.
// Only infrastructure failures are returned as errors.
func (s *Service) Resolve(ctx context.Context, token string) (*Payload, *model.QRToken, error) {
	p := s.Open(token)
	if p == nil {
		s.log.Warn("token rejected", zap.String("reason", "decrypt or parse failed"))
		return nil, nil, nil
	}
	row, err := s.store.GetTokenByValue(ctx, token)
	if errors.Is(err, errs.ErrNotFound) {
		s.log.Warn("token rejected", zap.String("reason", "no persisted row"), zap.Int64("application_id", p.ApplicationID))
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	switch {
	case row.IsRevoked:
		s.log.Warn("token rejected", zap.String("reason", "row revoked"), zap.Int64("token_id", row.ID))
		return nil, row, nil
	case row.ExpiresAt.Before(now), p.ExpiryDate.Before(now):
		s.log.Info("token rejected", zap.String("reason", "expired"), zap.Int64("token_id", row.ID))
		return nil, row, nil
	case row.ApplicationID != p.ApplicationID:
		s.log.Warn("token rejected", zap.String("reason", "row and payload disagree"), zap.Int64("token_id", row.ID))
		return nil, row, nil
	}
	return p, row, nil
}

// DecryptToken returns the payload of a live token, or nil.
func (s *Service) DecryptToken(ctx context.Context, token string) (*Payload, error) {
	p, _, err := s.Resolve(ctx, token)
	return p, err
}

// VerificationURL is the link encoded into a token's QR symbol.
func (s *Service) VerificationURL(token string) string {
	return withQuery(s.opts.VerificationBaseURL, "t", token)
}

func withQuery(base, key, value string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + key + "=" + url.QueryEscape(value)
}

// RenderQRImage returns a PNG QR symbol (ECC Q) of the token's verification URL.
func (s *Service) RenderQRImage(ctx context.Context, token string) ([]byte, error) {
	key := qrCachePrefix + crypto.SHA256Hex([]byte(token))
	if s.cache != nil {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			return b, nil
		} else if err != nil {
			s.log.Warn("qr cache get", zap.Error(err))
		}
	}
	png, err := qrcode.Encode(s.VerificationURL(token), qrcode.High, s.opts.QRImageSize)
	if err != nil {
		return nil, fmt.Errorf("token: render qr: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, png, qrCacheTTL); err != nil {
			s.log.Warn("qr cache set", zap.Error(err))
		}
	}
	return png, nil
}

// SealMark renders the QR placed on the sealed page. It links to the
// application by number; the authoritative token is bound to the sealed
// bytes and is delivered alongside the document.
func (s *Service) SealMark(applicationNumber string) ([]byte, error) {
	png, err := qrcode.Encode(withQuery(s.opts.VerificationBaseURL, "app", applicationNumber), qrcode.High, s.opts.QRImageSize)
	if err != nil {
		return nil, fmt.Errorf("token: render seal mark: %w", err)
	}
	return png, nil
}

// Revoke flags the application's QR as revoked and revokes every token row.
func (s *Service) Revoke(ctx context.Context, appID int64, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("revoke: reason is required: %w", errs.ErrInvalidInput)
	}
	var current string
	err := s.store.WithinTx(ctx, func(q repository.Queries) error {
		a, err := q.LockApplication(ctx, appID)
		if err != nil {
			return err
		}
		current = a.QRToken
		n, err := q.RevokeTokens(ctx, appID, reason, s.now())
		if err != nil {
			return err
		}
		if err := q.SetQRRevoked(ctx, appID); err != nil {
			return err
		}
		s.log.Info("tokens revoked", zap.Int64("application_id", appID), zap.Int64("rows", n), zap.String("reason", reason))
		return nil
	})
	if err != nil {
		return err
	}
	if current != "" && s.cache != nil {
		_ = s.cache.Delete(ctx, qrCachePrefix+crypto.SHA256Hex([]byte(current)))
	}
	return nil
}
