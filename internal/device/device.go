// Package device implements mobile device trust: app-signed registration with
// per-officer quotas, and per-request HMAC validation inside a replay window.
package device

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/crypto"
	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/kvstore"
	"github.com/and161185/doc-attest/internal/limiter"
	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/repository"
)

// Caller-facing messages.
const (
	MsgBadTimestamp     = "Invalid timestamp format"
	MsgTimestampExpired = "Request timestamp expired"
	MsgBadSignature     = "Invalid signature"
	MsgNotRegistered    = "Device not registered"
	MsgDeactivated      = "Device is deactivated"
	MsgTokenExpired     = "Device token expired. Please re-register."
	MsgAppSignature     = "App signature validation failed. Please use the official app."
	MsgRevoked          = "This device has been revoked for security reasons."
	MsgTooManyAttempts  = "Too many failed registration attempts. Please try again later."
	MsgRegistered       = "Device registered successfully"
	MsgReRegistered     = "Device re-registered successfully"

	userDeactivationReason = "Deactivated by user"
	tokenBytes             = 64
	noncePrefix            = "nonce:"
)

// Options configures the trust protocol.
type Options struct {
	AppSecret         string
	AppIdentifier     string
	MinVersion        *semver.Version
	TokenValidity     time.Duration
	MaxDevicesPerUser int
	ReplayWindow      time.Duration
}

// RegisterRequest is what the mobile app submits to enrol a device.
type RegisterRequest struct {
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	Platform     string `json:"platform"`
	OSVersion    string `json:"osVersion"`
	AppVersion   string `json:"appVersion"`
	AppSignature string `json:"appSignature"`
}

// Registration is returned once; the plaintext token is never shown again.
type Registration struct {
	ID        int64
	Token     string
	ExpiresAt time.Time
	Message   string
}

// Service registers, validates and revokes devices.
type Service struct {
	store   repository.Store
	box     *crypto.SecretBox
	nonces  kvstore.Store
	limiter limiter.Limiter
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

// New constructs a device trust service.
func New(store repository.Store, box *crypto.SecretBox, nonces kvstore.Store, lim limiter.Limiter, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MinVersion == nil {
		opts.MinVersion = semver.MustParse("0.0.0")
	}
	return &Service{store: store, box: box, nonces: nonces, limiter: lim, opts: opts, log: log, now: time.Now}
}

// AppSignature is the value an official build sends for deviceID.
func AppSignature(secret, appIdentifier, deviceID string) string {
	return crypto.Sign(secret, appIdentifier, deviceID)
}

// RequestSignature signs one verification call.
func RequestSignature(secret, deviceToken, timestamp, nonce string) string {
	return crypto.Sign(secret, deviceToken, timestamp, nonce)
}

// Register enrols or re-enrols a device for userID and returns a fresh token.
func (s *Service) Register(ctx context.Context, userID uuid.UUID, req RegisterRequest, ip string) (*Registration, error) {
	if strings.TrimSpace(req.DeviceID) == "" {
		return nil, errs.Reject(errs.ErrInvalidInput, "Device id is required")
	}
	subject := userID.String()
	ipHash := limiter.HashIP(ip)
	if s.limiter != nil {
		ok, retry, err := s.limiter.Allow(ctx, subject, ipHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Warn("device registration blocked", zap.String("user_id", subject), zap.Duration("retry_after", retry))
			return nil, errs.Reject(errs.ErrRateLimited, MsgTooManyAttempts)
		}
	}

	v, err := semver.NewVersion(req.AppVersion)
	if err != nil {
		return nil, errs.Reject(errs.ErrInvalidInput, fmt.Sprintf("Invalid app version %q", req.AppVersion))
	}
	if v.LessThan(s.opts.MinVersion) {
		return nil, errs.Reject(errs.ErrInvalidInput,
			fmt.Sprintf("App version %s is outdated. Minimum required: %s", req.AppVersion, s.opts.MinVersion.Original()))
	}

	if !crypto.VerifySignature(s.opts.AppSecret, req.AppSignature, s.opts.AppIdentifier, req.DeviceID) {
		s.log.Warn("device registration rejected",
			zap.String("user_id", subject),
			zap.String("device_id", req.DeviceID),
			zap.String("reason", "app signature mismatch"))
		if s.limiter != nil {
			if _, _, err := s.limiter.Failure(ctx, subject, ipHash); err != nil {
				s.log.Error("registration limiter failure", zap.Error(err))
			}
		}
		return nil, errs.Reject(errs.ErrIntegrity, MsgAppSignature)
	}

	var out *Registration
	err = s.store.WithinTx(ctx, func(q repository.Queries) error {
		// serializes concurrent registrations of the same officer
		officer, err := q.LockOfficer(ctx, userID)
		if err != nil {
			return err
		}
		if !officer.IsActive {
			return fmt.Errorf("officer %s inactive: %w", subject, errs.ErrNotAuthorized)
		}
		devices, err := q.ListDevices(ctx, userID)
		if err != nil {
			return err
		}
		var existing *model.Device
		active := 0
		for i := range devices {
			d := &devices[i]
			if d.IsActive && !d.IsRevoked {
				active++
			}
			if d.DeviceID == req.DeviceID {
				existing = d
			}
		}
		if existing != nil && existing.IsRevoked {
			return errs.RejectDetail(errs.ErrNotAuthorized, MsgRevoked, "revoked: "+existing.RevocationReason)
		}
		if (existing == nil || !existing.IsActive) && active >= s.opts.MaxDevicesPerUser {
			return errs.Reject(errs.ErrQuotaExceeded,
				fmt.Sprintf("Maximum device limit (%d) reached. Please deactivate an existing device.", s.opts.MaxDevicesPerUser))
		}

		token, hash, sealed, err := s.mintToken()
		if err != nil {
			return err
		}
		now := s.now()
		d := model.Device{
			UserID:        userID,
			DeviceID:      req.DeviceID,
			DeviceName:    req.DeviceName,
			Platform:      req.Platform,
			OSVersion:     req.OSVersion,
			AppVersion:    req.AppVersion,
			TokenEnc:      sealed,
			TokenHash:     hash,
			TokenExpiry:   now.Add(s.opts.TokenValidity),
			RegisteredAt:  now,
			LastIPAddress: ip,
		}
		msg := MsgRegistered
		if existing != nil {
			d.ID = existing.ID
			if err := q.RotateDevice(ctx, &d); err != nil {
				return err
			}
			msg = MsgReRegistered
		} else if err := q.InsertDevice(ctx, &d); err != nil {
			return err
		}
		out = &Registration{ID: d.ID, Token: token, ExpiresAt: d.TokenExpiry, Message: msg}
		return nil
	})
	if err != nil {
		var o *errs.Outcome
		if errors.As(err, &o) {
			s.log.Warn("device registration rejected", zap.String("user_id", subject),
				zap.String("device_id", req.DeviceID), zap.String("reason", o.Error()))
		}
		return nil, err
	}
	if s.limiter != nil {
		if err := s.limiter.Success(ctx, subject, ipHash); err != nil {
			s.log.Error("registration limiter reset", zap.Error(err))
		}
	}
	s.log.Info("device registered", zap.String("user_id", subject), zap.Int64("device", out.ID), zap.String("result", out.Message))
	return out, nil
}

func (s *Service) mintToken() (token, hash string, sealed []byte, err error) {
	raw, err := crypto.RandBytes(tokenBytes)
	if err != nil {
		return "", "", nil, err
	}
	token = base64.StdEncoding.EncodeToString(raw)
	sealed, err = s.box.Seal([]byte(token))
	if err != nil {
		return "", "", nil, err
	}
	return token, crypto.SHA256Hex([]byte(token)), sealed, nil
}

// ValidateDevice authenticates one signed request and returns the device.
// Failures are *errs.Outcome values with generic messages; the detailed
// reason is logged.
func (s *Service) ValidateDevice(ctx context.Context, deviceToken, signature, timestamp, nonce string) (*model.Device, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return nil, s.deny(errs.ErrInvalidInput, MsgBadTimestamp, "unparsable timestamp")
	}
	now := s.now()
	skew := now.Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.opts.ReplayWindow {
		return nil, s.deny(errs.ErrIntegrity, MsgTimestampExpired, "skew "+skew.String())
	}
	if !crypto.VerifySignature(s.opts.AppSecret, signature, deviceToken, timestamp, nonce) {
		return nil, s.deny(errs.ErrIntegrity, MsgBadSignature, "signature mismatch")
	}

	hash := crypto.SHA256Hex([]byte(deviceToken))
	d, err := s.store.GetDeviceByTokenHash(ctx, hash)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, s.deny(errs.ErrIntegrity, MsgNotRegistered, "unknown token hash")
	}
	if err != nil {
		return nil, err
	}
	switch {
	case d.IsRevoked:
		return nil, s.deny(errs.ErrIntegrity, MsgDeactivated, fmt.Sprintf("device %d revoked: %s", d.ID, d.RevocationReason))
	case !d.IsActive:
		return nil, s.deny(errs.ErrIntegrity, MsgDeactivated, fmt.Sprintf("device %d inactive", d.ID))
	case d.TokenExpiry.Before(now):
		return nil, s.deny(errs.ErrIntegrity, MsgTokenExpired, fmt.Sprintf("device %d token expired", d.ID))
	}

	if nonce == "" {
		return nil, s.deny(errs.ErrIntegrity, MsgBadSignature, "empty nonce")
	}
	fresh, err := s.nonces.Claim(ctx, noncePrefix+hash+":"+nonce, 2*s.opts.ReplayWindow)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, s.deny(errs.ErrIntegrity, MsgBadSignature, fmt.Sprintf("device %d nonce replayed", d.ID))
	}
	return d, nil
}

func (s *Service) deny(kind error, msg, detail string) error {
	s.log.Warn("device validation failed", zap.String("result", msg), zap.String("reason", detail))
	return errs.RejectDetail(kind, msg, detail)
}

// Touch records a successful verification by the device.
func (s *Service) Touch(ctx context.Context, id int64, ip string) error {
	return s.store.TouchDevice(ctx, id, s.now(), ip)
}

// ListDevices returns the officer's devices, newest first.
func (s *Service) ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	return s.store.ListDevices(ctx, userID)
}

// Deactivate revokes one of the caller's own devices.
func (s *Service) Deactivate(ctx context.Context, id int64, userID uuid.UUID) error {
	d, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if d.UserID != userID {
		// indistinguishable from a missing device
		return fmt.Errorf("device %d: %w", id, errs.ErrNotFound)
	}
	if err := s.store.RevokeDevice(ctx, id, userDeactivationReason); err != nil {
		return err
	}
	s.log.Info("device deactivated", zap.Int64("device", id), zap.String("user_id", userID.String()))
	return nil
}

// RevokeDevice permanently disables a device. There is no reverse operation.
func (s *Service) RevokeDevice(ctx context.Context, id int64, reason string, admin uuid.UUID) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("revoke device: reason is required: %w", errs.ErrInvalidInput)
	}
	if err := s.store.RevokeDevice(ctx, id, reason); err != nil {
		return err
	}
	s.log.Warn("device revoked", zap.Int64("device", id), zap.String("admin", admin.String()), zap.String("reason", reason))
	return nil
}
