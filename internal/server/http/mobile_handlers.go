package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/and161185/doc-attest/internal/device"
	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/verify"
)

const (
	headerAppVersion = "X-App-Version"
	headerPlatform   = "X-Platform"
)

type registerResponse struct {
	Success     bool       `json:"success"`
	Message     string     `json:"message"`
	DeviceToken string     `json:"deviceToken,omitempty"`
	TokenExpiry *time.Time `json:"tokenExpiry,omitempty"`
	ServerTime  time.Time  `json:"serverTime"`
}

type deviceView struct {
	ID           int64      `json:"id"`
	DeviceName   string     `json:"deviceName"`
	Platform     string     `json:"platform"`
	AppVersion   string     `json:"appVersion"`
	IsActive     bool       `json:"isActive"`
	IsRevoked    bool       `json:"isRevoked"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	ScanCount    int64      `json:"scanCount"`
	TokenExpiry  time.Time  `json:"tokenExpiry"`
}

type mobileResult struct {
	*verify.Result
	VerifiedAt time.Time `json:"verifiedAt"`
}

func (s *Server) handleMobileHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "healthy",
		"serverTime":           s.now().UTC(),
		"minimumAppVersion":    s.opts.MinAppVersion,
		"allowWebVerification": s.deps.Verifier.WebEnabled(),
		"baseApiUrl":           s.opts.BaseAPIURL,
		"endpoints": map[string]string{
			"register": "/api/mobile/device/register",
			"verify":   "/api/mobile/verify",
			"status":   "/api/mobile/device/status",
		},
	})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	var req device.RegisterRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reg, err := s.deps.Devices.Register(r.Context(), id.UserID, req, clientIP(r))
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, code, registerResponse{Message: errs.Message(err, kindText(err)), ServerTime: s.now().UTC()})
		return
	}
	exp := reg.ExpiresAt
	writeJSON(w, http.StatusOK, registerResponse{
		Success:     true,
		Message:     reg.Message,
		DeviceToken: reg.Token,
		TokenExpiry: &exp,
		ServerTime:  s.now().UTC(),
	})
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromCtx(r.Context())
	devices, err := s.deps.Devices.ListDevices(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceView{
			ID:           d.ID,
			DeviceName:   d.DeviceName,
			Platform:     d.Platform,
			AppVersion:   d.AppVersion,
			IsActive:     d.IsActive,
			IsRevoked:    d.IsRevoked,
			RegisteredAt: d.RegisteredAt,
			LastUsedAt:   d.LastUsedAt,
			ScanCount:    d.ScanCount,
			TokenExpiry:  d.TokenExpiry,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) handleDeactivateDevice(w http.ResponseWriter, r *http.Request) {
	devID, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, _ := IdentityFromCtx(r.Context())
	if err := s.deps.Devices.Deactivate(r.Context(), devID, id.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, succeeded)
}

func (s *Server) handleAdminRevokeDevice(w http.ResponseWriter, r *http.Request) {
	devID, err := int64Param(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body reasonRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, _ := IdentityFromCtx(r.Context())
	if err := s.deps.Devices.RevokeDevice(r.Context(), devID, body.Reason, id.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, succeeded)
}

// handleVerifyWeb accepts ?t=<token> from a token link and ?app=<number>
// from the mark printed on a sealed page.
func (s *Server) handleVerifyWeb(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := verify.Request{QRToken: q.Get("t"), ApplicationNumber: q.Get("app")}
	res, err := s.deps.Verifier.VerifyWeb(r.Context(), req, verify.Origin{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVerifyMobile(w http.ResponseWriter, r *http.Request) {
	version := strings.TrimSpace(r.Header.Get(headerAppVersion))
	platform := strings.TrimSpace(r.Header.Get(headerPlatform))
	if version == "" || platform == "" {
		writeJSON(w, http.StatusBadRequest, mobileResult{
			Result:     &verify.Result{Message: verify.MsgMissingClientID},
			VerifiedAt: s.now().UTC(),
		})
		return
	}

	var req verify.Request
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.AppVersion = version
	req.Platform = platform

	res, err := s.deps.Verifier.VerifyMobile(r.Context(), req, verify.Origin{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mobileResult{Result: res, VerifiedAt: s.now().UTC()})
}
