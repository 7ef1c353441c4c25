package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/errs"
)

const maxBody = 1 << 20

type status struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func failure(msg string) status { return status{Message: msg} }

var succeeded = status{Success: true}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrNotPending), errors.Is(err, errs.ErrQuotaExceeded), errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// kindText is the generic text for an expected error without an Outcome message.
func kindText(err error) string {
	for _, k := range []error{
		errs.ErrNotFound, errs.ErrNotAuthorized, errs.ErrInvalidInput, errs.ErrIntegrity,
		errs.ErrNotPending, errs.ErrQuotaExceeded, errs.ErrAlreadyExists, errs.ErrRateLimited,
	} {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal error"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, code, failure("internal error"))
		return
	}
	s.log.Debug("request refused", zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))
	writeJSON(w, code, failure(errs.Message(err, kindText(err))))
}

// decode reads a JSON body of at most maxBody bytes into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("request body: %v: %w", err, errs.ErrInvalidInput)
	}
	return nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	n, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: %w", name, errs.ErrInvalidInput)
	}
	return n, nil
}
