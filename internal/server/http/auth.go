package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/model"
)

// Identity is the authenticated officer behind a request.
type Identity struct {
	UserID uuid.UUID
	Roles  model.Roles
}

type ctxKey string

const identityKey ctxKey = "attest.identity"

// WithIdentity stores the authenticated identity in context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromCtx fetches the identity stored by Authenticate.
func IdentityFromCtx(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Claims are the officer bearer token claims. Tokens are minted by the
// identity provider; this service only verifies them.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// identify verifies "Authorization: Bearer <JWT>" (HS256) and returns sub and roles.
func (s *Server) identify(r *http.Request) (Identity, error) {
	tok, err := bearerToken(r)
	if err != nil {
		return Identity{}, err
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.opts.JWTKey, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return Identity{}, errors.New("invalid token")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return Identity{}, errors.New("bad subject")
	}
	return Identity{UserID: id, Roles: model.ParseRoles(claims.Roles)}, nil
}

func bearerToken(r *http.Request) (string, error) {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		if t := strings.TrimSpace(v[7:]); t != "" {
			return t, nil
		}
	}
	return "", errors.New("no bearer token")
}

// Authenticate rejects requests without a valid officer bearer token.
func (s *Server) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identify(r)
		if err != nil {
			s.log.Debug("unauthenticated request", zap.String("path", r.URL.Path), zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, failure("authentication required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireRole admits identities holding at least one of roles.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromCtx(r.Context())
			if ok {
				for _, role := range roles {
					if id.Roles.Has(role) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeJSON(w, http.StatusForbidden, failure("forbidden"))
		})
	}
}
