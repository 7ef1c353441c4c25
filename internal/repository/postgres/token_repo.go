package postgres

import (
	"context"
	"time"

	"github.com/and161185/doc-attest/internal/model"
)

// InsertToken persists an issued token.
func (r queries) InsertToken(ctx context.Context, t *model.QRToken) error {
	const q = `
INSERT INTO qr_tokens (application_id, token, issued_at, expires_at)
VALUES ($1, $2, $3, $4)
RETURNING id`
	return r.q.QueryRow(ctx, q, t.ApplicationID, t.Token, t.IssuedAt, t.ExpiresAt).Scan(&t.ID)
}

// GetTokenByValue selects a token row by its encrypted value.
func (r queries) GetTokenByValue(ctx context.Context, token string) (*model.QRToken, error) {
	const q = `
SELECT id, application_id, token, issued_at, expires_at, is_revoked, revoked_at, revocation_reason
FROM qr_tokens WHERE token = $1`
	var t model.QRToken
	err := r.q.QueryRow(ctx, q, token).Scan(&t.ID, &t.ApplicationID, &t.Token, &t.IssuedAt, &t.ExpiresAt,
		&t.IsRevoked, &t.RevokedAt, &t.RevocationReason)
	if err != nil {
		return nil, notFound(err, "token")
	}
	return &t, nil
}

// RevokeTokens revokes every live token of an application.
func (r queries) RevokeTokens(ctx context.Context, appID int64, reason string, at time.Time) (int64, error) {
	const q = `
UPDATE qr_tokens
SET is_revoked = true, revoked_at = $3, revocation_reason = $2
WHERE application_id = $1 AND NOT is_revoked`
	tag, err := r.q.Exec(ctx, q, appID, reason, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertScanLog appends a verification attempt.
func (r queries) InsertScanLog(ctx context.Context, l *model.ScanLog) error {
	const q = `
INSERT INTO qr_scan_logs (token_id, scanned_at, ip_address, user_agent, is_valid, result)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`
	return r.q.QueryRow(ctx, q, l.TokenID, l.ScannedAt, l.IPAddress, l.UserAgent, l.IsValid, l.Result).Scan(&l.ID)
}
