package models

import "time"

// RefreshSession tracks one rotation family of refresh tokens. Each refresh
// replaces CurrentJTI; presenting a jti that is no longer current means the
// token was already rotated out (replay). Access tokens are never persisted.
type RefreshSession struct {
	SessionID string `db:"session_id"`
	AccountID string `db:"account_id"`

	CurrentJTI    string `db:"current_jti"`
	RotationCount int    `db:"rotation_count"`

	IssuedAt  time.Time `db:"issued_at"`
	ExpiresAt time.Time `db:"expires_at"`

	Revoked   bool       `db:"revoked"`
	RevokedAt *time.Time `db:"revoked_at"`
}

// TokenPair is the session-bearing artifact handed to clients.
type TokenPair struct {
	AccessToken      string        `json:"access_token"`
	RefreshToken     string        `json:"refresh_token"`
	AccessExpiresIn  time.Duration `json:"access_expires_in"`
	RefreshExpiresIn time.Duration `json:"refresh_expires_in"`
	TokenType        string        `json:"token_type"`
}
