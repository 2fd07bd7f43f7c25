package models

import "time"

// OTPChallenge is one outstanding or historical one-time-code challenge.
// Storage keeps exactly one row per (subject, purpose, channel); issuing a
// new challenge overwrites the prior live one. Only the code's hash is ever
// persisted.
type OTPChallenge struct {
	SubjectID string `db:"subject_id"`
	Purpose   string `db:"purpose"`
	Channel   string `db:"channel"`

	ChallengeID string `db:"challenge_id"`

	CodeHash      string `db:"code_hash"`
	CodeSalt      string `db:"code_salt"`
	PepperVersion int    `db:"pepper_version"`
	Algorithm     string `db:"algorithm"`

	IssuedAt  time.Time `db:"issued_at"`
	ExpiresAt time.Time `db:"expires_at"`

	AttemptsUsed int `db:"attempts_used"`
	AttemptsMax  int `db:"attempts_max"`

	Consumed   bool       `db:"consumed"`
	ConsumedAt *time.Time `db:"consumed_at"`
}

// IsLiveAt reports whether the challenge can still be verified: not yet
// consumed and not expired.
func (c *OTPChallenge) IsLiveAt(now time.Time) bool {
	return !c.Consumed && now.Before(c.ExpiresAt)
}
