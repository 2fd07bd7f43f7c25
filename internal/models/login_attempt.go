package models

import "time"

// Login attempt outcomes.
const (
	AttemptSuccess         = "success"
	AttemptBadCredentials  = "bad_credentials"
	AttemptBadSecondFactor = "bad_second_factor"
	AttemptLocked          = "locked"
	AttemptNotFound        = "not_found"
)

// LoginAttempt is one authentication event, successful or not. Rows are
// append-only; the lockout guard reads them, nothing rewrites them.
type LoginAttempt struct {
	AttemptID string `db:"attempt_id"`

	// SubjectID is empty when the identifier did not resolve to an account.
	SubjectID      string `db:"subject_id"`
	IdentifierHash string `db:"identifier_hash"`

	SourceIP  string `db:"source_ip"`
	UserAgent string `db:"user_agent"`

	Outcome     string    `db:"outcome"`
	AttemptedAt time.Time `db:"attempted_at"`
}
