package models

import "time"

// Account roles, ordered by rank. Role transitions require a caller whose
// own role outranks both the target's current and requested role.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// RoleRank returns the ordering used for role-transition checks. Unknown
// roles rank below everything.
func RoleRank(role string) int {
	switch role {
	case RoleSuperAdmin:
		return 3
	case RoleAdmin:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// Account is the identity and security state for one user. Contact details
// are stored as lookup hashes plus KMS-encrypted ciphertext; the password
// hash is an encoded argon2id string set only by the credential service.
type Account struct {
	AccountBucket int    `db:"account_bucket"`
	AccountID     string `db:"account_id"`

	EmailHash       string `db:"email_hash"`
	EmailEncrypted  []byte `db:"email_encrypted"`
	EmailKeyID      string `db:"email_key_id"`
	MobileHash      string `db:"mobile_hash"`
	MobileEncrypted []byte `db:"mobile_encrypted"`
	MobileKeyID     string `db:"mobile_key_id"`

	PasswordHash string `db:"password_hash"`

	Role        string `db:"role"`
	Requires2FA bool   `db:"requires_2fa"`

	EmailVerified    bool       `db:"email_verified"`
	EmailVerifiedAt  *time.Time `db:"email_verified_at"`
	MobileVerified   bool       `db:"mobile_verified"`
	MobileVerifiedAt *time.Time `db:"mobile_verified_at"`

	Locked      bool       `db:"locked"`
	LockedUntil *time.Time `db:"locked_until"`
	LockReason  string     `db:"lock_reason"`

	FailedAttempts int `db:"failed_attempts"`

	// TokenEpoch invalidates all outstanding access tokens when bumped.
	TokenEpoch int64 `db:"token_epoch"`

	Active    bool       `db:"active"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt *time.Time `db:"updated_at"`
}

// IsLockedAt reports whether the account is locked as of now. A lock whose
// locked_until has passed is treated as released even before the flag is
// cleared in storage.
func (a *Account) IsLockedAt(now time.Time) bool {
	if !a.Locked || a.LockedUntil == nil {
		return false
	}
	return now.Before(*a.LockedUntil)
}

// ChannelVerified reports verification state for one contact channel.
func (a *Account) ChannelVerified(channel string) bool {
	switch channel {
	case "email":
		return a.EmailVerified
	case "mobile":
		return a.MobileVerified
	default:
		return false
	}
}
