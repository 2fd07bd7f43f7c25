package scylla

import (
	"errors"
	"time"

	"erp-auth-service/internal/models"
)

// Storage errors the service layer branches on. Conditional updates report
// ErrConditionFailed when another writer won the race.
var (
	ErrNotFound        = errors.New("record not found")
	ErrIdentifierTaken = errors.New("identifier already registered")
	ErrConditionFailed = errors.New("conditional update not applied")
)

// AccountRepositoryInterface is the account persistence contract.
type AccountRepositoryInterface interface {
	CreateAccount(account *models.Account) error
	GetAccountByID(bucket int, accountID string) (*models.Account, error)
	ResolveEmail(emailHash string) (int, string, error)
	ResolveMobile(mobileHash string) (int, string, error)
	UpdatePassword(bucket int, accountID, passwordHash string, tokenEpoch int64) error
	UpdateLockState(bucket int, accountID string, locked bool, lockedUntil *time.Time, reason string, failedAttempts int) error
	UpdateFailedCount(bucket int, accountID string, failedAttempts int) error
	UpdateTokenEpoch(bucket int, accountID string, tokenEpoch int64) error
	UpdateRole(bucket int, accountID, role string, requires2FA bool) error
	MarkChannelVerified(bucket int, accountID, channel string, at time.Time) error
	SetActive(bucket int, accountID string, active bool, tokenEpoch int64) error
}

// OTPRepositoryInterface is the challenge persistence contract. Attempt
// accounting and consumption are compare-and-set operations.
type OTPRepositoryInterface interface {
	PutChallenge(challenge *models.OTPChallenge) error
	GetChallenge(subjectID, purpose, channel string) (*models.OTPChallenge, error)
	AdvanceAttempts(challenge *models.OTPChallenge) error
	Consume(challenge *models.OTPChallenge, at time.Time) error
	Invalidate(subjectID, purpose, channel string, at time.Time) error
}

// LoginAttemptRepositoryInterface records the append-only attempt trail.
type LoginAttemptRepositoryInterface interface {
	RecordAttempt(attempt *models.LoginAttempt) error
	ListRecent(identifierHash string, limit int) ([]*models.LoginAttempt, error)
}

// SessionRepositoryInterface manages refresh-token rotation families.
type SessionRepositoryInterface interface {
	CreateSession(session *models.RefreshSession, ttl time.Duration) error
	GetSession(sessionID string) (*models.RefreshSession, error)
	Rotate(sessionID, oldJTI, newJTI string, rotationCount int) error
	Revoke(sessionID string, at time.Time) error
}
