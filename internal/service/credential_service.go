package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"erp-auth-service/internal/bucketing"
	"erp-auth-service/internal/config"
	"erp-auth-service/internal/encryption"
	"erp-auth-service/internal/hashing"
	"erp-auth-service/internal/models"
	"erp-auth-service/internal/repository/scylla"
	"erp-auth-service/internal/util"
)

// CredentialService owns account records and everything derived from
// secrets: password hashes, identifier lookup hashes, encrypted contact
// details, lock state and role transitions.
type CredentialService struct {
	accountRepo   scylla.AccountRepositoryInterface
	hasher        *hashing.Hasher
	encryptionMgr *encryption.EncryptionManager
	bucketingMgr  *bucketing.BucketingManager
	policy        config.PolicyConfig
	now           Clock
}

func NewCredentialService(
	accountRepo scylla.AccountRepositoryInterface,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	bucketingMgr *bucketing.BucketingManager,
	policy config.PolicyConfig,
	now Clock,
) *CredentialService {
	if now == nil {
		now = UTCNow
	}
	return &CredentialService{
		accountRepo:   accountRepo,
		hasher:        hasher,
		encryptionMgr: encryptionMgr,
		bucketingMgr:  bucketingMgr,
		policy:        policy,
		now:           now,
	}
}

// IdentifierHash produces the deterministic lookup hash for an email or
// mobile number. Emails are lowercased first so lookups are
// case-insensitive; mobiles are stripped of formatting.
func (s *CredentialService) IdentifierHash(identifier string) string {
	normalized := identifier
	if strings.Contains(identifier, "@") {
		normalized = util.NormalizeEmail(identifier)
	} else {
		normalized = util.NormalizeMobile(identifier)
	}

	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:])
}

// CreateAccount registers a new inactive account. Both identifiers must be
// unclaimed; the password must satisfy the policy before hashing.
func (s *CredentialService) CreateAccount(ctx context.Context, email, mobile, password, role string) (*models.Account, error) {
	email = util.NormalizeEmail(email)
	mobile = util.NormalizeMobile(mobile)

	if !util.IsValidEmail(email) {
		return nil, fmt.Errorf("%w: malformed email", ErrValidation)
	}
	if !util.IsValidMobile(mobile) {
		return nil, fmt.Errorf("%w: malformed mobile number", ErrValidation)
	}
	if role == "" {
		role = models.RoleUser
	}
	if models.RoleRank(role) == 0 {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	if err := hashing.CheckPasswordPolicy(password, s.policy.PasswordMinLength); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}

	passwordHash, err := s.hasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	emailBlob, emailKeyID, err := s.encryptionMgr.Seal(ctx, email, "contact")
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt email: %w", err)
	}
	mobileBlob, mobileKeyID, err := s.encryptionMgr.Seal(ctx, mobile, "contact")
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt mobile: %w", err)
	}

	account := &models.Account{
		EmailHash:       s.IdentifierHash(email),
		EmailEncrypted:  emailBlob,
		EmailKeyID:      emailKeyID,
		MobileHash:      s.IdentifierHash(mobile),
		MobileEncrypted: mobileBlob,
		MobileKeyID:     mobileKeyID,
		PasswordHash:    passwordHash.Encode(),
		Role:            role,
		Requires2FA:     s.policy.Require2FARoles[role],
		TokenEpoch:      1,
		Active:          false,
	}
	// The bucket is derived from the ID, so the ID is assigned here rather
	// than by the repository.
	account.AccountID = uuid.New().String()
	account.AccountBucket = s.bucketingMgr.AccountBucket(account.AccountID)

	if err := s.accountRepo.CreateAccount(account); err != nil {
		if errors.Is(err, scylla.ErrIdentifierTaken) {
			return nil, ErrDuplicateIdentifier
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	util.Info("Account registered",
		zap.String("account_id", account.AccountID),
		zap.String("role", account.Role))

	return account, nil
}

// GetByIdentifier resolves either contact identifier to the full account.
func (s *CredentialService) GetByIdentifier(identifier string) (*models.Account, error) {
	hash := s.IdentifierHash(identifier)

	var bucket int
	var accountID string
	var err error

	if strings.Contains(identifier, "@") {
		bucket, accountID, err = s.accountRepo.ResolveEmail(hash)
	} else {
		bucket, accountID, err = s.accountRepo.ResolveMobile(hash)
	}
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	account, err := s.accountRepo.GetAccountByID(bucket, accountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return account, nil
}

func (s *CredentialService) GetByID(accountID string) (*models.Account, error) {
	bucket := s.bucketingMgr.AccountBucket(accountID)

	account, err := s.accountRepo.GetAccountByID(bucket, accountID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return account, nil
}

// VerifyPassword checks a candidate password against the stored hash. The
// comparison inside the hasher is constant time.
func (s *CredentialService) VerifyPassword(account *models.Account, password string) (bool, error) {
	stored, err := hashing.DecodeHashResult(account.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("stored password hash unreadable: %w", err)
	}

	return s.hasher.VerifyPassword(password, stored)
}

// SetPassword replaces the password and bumps the token epoch so every
// outstanding access token dies with the old credential.
func (s *CredentialService) SetPassword(ctx context.Context, account *models.Account, newPassword string) error {
	if err := hashing.CheckPasswordPolicy(newPassword, s.policy.PasswordMinLength); err != nil {
		return fmt.Errorf("%w: %v", ErrWeakPassword, err)
	}

	hashResult, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	newEpoch := account.TokenEpoch + 1
	if err := s.accountRepo.UpdatePassword(account.AccountBucket, account.AccountID, hashResult.Encode(), newEpoch); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	account.PasswordHash = hashResult.Encode()
	account.TokenEpoch = newEpoch

	util.Info("Password changed",
		zap.String("account_id", account.AccountID),
		zap.Int64("token_epoch", newEpoch))

	return nil
}

// MarkChannelVerified records a verified contact channel and activates the
// account once every required channel is verified.
func (s *CredentialService) MarkChannelVerified(account *models.Account, channel string) (activated bool, err error) {
	at := s.now()

	if err := s.accountRepo.MarkChannelVerified(account.AccountBucket, account.AccountID, channel, at); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch channel {
	case config.ChannelEmail:
		account.EmailVerified = true
		account.EmailVerifiedAt = &at
	case config.ChannelMobile:
		account.MobileVerified = true
		account.MobileVerifiedAt = &at
	}

	if account.Active {
		return false, nil
	}

	for _, required := range s.policy.RequiredChannels {
		if !account.ChannelVerified(required) {
			return false, nil
		}
	}

	if err := s.accountRepo.SetActive(account.AccountBucket, account.AccountID, true, account.TokenEpoch); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	account.Active = true

	util.Info("Account activated", zap.String("account_id", account.AccountID))
	return true, nil
}

// ApplyLock sets a timed lock on the account.
func (s *CredentialService) ApplyLock(account *models.Account, duration time.Duration, reason string, failedAttempts int) error {
	until := s.now().Add(duration)

	if err := s.accountRepo.UpdateLockState(account.AccountBucket, account.AccountID, true, &until, reason, failedAttempts); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	account.Locked = true
	account.LockedUntil = &until
	account.LockReason = reason
	account.FailedAttempts = failedAttempts

	util.Warn("Account lock applied",
		zap.String("account_id", account.AccountID),
		zap.Duration("duration", duration),
		zap.Int("failed_attempts", failedAttempts))

	return nil
}

// ReleaseLock clears lock state and the failure count.
func (s *CredentialService) ReleaseLock(account *models.Account) error {
	if err := s.accountRepo.UpdateLockState(account.AccountBucket, account.AccountID, false, nil, "", 0); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	account.Locked = false
	account.LockedUntil = nil
	account.LockReason = ""
	account.FailedAttempts = 0

	util.Info("Account lock released", zap.String("account_id", account.AccountID))
	return nil
}

// ChangeRole moves the target to a new role. The actor must outrank both
// the target's current role and the requested one.
func (s *CredentialService) ChangeRole(actor, target *models.Account, newRole string) error {
	if models.RoleRank(newRole) == 0 {
		return fmt.Errorf("%w: unknown role %q", ErrValidation, newRole)
	}
	if models.RoleRank(actor.Role) <= models.RoleRank(target.Role) ||
		models.RoleRank(actor.Role) <= models.RoleRank(newRole) {
		return ErrPermissionDenied
	}

	requires2FA := s.policy.Require2FARoles[newRole] || target.Requires2FA

	if err := s.accountRepo.UpdateRole(target.AccountBucket, target.AccountID, newRole, requires2FA); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	target.Role = newRole
	target.Requires2FA = requires2FA

	util.Info("Role changed",
		zap.String("account_id", target.AccountID),
		zap.String("role", newRole),
		zap.String("changed_by", actor.AccountID))

	return nil
}
