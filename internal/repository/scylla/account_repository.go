package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"erp-auth-service/internal/models"
	"erp-auth-service/internal/util"
)

type AccountRepository struct {
	client *ScyllaClient
}

func NewAccountRepository(client *ScyllaClient, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{
		client: client,
	}
}

// CreateAccount claims both identifier hashes via conditional inserts and
// then writes the account row. The identifier claim is the uniqueness
// check; a lost claim means someone else registered that contact first.
func (r *AccountRepository) CreateAccount(account *models.Account) error {
	if account.AccountID == "" {
		account.AccountID = uuid.New().String()
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = &now

	applied, err := r.claimIdentifier(r.client.Prepared.ClaimEmailHash,
		account.EmailHash, account.AccountBucket, account.AccountID, now)
	if err != nil {
		return fmt.Errorf("failed to claim email hash: %w", err)
	}
	if !applied {
		return ErrIdentifierTaken
	}

	applied, err = r.claimIdentifier(r.client.Prepared.ClaimMobileHash,
		account.MobileHash, account.AccountBucket, account.AccountID, now)
	if err != nil {
		return fmt.Errorf("failed to claim mobile hash: %w", err)
	}
	if !applied {
		// Release the email claim so a retry with a different mobile works.
		if delErr := r.client.Session.Query(
			`DELETE FROM email_to_account WHERE email_hash = ?`, account.EmailHash).Exec(); delErr != nil {
			util.Warn("Failed to release email claim after mobile conflict",
				zap.String("account_id", account.AccountID),
				zap.Error(delErr))
		}
		return ErrIdentifierTaken
	}

	query := r.client.Prepared.CreateAccount.Bind(
		account.AccountBucket, account.AccountID, account.EmailHash,
		account.EmailEncrypted, account.EmailKeyID, account.MobileHash,
		account.MobileEncrypted, account.MobileKeyID, account.PasswordHash,
		account.Role, account.Requires2FA, account.EmailVerified,
		account.EmailVerifiedAt, account.MobileVerified, account.MobileVerifiedAt,
		account.Locked, account.LockedUntil, account.LockReason,
		account.FailedAttempts, account.TokenEpoch, account.Active,
		account.CreatedAt, account.UpdatedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create account",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to create account: %w", err)
	}

	util.Info("Account created successfully",
		zap.String("account_id", account.AccountID),
		zap.String("role", account.Role))

	return nil
}

func (r *AccountRepository) claimIdentifier(stmt *gocql.Query, hash string, bucket int, accountID string, now time.Time) (bool, error) {
	query := stmt.Bind(hash, bucket, accountID, now)
	return query.MapScanCAS(map[string]interface{}{})
}

func (r *AccountRepository) GetAccountByID(bucket int, accountID string) (*models.Account, error) {
	account := &models.Account{}

	query := r.client.Prepared.GetAccountByID.Bind(bucket, accountID)

	err := r.client.ScanWithRetry(query,
		&account.AccountBucket, &account.AccountID, &account.EmailHash,
		&account.EmailEncrypted, &account.EmailKeyID, &account.MobileHash,
		&account.MobileEncrypted, &account.MobileKeyID, &account.PasswordHash,
		&account.Role, &account.Requires2FA, &account.EmailVerified,
		&account.EmailVerifiedAt, &account.MobileVerified, &account.MobileVerifiedAt,
		&account.Locked, &account.LockedUntil, &account.LockReason,
		&account.FailedAttempts, &account.TokenEpoch, &account.Active,
		&account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get account by ID",
			zap.String("account_id", accountID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get account by ID: %w", err)
	}

	return account, nil
}

func (r *AccountRepository) ResolveEmail(emailHash string) (int, string, error) {
	return r.resolveIdentifier(r.client.Prepared.GetAccountByEmail, emailHash)
}

func (r *AccountRepository) ResolveMobile(mobileHash string) (int, string, error) {
	return r.resolveIdentifier(r.client.Prepared.GetAccountByMobile, mobileHash)
}

func (r *AccountRepository) resolveIdentifier(stmt *gocql.Query, hash string) (int, string, error) {
	var bucket int
	var accountID string

	query := stmt.Bind(hash)

	err := r.client.ScanWithRetry(query, &bucket, &accountID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return 0, "", ErrNotFound
		}
		util.Error("Failed to resolve identifier", zap.Error(err))
		return 0, "", fmt.Errorf("failed to resolve identifier: %w", err)
	}

	return bucket, accountID, nil
}

func (r *AccountRepository) UpdatePassword(bucket int, accountID, passwordHash string, tokenEpoch int64) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdatePassword.Bind(
		passwordHash, tokenEpoch, now, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update password",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to update password: %w", err)
	}

	util.Info("Password updated",
		zap.String("account_id", accountID),
		zap.Int64("token_epoch", tokenEpoch))

	return nil
}

func (r *AccountRepository) UpdateLockState(bucket int, accountID string, locked bool, lockedUntil *time.Time, reason string, failedAttempts int) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateLockState.Bind(
		locked, lockedUntil, reason, failedAttempts, now, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update lock state",
			zap.String("account_id", accountID),
			zap.Bool("locked", locked),
			zap.Error(err))
		return fmt.Errorf("failed to update lock state: %w", err)
	}

	return nil
}

func (r *AccountRepository) UpdateFailedCount(bucket int, accountID string, failedAttempts int) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateFailedCount.Bind(
		failedAttempts, now, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update failed attempt count",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to update failed attempt count: %w", err)
	}

	return nil
}

func (r *AccountRepository) UpdateTokenEpoch(bucket int, accountID string, tokenEpoch int64) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateTokenEpoch.Bind(
		tokenEpoch, now, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update token epoch",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to update token epoch: %w", err)
	}

	return nil
}

func (r *AccountRepository) UpdateRole(bucket int, accountID, role string, requires2FA bool) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateRole.Bind(
		role, requires2FA, now, bucket, accountID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to update role",
			zap.String("account_id", accountID),
			zap.String("role", role),
			zap.Error(err))
		return fmt.Errorf("failed to update role: %w", err)
	}

	util.Info("Role updated",
		zap.String("account_id", accountID),
		zap.String("role", role))

	return nil
}

func (r *AccountRepository) MarkChannelVerified(bucket int, accountID, channel string, at time.Time) error {
	now := time.Now().UTC()

	var query *gocql.Query
	switch channel {
	case "email":
		query = r.client.Prepared.MarkEmailVerified.Bind(true, at, now, bucket, accountID)
	case "mobile":
		query = r.client.Prepared.MarkMobileVerified.Bind(true, at, now, bucket, accountID)
	default:
		return fmt.Errorf("unknown verification channel: %s", channel)
	}

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to mark channel verified",
			zap.String("account_id", accountID),
			zap.String("channel", channel),
			zap.Error(err))
		return fmt.Errorf("failed to mark channel verified: %w", err)
	}

	return nil
}

func (r *AccountRepository) SetActive(bucket int, accountID string, active bool, tokenEpoch int64) error {
	now := time.Now().UTC()

	var query *gocql.Query
	if active {
		query = r.client.Prepared.ActivateAccount.Bind(true, now, bucket, accountID)
	} else {
		// Deactivation bumps the epoch so outstanding access tokens die.
		query = r.client.Prepared.DeactivateAccount.Bind(false, tokenEpoch, now, bucket, accountID)
	}

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to set account active state",
			zap.String("account_id", accountID),
			zap.Bool("active", active),
			zap.Error(err))
		return fmt.Errorf("failed to set account active state: %w", err)
	}

	return nil
}
