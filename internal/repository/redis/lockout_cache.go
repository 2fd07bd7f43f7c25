package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"erp-auth-service/internal/client"
	"erp-auth-service/internal/util"
)

const (
	failurePrefix   = "login_fail:"
	lockPrefix      = "account_lock:"
	ipFailurePrefix = "ip_fail:"
)

// LockoutCache keeps the fast-path failure counters and lock mirrors. The
// account row in storage stays authoritative; these keys only save a
// storage read on the hot login path.
type LockoutCache struct {
	client *client.RedisClient
}

func NewLockoutCache(client *client.RedisClient) *LockoutCache {
	return &LockoutCache{client: client}
}

// RecordFailure bumps the rolling failure counter for one identifier and
// returns the new count. The window TTL starts on the first failure.
func (c *LockoutCache) RecordFailure(identifierHash string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := failurePrefix + identifierHash

	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("Failed to record login failure",
			zap.Error(err))
		return 0, fmt.Errorf("failed to record login failure: %w", err)
	}

	return int(count), nil
}

func (c *LockoutCache) FailureCount(identifierHash string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := failurePrefix + identifierHash

	countStr, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get failure count: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return 0, fmt.Errorf("invalid failure count format: %w", err)
	}

	return count, nil
}

// ResetFailures clears the counter after a successful authentication.
func (c *LockoutCache) ResetFailures(identifierHash string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, failurePrefix+identifierHash); err != nil {
		util.Error("Failed to reset failure counter", zap.Error(err))
		return fmt.Errorf("failed to reset failure counter: %w", err)
	}

	return nil
}

// SetLock mirrors an applied account lock. The TTL matches the lock's
// release time so the mirror expires exactly when the lock does.
func (c *LockoutCache) SetLock(accountID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, lockPrefix+accountID, "locked", ttl); err != nil {
		util.Error("Failed to set lock mirror",
			zap.String("account_id", accountID),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to set lock mirror: %w", err)
	}

	util.Info("Account lock mirrored",
		zap.String("account_id", accountID),
		zap.Duration("ttl", ttl))

	return nil
}

// IsLocked checks the mirror and reports the remaining lock time.
func (c *LockoutCache) IsLocked(accountID string) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := lockPrefix + accountID

	exists, err := c.client.Exists(ctx, key)
	if err != nil {
		return false, 0, fmt.Errorf("failed to check lock mirror: %w", err)
	}
	if !exists {
		return false, 0, nil
	}

	ttl, err := c.client.TTL(ctx, key)
	if err != nil {
		return true, 0, nil
	}

	return true, ttl, nil
}

func (c *LockoutCache) ClearLock(accountID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, lockPrefix+accountID); err != nil {
		util.Error("Failed to clear lock mirror",
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to clear lock mirror: %w", err)
	}

	return nil
}

// RecordIPFailure tracks failures per source address so a spray across many
// identifiers from one address still surfaces.
func (c *LockoutCache) RecordIPFailure(sourceIP string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, ipFailurePrefix+sourceIP, window)
	if err != nil {
		util.Error("Failed to record IP failure", zap.Error(err))
		return 0, fmt.Errorf("failed to record IP failure: %w", err)
	}

	return int(count), nil
}
