package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"erp-auth-service/internal/client"
	"erp-auth-service/internal/util"
)

const (
	cooldownPrefix = "otp_cooldown:"
)

// OTPCache enforces reissue cooldowns. The SETNX claim is the gate: whoever
// sets the key first owns the cooldown window.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

func cooldownKey(subjectID, purpose, channel string) string {
	return fmt.Sprintf("%s%s:%s:%s", cooldownPrefix, subjectID, purpose, channel)
}

// StartCooldown claims the cooldown slot. Returns false when a cooldown is
// already running, meaning the caller must refuse to issue.
func (c *OTPCache) StartCooldown(subjectID, purpose, channel string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := cooldownKey(subjectID, purpose, channel)

	claimed, err := c.client.SetNX(ctx, key, "1", ttl)
	if err != nil {
		util.Error("Failed to start issue cooldown",
			zap.String("subject_id", subjectID),
			zap.String("purpose", purpose),
			zap.Error(err))
		return false, fmt.Errorf("failed to start issue cooldown: %w", err)
	}

	return claimed, nil
}

// CooldownRemaining reports how long until another issue is allowed. Zero
// means no cooldown is active.
func (c *OTPCache) CooldownRemaining(subjectID, purpose, channel string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := cooldownKey(subjectID, purpose, channel)

	ttl, err := c.client.TTL(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read cooldown ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}

	return ttl, nil
}

func (c *OTPCache) ClearCooldown(subjectID, purpose, channel string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := cooldownKey(subjectID, purpose, channel)

	if err := c.client.Del(ctx, key); err != nil {
		util.Error("Failed to clear issue cooldown",
			zap.String("subject_id", subjectID),
			zap.String("purpose", purpose),
			zap.Error(err))
		return fmt.Errorf("failed to clear issue cooldown: %w", err)
	}

	return nil
}
