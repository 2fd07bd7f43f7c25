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
	revokedJTIPrefix    = "revoked_jti:"
	revokedFamilyPrefix = "revoked_family:"
)

// RevocationCache is the fast denylist consulted on every refresh. Keys
// carry the token's remaining lifetime, so a revocation entry expires at
// the same moment the token it blocks would have.
type RevocationCache struct {
	client *client.RedisClient
}

func NewRevocationCache(client *client.RedisClient) *RevocationCache {
	return &RevocationCache{client: client}
}

// MarkRevoked adds a jti to the denylist. Returns true when this call was
// the first to revoke it. A false return on the rotation path means the
// token was already spent and the presenter is replaying it.
func (c *RevocationCache) MarkRevoked(jti string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := c.client.SetNX(ctx, revokedJTIPrefix+jti, "revoked", ttl)
	if err != nil {
		util.Error("Failed to mark token revoked",
			zap.String("jti", jti),
			zap.Error(err))
		return false, fmt.Errorf("failed to mark token revoked: %w", err)
	}

	return first, nil
}

func (c *RevocationCache) IsRevoked(jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := c.client.Exists(ctx, revokedJTIPrefix+jti)
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}

	return exists, nil
}

// RevokeFamily blocks an entire rotation family. Used when replay is
// detected so neither fork of the stolen session survives.
func (c *RevocationCache) RevokeFamily(sessionID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Set(ctx, revokedFamilyPrefix+sessionID, "revoked", ttl); err != nil {
		util.Error("Failed to revoke session family",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to revoke session family: %w", err)
	}

	util.Warn("Session family revoked",
		zap.String("session_id", sessionID))

	return nil
}

func (c *RevocationCache) IsFamilyRevoked(sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := c.client.Exists(ctx, revokedFamilyPrefix+sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to check family revocation: %w", err)
	}

	return exists, nil
}
