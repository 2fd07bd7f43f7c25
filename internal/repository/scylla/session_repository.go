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

type SessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		client: client,
	}
}

// CreateSession opens a new rotation family. The row carries a TTL so
// expired families age out of storage on their own.
func (r *SessionRepository) CreateSession(session *models.RefreshSession, ttl time.Duration) error {
	if session.SessionID == "" {
		session.SessionID = uuid.New().String()
	}

	query := r.client.Prepared.CreateSession.Bind(
		session.SessionID, session.AccountID, session.CurrentJTI,
		session.RotationCount, session.IssuedAt, session.ExpiresAt,
		session.Revoked, session.RevokedAt, int(ttl.Seconds()))

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create refresh session",
			zap.String("session_id", session.SessionID),
			zap.String("account_id", session.AccountID),
			zap.Error(err))
		return fmt.Errorf("failed to create refresh session: %w", err)
	}

	util.Info("Refresh session created",
		zap.String("session_id", session.SessionID),
		zap.String("account_id", session.AccountID),
		zap.Time("expires_at", session.ExpiresAt))

	return nil
}

func (r *SessionRepository) GetSession(sessionID string) (*models.RefreshSession, error) {
	session := &models.RefreshSession{}

	query := r.client.Prepared.GetSession.Bind(sessionID)

	err := r.client.ScanWithRetry(query,
		&session.SessionID, &session.AccountID, &session.CurrentJTI,
		&session.RotationCount, &session.IssuedAt, &session.ExpiresAt,
		&session.Revoked, &session.RevokedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get refresh session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get refresh session: %w", err)
	}

	return session, nil
}

// Rotate swaps the family's current jti under a compare-and-set. Only one
// of two concurrent refreshes carrying the same token can win.
func (r *SessionRepository) Rotate(sessionID, oldJTI, newJTI string, rotationCount int) error {
	query := r.client.Prepared.RotateSession.Bind(
		newJTI, rotationCount, sessionID, oldJTI)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to rotate refresh session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to rotate refresh session: %w", err)
	}
	if !applied {
		return ErrConditionFailed
	}

	return nil
}

func (r *SessionRepository) Revoke(sessionID string, at time.Time) error {
	query := r.client.Prepared.RevokeSession.Bind(at, sessionID)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to revoke refresh session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("failed to revoke refresh session: %w", err)
	}

	util.Info("Refresh session revoked", zap.String("session_id", sessionID))
	return nil
}
