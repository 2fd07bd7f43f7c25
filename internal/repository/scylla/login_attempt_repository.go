package scylla

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"erp-auth-service/internal/models"
	"erp-auth-service/internal/util"
)

type LoginAttemptRepository struct {
	client *ScyllaClient
}

func NewLoginAttemptRepository(client *ScyllaClient, logger *zap.Logger) *LoginAttemptRepository {
	return &LoginAttemptRepository{
		client: client,
	}
}

// RecordAttempt appends one attempt row. Nothing updates or deletes these;
// the table is the forensic trail behind the lockout counters.
func (r *LoginAttemptRepository) RecordAttempt(attempt *models.LoginAttempt) error {
	if attempt.AttemptID == "" {
		attempt.AttemptID = uuid.New().String()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}

	query := r.client.Prepared.InsertLoginAttempt.Bind(
		attempt.IdentifierHash, attempt.AttemptedAt, attempt.AttemptID,
		attempt.SubjectID, attempt.SourceIP, attempt.UserAgent, attempt.Outcome)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to record login attempt",
			zap.String("outcome", attempt.Outcome),
			zap.Error(err))
		return fmt.Errorf("failed to record login attempt: %w", err)
	}

	return nil
}

// ListRecent returns the newest attempts for one identifier, newest first.
func (r *LoginAttemptRepository) ListRecent(identifierHash string, limit int) ([]*models.LoginAttempt, error) {
	iter := r.client.Prepared.ListLoginAttempts.Bind(identifierHash, limit).Iter()

	var attempts []*models.LoginAttempt
	for {
		attempt := &models.LoginAttempt{}
		if !iter.Scan(
			&attempt.IdentifierHash, &attempt.AttemptedAt, &attempt.AttemptID,
			&attempt.SubjectID, &attempt.SourceIP, &attempt.UserAgent,
			&attempt.Outcome) {
			break
		}
		attempts = append(attempts, attempt)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list login attempts", zap.Error(err))
		return nil, fmt.Errorf("failed to list login attempts: %w", err)
	}

	return attempts, nil
}
