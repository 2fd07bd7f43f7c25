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

type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient, logger *zap.Logger) *OTPRepository {
	return &OTPRepository{
		client: client,
	}
}

// PutChallenge writes the single live challenge for the (subject, purpose,
// channel) slot, replacing any prior one.
func (r *OTPRepository) PutChallenge(challenge *models.OTPChallenge) error {
	if challenge.ChallengeID == "" {
		challenge.ChallengeID = uuid.New().String()
	}

	query := r.client.Prepared.UpsertChallenge.Bind(
		challenge.SubjectID, challenge.Purpose, challenge.Channel,
		challenge.ChallengeID, challenge.CodeHash, challenge.CodeSalt,
		challenge.PepperVersion, challenge.Algorithm, challenge.IssuedAt,
		challenge.ExpiresAt, challenge.AttemptsUsed, challenge.AttemptsMax,
		challenge.Consumed, challenge.ConsumedAt)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to store challenge",
			zap.String("subject_id", challenge.SubjectID),
			zap.String("purpose", challenge.Purpose),
			zap.String("channel", challenge.Channel),
			zap.Error(err))
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	util.Info("Challenge stored",
		zap.String("subject_id", challenge.SubjectID),
		zap.String("purpose", challenge.Purpose),
		zap.String("channel", challenge.Channel),
		zap.Time("expires_at", challenge.ExpiresAt))

	return nil
}

func (r *OTPRepository) GetChallenge(subjectID, purpose, channel string) (*models.OTPChallenge, error) {
	challenge := &models.OTPChallenge{}

	query := r.client.Prepared.GetChallenge.Bind(subjectID, purpose, channel)

	err := r.client.ScanWithRetry(query,
		&challenge.SubjectID, &challenge.Purpose, &challenge.Channel,
		&challenge.ChallengeID, &challenge.CodeHash, &challenge.CodeSalt,
		&challenge.PepperVersion, &challenge.Algorithm, &challenge.IssuedAt,
		&challenge.ExpiresAt, &challenge.AttemptsUsed, &challenge.AttemptsMax,
		&challenge.Consumed, &challenge.ConsumedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, ErrNotFound
		}
		util.Error("Failed to get challenge",
			zap.String("subject_id", subjectID),
			zap.String("purpose", purpose),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	return challenge, nil
}

// AdvanceAttempts bumps attempts_used by one with a compare-and-set on the
// value it read. Two racing verifications each consume a distinct attempt
// or fail with ErrConditionFailed.
func (r *OTPRepository) AdvanceAttempts(challenge *models.OTPChallenge) error {
	query := r.client.Prepared.AdvanceAttempts.Bind(
		challenge.AttemptsUsed+1,
		challenge.SubjectID, challenge.Purpose, challenge.Channel,
		challenge.ChallengeID, challenge.AttemptsUsed)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to advance challenge attempts",
			zap.String("subject_id", challenge.SubjectID),
			zap.String("purpose", challenge.Purpose),
			zap.Error(err))
		return fmt.Errorf("failed to advance challenge attempts: %w", err)
	}
	if !applied {
		return ErrConditionFailed
	}

	challenge.AttemptsUsed++
	return nil
}

// Consume marks the challenge spent. The condition guarantees a code can be
// redeemed at most once even under concurrent submissions.
func (r *OTPRepository) Consume(challenge *models.OTPChallenge, at time.Time) error {
	query := r.client.Prepared.ConsumeChallenge.Bind(
		at,
		challenge.SubjectID, challenge.Purpose, challenge.Channel,
		challenge.ChallengeID)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to consume challenge",
			zap.String("subject_id", challenge.SubjectID),
			zap.String("purpose", challenge.Purpose),
			zap.Error(err))
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	if !applied {
		return ErrConditionFailed
	}

	challenge.Consumed = true
	challenge.ConsumedAt = &at

	util.Info("Challenge consumed",
		zap.String("subject_id", challenge.SubjectID),
		zap.String("purpose", challenge.Purpose),
		zap.String("channel", challenge.Channel))

	return nil
}

// Invalidate retires whatever challenge occupies the slot, live or not.
func (r *OTPRepository) Invalidate(subjectID, purpose, channel string, at time.Time) error {
	query := r.client.Prepared.InvalidateChallenge.Bind(at, subjectID, purpose, channel)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to invalidate challenge",
			zap.String("subject_id", subjectID),
			zap.String("purpose", purpose),
			zap.Error(err))
		return fmt.Errorf("failed to invalidate challenge: %w", err)
	}

	return nil
}
