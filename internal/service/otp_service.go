package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"erp-auth-service/internal/config"
	"erp-auth-service/internal/hashing"
	"erp-auth-service/internal/models"
	"erp-auth-service/internal/notifier"
	rediscache "erp-auth-service/internal/repository/redis"
	"erp-auth-service/internal/repository/scylla"
	"erp-auth-service/internal/util"
)

const otpCodeDigits = 6

// OTPService issues and verifies one-time codes. At most one challenge is
// live per (subject, purpose, channel); issuing replaces the previous one.
// Codes are never persisted or logged, only their hashes.
type OTPService struct {
	otpRepo  scylla.OTPRepositoryInterface
	otpCache *rediscache.OTPCache
	hasher   *hashing.Hasher
	notify   notifier.Notifier
	policy   config.PolicyConfig
	now      Clock
}

func NewOTPService(
	otpRepo scylla.OTPRepositoryInterface,
	otpCache *rediscache.OTPCache,
	hasher *hashing.Hasher,
	notify notifier.Notifier,
	policy config.PolicyConfig,
	now Clock,
) *OTPService {
	if now == nil {
		now = UTCNow
	}
	return &OTPService{
		otpRepo:  otpRepo,
		otpCache: otpCache,
		hasher:   hasher,
		notify:   notify,
		policy:   policy,
		now:      now,
	}
}

// Issue creates a fresh challenge and hands the code to the notifier for
// out-of-band delivery. A running cooldown refuses the issue outright; the
// previous challenge stays live until a new one replaces it.
func (s *OTPService) Issue(ctx context.Context, subjectID, purpose, channel, destination string) (*models.OTPChallenge, error) {
	policy := s.policy.OTPPolicyFor(purpose)

	claimed, err := s.otpCache.StartCooldown(subjectID, purpose, channel, policy.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !claimed {
		remaining, _ := s.otpCache.CooldownRemaining(subjectID, purpose, channel)
		return nil, &RetryAfterError{Err: ErrCooldownActive, After: remaining}
	}

	code, err := generateCode(otpCodeDigits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	hashResult, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	issuedAt := s.now()
	challenge := &models.OTPChallenge{
		SubjectID:     subjectID,
		Purpose:       purpose,
		Channel:       channel,
		CodeHash:      hashResult.Hash,
		CodeSalt:      hashResult.Salt,
		PepperVersion: hashResult.PepperVersion,
		Algorithm:     hashResult.Algorithm,
		IssuedAt:      issuedAt,
		ExpiresAt:     issuedAt.Add(policy.TTL),
		AttemptsMax:   policy.MaxAttempts,
	}

	// The insert overwrites the slot, which retires any prior live challenge.
	if err := s.otpRepo.PutChallenge(challenge); err != nil {
		_ = s.otpCache.ClearCooldown(subjectID, purpose, channel)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	message := notifier.DispatchMessage{
		Channel:     channel,
		Destination: destination,
		Purpose:     purpose,
		Code:        code,
		ExpiresAt:   challenge.ExpiresAt,
		RequestedAt: issuedAt,
	}

	if err := s.notify.Send(ctx, channel, destination, message); err != nil {
		// Delivery retries belong to the notifier collaborator. The
		// challenge is committed and verifiable either way.
		util.Error("Failed to hand off code for delivery",
			zap.String("subject_id", subjectID),
			zap.String("purpose", purpose),
			zap.String("channel", channel),
			zap.Error(err))
		return challenge, nil
	}

	util.Info("Challenge issued",
		zap.String("subject_id", subjectID),
		zap.String("purpose", purpose),
		zap.String("channel", channel))

	return challenge, nil
}

// Verify checks a submitted code against the live challenge. The attempt is
// charged before any comparison happens, so a crash or race can only err on
// the side of refusing. A correct code consumes the challenge atomically.
func (s *OTPService) Verify(ctx context.Context, subjectID, purpose, channel, code string) error {
	challenge, err := s.otpRepo.GetChallenge(subjectID, purpose, channel)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := s.now()

	if challenge.Consumed {
		return ErrNotFound
	}
	if now.After(challenge.ExpiresAt) {
		return ErrExpired
	}
	if challenge.AttemptsUsed >= challenge.AttemptsMax {
		return ErrAttemptsExhausted
	}

	if err := s.otpRepo.AdvanceAttempts(challenge); err != nil {
		if errors.Is(err, scylla.ErrConditionFailed) {
			// Lost the attempt slot to a concurrent verification.
			return ErrMismatch
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	stored := &hashing.HashResult{
		Hash:          challenge.CodeHash,
		Salt:          challenge.CodeSalt,
		PepperVersion: challenge.PepperVersion,
		Algorithm:     challenge.Algorithm,
	}

	match, err := s.hasher.VerifyOTP(code, stored)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !match {
		util.Warn("Challenge verification failed",
			zap.String("subject_id", subjectID),
			zap.String("purpose", purpose),
			zap.Int("attempts_used", challenge.AttemptsUsed),
			zap.Int("attempts_max", challenge.AttemptsMax))
		return ErrMismatch
	}

	if err := s.otpRepo.Consume(challenge, now); err != nil {
		if errors.Is(err, scylla.ErrConditionFailed) {
			return ErrMismatch
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	util.Info("Challenge verified",
		zap.String("subject_id", subjectID),
		zap.String("purpose", purpose),
		zap.String("channel", channel))

	return nil
}

// Invalidate retires the live challenge for a slot, if any.
func (s *OTPService) Invalidate(subjectID, purpose, channel string) error {
	if err := s.otpRepo.Invalidate(subjectID, purpose, channel, s.now()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Exhausted reports whether the live challenge has no attempts left.
func (s *OTPService) Exhausted(subjectID, purpose, channel string) bool {
	challenge, err := s.otpRepo.GetChallenge(subjectID, purpose, channel)
	if err != nil {
		return false
	}
	return !challenge.Consumed && challenge.AttemptsUsed >= challenge.AttemptsMax
}

func generateCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%0*d", digits, n), nil
}
