package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"erp-auth-service/internal/bucketing"
	"erp-auth-service/internal/client"
	"erp-auth-service/internal/config"
	"erp-auth-service/internal/encryption"
	"erp-auth-service/internal/hashing"
	"erp-auth-service/internal/models"
	"erp-auth-service/internal/notifier"
	rediscache "erp-auth-service/internal/repository/redis"
	"erp-auth-service/internal/repository/scylla"
)

// fakeAccountRepo is an in-memory AccountRepositoryInterface with the same
// uniqueness semantics as the ScyllaDB implementation.
type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	byEmail  map[string]string
	byMobile map[string]string
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{
		accounts: make(map[string]*models.Account),
		byEmail:  make(map[string]string),
		byMobile: make(map[string]string),
	}
}

func (r *fakeAccountRepo) CreateAccount(account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byEmail[account.EmailHash]; taken {
		return scylla.ErrIdentifierTaken
	}
	if _, taken := r.byMobile[account.MobileHash]; taken {
		return scylla.ErrIdentifierTaken
	}

	stored := *account
	r.accounts[account.AccountID] = &stored
	r.byEmail[account.EmailHash] = account.AccountID
	r.byMobile[account.MobileHash] = account.AccountID
	return nil
}

func (r *fakeAccountRepo) GetAccountByID(bucket int, accountID string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.accounts[accountID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	account := *stored
	return &account, nil
}

func (r *fakeAccountRepo) ResolveEmail(emailHash string) (int, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accountID, ok := r.byEmail[emailHash]
	if !ok {
		return 0, "", scylla.ErrNotFound
	}
	return r.accounts[accountID].AccountBucket, accountID, nil
}

func (r *fakeAccountRepo) ResolveMobile(mobileHash string) (int, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accountID, ok := r.byMobile[mobileHash]
	if !ok {
		return 0, "", scylla.ErrNotFound
	}
	return r.accounts[accountID].AccountBucket, accountID, nil
}

func (r *fakeAccountRepo) update(accountID string, fn func(*models.Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.accounts[accountID]
	if !ok {
		return scylla.ErrNotFound
	}
	fn(stored)
	return nil
}

func (r *fakeAccountRepo) UpdatePassword(bucket int, accountID, passwordHash string, tokenEpoch int64) error {
	return r.update(accountID, func(a *models.Account) {
		a.PasswordHash = passwordHash
		a.TokenEpoch = tokenEpoch
	})
}

func (r *fakeAccountRepo) UpdateLockState(bucket int, accountID string, locked bool, lockedUntil *time.Time, reason string, failedAttempts int) error {
	return r.update(accountID, func(a *models.Account) {
		a.Locked = locked
		a.LockedUntil = lockedUntil
		a.LockReason = reason
		a.FailedAttempts = failedAttempts
	})
}

func (r *fakeAccountRepo) UpdateFailedCount(bucket int, accountID string, failedAttempts int) error {
	return r.update(accountID, func(a *models.Account) {
		a.FailedAttempts = failedAttempts
	})
}

func (r *fakeAccountRepo) UpdateTokenEpoch(bucket int, accountID string, tokenEpoch int64) error {
	return r.update(accountID, func(a *models.Account) {
		a.TokenEpoch = tokenEpoch
	})
}

func (r *fakeAccountRepo) UpdateRole(bucket int, accountID, role string, requires2FA bool) error {
	return r.update(accountID, func(a *models.Account) {
		a.Role = role
		a.Requires2FA = requires2FA
	})
}

func (r *fakeAccountRepo) MarkChannelVerified(bucket int, accountID, channel string, at time.Time) error {
	return r.update(accountID, func(a *models.Account) {
		switch channel {
		case config.ChannelEmail:
			a.EmailVerified = true
			a.EmailVerifiedAt = &at
		case config.ChannelMobile:
			a.MobileVerified = true
			a.MobileVerifiedAt = &at
		}
	})
}

func (r *fakeAccountRepo) SetActive(bucket int, accountID string, active bool, tokenEpoch int64) error {
	return r.update(accountID, func(a *models.Account) {
		a.Active = active
		a.TokenEpoch = tokenEpoch
	})
}

// fakeOTPRepo mirrors the single-slot, compare-and-set challenge store.
type fakeOTPRepo struct {
	mu         sync.Mutex
	challenges map[string]*models.OTPChallenge
}

func newFakeOTPRepo() *fakeOTPRepo {
	return &fakeOTPRepo{challenges: make(map[string]*models.OTPChallenge)}
}

func otpSlot(subjectID, purpose, channel string) string {
	return fmt.Sprintf("%s|%s|%s", subjectID, purpose, channel)
}

func (r *fakeOTPRepo) PutChallenge(challenge *models.OTPChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if challenge.ChallengeID == "" {
		challenge.ChallengeID = fmt.Sprintf("challenge-%d", len(r.challenges)+1)
	}
	stored := *challenge
	r.challenges[otpSlot(challenge.SubjectID, challenge.Purpose, challenge.Channel)] = &stored
	return nil
}

func (r *fakeOTPRepo) GetChallenge(subjectID, purpose, channel string) (*models.OTPChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.challenges[otpSlot(subjectID, purpose, channel)]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	challenge := *stored
	return &challenge, nil
}

func (r *fakeOTPRepo) AdvanceAttempts(challenge *models.OTPChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.challenges[otpSlot(challenge.SubjectID, challenge.Purpose, challenge.Channel)]
	if !ok || stored.ChallengeID != challenge.ChallengeID ||
		stored.AttemptsUsed != challenge.AttemptsUsed || stored.Consumed {
		return scylla.ErrConditionFailed
	}
	stored.AttemptsUsed++
	challenge.AttemptsUsed++
	return nil
}

func (r *fakeOTPRepo) Consume(challenge *models.OTPChallenge, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.challenges[otpSlot(challenge.SubjectID, challenge.Purpose, challenge.Channel)]
	if !ok || stored.ChallengeID != challenge.ChallengeID || stored.Consumed {
		return scylla.ErrConditionFailed
	}
	stored.Consumed = true
	stored.ConsumedAt = &at
	challenge.Consumed = true
	challenge.ConsumedAt = &at
	return nil
}

func (r *fakeOTPRepo) Invalidate(subjectID, purpose, channel string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.challenges[otpSlot(subjectID, purpose, channel)]; ok {
		stored.Consumed = true
		stored.ConsumedAt = &at
	}
	return nil
}

// fakeAttemptRepo appends attempts to a slice.
type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []*models.LoginAttempt
}

func (r *fakeAttemptRepo) RecordAttempt(attempt *models.LoginAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *attempt
	r.attempts = append(r.attempts, &stored)
	return nil
}

func (r *fakeAttemptRepo) ListRecent(identifierHash string, limit int) ([]*models.LoginAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.LoginAttempt
	for i := len(r.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		if r.attempts[i].IdentifierHash == identifierHash {
			out = append(out, r.attempts[i])
		}
	}
	return out, nil
}

func (r *fakeAttemptRepo) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.attempts))
	for _, attempt := range r.attempts {
		out = append(out, attempt.Outcome)
	}
	return out
}

// fakeSessionRepo mirrors the conditional rotation of refresh sessions.
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.RefreshSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*models.RefreshSession)}
}

func (r *fakeSessionRepo) CreateSession(session *models.RefreshSession, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *session
	r.sessions[session.SessionID] = &stored
	return nil
}

func (r *fakeSessionRepo) GetSession(sessionID string) (*models.RefreshSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[sessionID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	session := *stored
	return &session, nil
}

func (r *fakeSessionRepo) Rotate(sessionID, oldJTI, newJTI string, rotationCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[sessionID]
	if !ok {
		return scylla.ErrNotFound
	}
	if stored.CurrentJTI != oldJTI || stored.Revoked {
		return scylla.ErrConditionFailed
	}
	stored.CurrentJTI = newJTI
	stored.RotationCount = rotationCount
	return nil
}

func (r *fakeSessionRepo) Revoke(sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.sessions[sessionID]
	if !ok {
		return scylla.ErrNotFound
	}
	stored.Revoked = true
	stored.RevokedAt = &at
	return nil
}

// captureNotifier records dispatched codes so tests can redeem them.
type captureNotifier struct {
	mu       sync.Mutex
	messages []notifier.DispatchMessage
	fail     bool
}

func (n *captureNotifier) Send(ctx context.Context, channel, destination string, message notifier.DispatchMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.fail {
		return fmt.Errorf("dispatch refused")
	}
	n.messages = append(n.messages, message)
	return nil
}

func (n *captureNotifier) codeFor(purpose, channel string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := len(n.messages) - 1; i >= 0; i-- {
		if n.messages[i].Purpose == purpose && n.messages[i].Channel == channel {
			return n.messages[i].Code
		}
	}
	return ""
}

// testClock is a settable clock shared by every service in a test env.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testEnv wires the full service stack over in-memory storage and miniredis.
type testEnv struct {
	cfg      *config.Config
	clock    *testClock
	redis    *miniredis.Miniredis
	accounts *fakeAccountRepo
	otps     *fakeOTPRepo
	attempts *fakeAttemptRepo
	sessions *fakeSessionRepo
	notify   *captureNotifier

	creds   *CredentialService
	otp     *OTPService
	lockout *LockoutService
	tokens  *TokenService
	audit   *AuditService
	auth    *AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := client.NewRedisClientFromExisting(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	cfg := &config.Config{
		Environment: "test",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			PepperSecret:      "service-test-pepper-secret",
		},
		Bucketing: config.BucketingConfig{AccountBuckets: 8, EventBuckets: 8},
		JWT: config.JWTConfig{
			Secret:     "test-secret-key-for-signing",
			Issuer:     "erp-auth-service",
			AccessTTL:  10 * time.Minute,
			RefreshTTL: 720 * time.Hour,
		},
		Policy: config.DefaultPolicy(),
	}

	env := &testEnv{
		cfg:      cfg,
		clock:    newTestClock(),
		redis:    mr,
		accounts: newFakeAccountRepo(),
		otps:     newFakeOTPRepo(),
		attempts: &fakeAttemptRepo{},
		sessions: newFakeSessionRepo(),
		notify:   &captureNotifier{},
	}

	hasher := hashing.NewHasher(cfg)
	encryptionMgr := encryption.NewEncryptionManager(cfg, nil)
	bucketingMgr := bucketing.NewBucketingManager(cfg)

	env.creds = NewCredentialService(env.accounts, hasher, encryptionMgr, bucketingMgr, cfg.Policy, env.clock.Now)
	env.otp = NewOTPService(env.otps, rediscache.NewOTPCache(redisClient), hasher, env.notify, cfg.Policy, env.clock.Now)
	env.lockout = NewLockoutService(env.creds, env.attempts, rediscache.NewLockoutCache(redisClient), cfg.Policy, env.clock.Now)
	env.tokens = NewTokenService(env.sessions, rediscache.NewRevocationCache(redisClient), env.creds, cfg.JWT, env.clock.Now)
	env.audit = NewAuditService(nil, nil, nil, bucketingMgr, cfg, env.clock.Now)
	t.Cleanup(env.audit.Close)
	env.auth = NewAuthService(env.creds, env.otp, env.lockout, env.tokens, env.audit, cfg.Policy, env.clock.Now)

	return env
}

// register creates and fully activates an account, returning it fresh from
// storage.
func (env *testEnv) registerActive(t *testing.T, email, mobile, password string) *models.Account {
	t.Helper()
	ctx := context.Background()

	result, err := env.auth.RegisterInitiate(ctx, RegisterRequest{
		Email:    email,
		Mobile:   mobile,
		Password: password,
	}, RequestMeta{SourceIP: "203.0.113.7"})
	require.NoError(t, err)

	for _, channel := range env.cfg.Policy.RequiredChannels {
		code := env.notify.codeFor(config.PurposeRegistration, channel)
		require.NotEmpty(t, code)
		_, err := env.auth.RegisterVerifyOTP(ctx, result.Handles[channel], code, RequestMeta{})
		require.NoError(t, err)
	}

	account, err := env.creds.GetByID(result.AccountID)
	require.NoError(t, err)
	require.True(t, account.Active)
	return account
}
