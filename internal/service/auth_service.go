package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"erp-auth-service/internal/config"
	"erp-auth-service/internal/models"
	"erp-auth-service/internal/util"
)

// RequestMeta is the caller context attached to every audited operation.
type RequestMeta struct {
	SourceIP  string
	UserAgent string
}

// RegisterRequest starts a registration.
type RegisterRequest struct {
	Email    string `json:"email"`
	Mobile   string `json:"mobile"`
	Password string `json:"password"`
}

// RegisterResult returns one opaque verification handle per channel the
// account must confirm before it activates.
type RegisterResult struct {
	AccountID string            `json:"account_id"`
	Handles   map[string]string `json:"verification_handles"`
}

// LoginResult either carries tokens or, when a second factor is required,
// the handle for the pending challenge.
type LoginResult struct {
	TwoFactorRequired bool              `json:"two_factor_required"`
	Handle            string            `json:"challenge_handle,omitempty"`
	Tokens            *models.TokenPair `json:"tokens,omitempty"`
}

// AuthService orchestrates the flows: registration, login with optional
// second factor, token refresh and password reset. It owns no state of its
// own; everything lives in the services it composes.
type AuthService struct {
	creds   *CredentialService
	otp     *OTPService
	lockout *LockoutService
	tokens  *TokenService
	audit   *AuditService
	policy  config.PolicyConfig
	now     Clock
}

func NewAuthService(
	creds *CredentialService,
	otp *OTPService,
	lockout *LockoutService,
	tokens *TokenService,
	audit *AuditService,
	policy config.PolicyConfig,
	now Clock,
) *AuthService {
	if now == nil {
		now = UTCNow
	}
	return &AuthService{
		creds:   creds,
		otp:     otp,
		lockout: lockout,
		tokens:  tokens,
		audit:   audit,
		policy:  policy,
		now:     now,
	}
}

// EncodeHandle packs a challenge slot into the opaque string clients pass
// back with their code. The handle carries no secret; it only names the
// slot so verification does not need a lookup index.
func EncodeHandle(subjectID, purpose, channel string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(subjectID + "|" + purpose + "|" + channel))
}

// DecodeHandle unpacks a challenge handle.
func DecodeHandle(handle string) (subjectID, purpose, channel string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(handle)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: malformed handle", ErrValidation)
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: malformed handle", ErrValidation)
	}
	return parts[0], parts[1], parts[2], nil
}

// RegisterInitiate creates the inactive account and issues a verification
// challenge to every required channel in parallel.
func (s *AuthService) RegisterInitiate(ctx context.Context, req RegisterRequest, meta RequestMeta) (*RegisterResult, error) {
	account, err := s.creds.CreateAccount(ctx, req.Email, req.Mobile, req.Password, models.RoleUser)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdentifier) {
			s.audit.Record("", models.AuditRegisterInitiated, models.OutcomeDenied, meta.SourceIP,
				map[string]string{"reason": "duplicate_identifier"})
		}
		return nil, err
	}

	destinations := map[string]string{
		config.ChannelEmail:  util.NormalizeEmail(req.Email),
		config.ChannelMobile: util.NormalizeMobile(req.Mobile),
	}

	handles := make(map[string]string, len(s.policy.RequiredChannels))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, channel := range s.policy.RequiredChannels {
		channel := channel
		g.Go(func() error {
			_, err := s.otp.Issue(gctx, account.AccountID, config.PurposeRegistration, channel, destinations[channel])
			if err != nil {
				return err
			}
			mu.Lock()
			handles[channel] = EncodeHandle(account.AccountID, config.PurposeRegistration, channel)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.audit.Record(account.AccountID, models.AuditRegisterInitiated, models.OutcomeOK, meta.SourceIP,
		map[string]string{"role": account.Role})
	for channel := range handles {
		s.audit.Record(account.AccountID, models.AuditOTPIssued, models.OutcomeOK, meta.SourceIP,
			map[string]string{"purpose": config.PurposeRegistration, "channel": channel})
	}

	return &RegisterResult{
		AccountID: account.AccountID,
		Handles:   handles,
	}, nil
}

// RegisterVerifyOTP confirms one channel. When the last required channel
// verifies, the account activates.
func (s *AuthService) RegisterVerifyOTP(ctx context.Context, handle, code string, meta RequestMeta) (activated bool, err error) {
	subjectID, purpose, channel, err := DecodeHandle(handle)
	if err != nil {
		return false, err
	}
	if purpose != config.PurposeRegistration && purpose != config.PurposeChannelVerify {
		return false, fmt.Errorf("%w: handle purpose mismatch", ErrValidation)
	}

	if err := s.verifyChallenge(ctx, subjectID, purpose, channel, code, meta); err != nil {
		return false, err
	}

	account, err := s.creds.GetByID(subjectID)
	if err != nil {
		return false, err
	}

	activated, err = s.creds.MarkChannelVerified(account, channel)
	if err != nil {
		return false, err
	}

	if activated {
		s.audit.Record(account.AccountID, models.AuditRegisterActivated, models.OutcomeOK, meta.SourceIP, nil)
	}

	return activated, nil
}

// verifyChallenge runs the shared OTP verification path with its audit
// trail, translating attempt exhaustion into its own event.
func (s *AuthService) verifyChallenge(ctx context.Context, subjectID, purpose, channel, code string, meta RequestMeta) error {
	err := s.otp.Verify(ctx, subjectID, purpose, channel, code)
	if err == nil {
		s.audit.Record(subjectID, models.AuditOTPVerified, models.OutcomeOK, meta.SourceIP,
			map[string]string{"purpose": purpose, "channel": channel})
		return nil
	}

	switch {
	case errors.Is(err, ErrAttemptsExhausted):
		s.audit.Record(subjectID, models.AuditOTPExhausted, models.OutcomeDenied, meta.SourceIP,
			map[string]string{"purpose": purpose, "channel": channel})
	case errors.Is(err, ErrMismatch):
		if s.otp.Exhausted(subjectID, purpose, channel) {
			s.audit.Record(subjectID, models.AuditOTPExhausted, models.OutcomeDenied, meta.SourceIP,
				map[string]string{"purpose": purpose, "channel": channel})
		}
	}

	return err
}

// ResendOTP issues a fresh challenge for an existing handle, subject to the
// cooldown.
func (s *AuthService) ResendOTP(ctx context.Context, handle string, meta RequestMeta) error {
	subjectID, purpose, channel, err := DecodeHandle(handle)
	if err != nil {
		return err
	}

	account, err := s.creds.GetByID(subjectID)
	if err != nil {
		return err
	}

	destination, err := s.destinationFor(ctx, account, channel)
	if err != nil {
		return err
	}

	if _, err := s.otp.Issue(ctx, subjectID, purpose, channel, destination); err != nil {
		return err
	}

	s.audit.Record(subjectID, models.AuditOTPIssued, models.OutcomeOK, meta.SourceIP,
		map[string]string{"purpose": purpose, "channel": channel, "resend": "true"})

	return nil
}

func (s *AuthService) destinationFor(ctx context.Context, account *models.Account, channel string) (string, error) {
	var blob []byte
	switch channel {
	case config.ChannelEmail:
		blob = account.EmailEncrypted
	case config.ChannelMobile:
		blob = account.MobileEncrypted
	default:
		return "", fmt.Errorf("%w: unknown channel %q", ErrValidation, channel)
	}

	destination, err := s.creds.encryptionMgr.Open(ctx, blob)
	if err != nil {
		return "", fmt.Errorf("failed to recover contact destination: %w", err)
	}
	return destination, nil
}

// Login authenticates a password. Every failure path, identifier unknown,
// password wrong or account inactive, surfaces the same error so the
// response never confirms whether an identifier exists.
func (s *AuthService) Login(ctx context.Context, identifier, password string, meta RequestMeta) (*LoginResult, error) {
	identifierHash := s.creds.IdentifierHash(identifier)

	account, err := s.creds.GetByIdentifier(identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recordFailure(nil, identifierHash, meta, models.AttemptNotFound)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := s.lockout.CheckLocked(account); err != nil {
		if errors.Is(err, ErrLocked) {
			s.recordAttemptOnly(account, identifierHash, meta, models.AttemptLocked)
			s.audit.Record(account.AccountID, models.AuditLoginFailure, models.OutcomeDenied, meta.SourceIP,
				map[string]string{"reason": "locked"})
		}
		return nil, err
	}

	match, err := s.creds.VerifyPassword(account, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !match || !account.Active {
		s.recordFailure(account, identifierHash, meta, models.AttemptBadCredentials)
		return nil, ErrInvalidCredentials
	}

	if s.requires2FA(account) {
		channel := s.preferredChannel(account)
		destination, err := s.destinationFor(ctx, account, channel)
		if err != nil {
			return nil, err
		}

		if _, err := s.otp.Issue(ctx, account.AccountID, config.PurposeLogin2FA, channel, destination); err != nil {
			return nil, err
		}

		s.audit.Record(account.AccountID, models.AuditOTPIssued, models.OutcomeOK, meta.SourceIP,
			map[string]string{"purpose": config.PurposeLogin2FA, "channel": channel})

		return &LoginResult{
			TwoFactorRequired: true,
			Handle:            EncodeHandle(account.AccountID, config.PurposeLogin2FA, channel),
		}, nil
	}

	return s.completeLogin(account, identifierHash, meta)
}

// LoginVerifyOTP completes a login that required a second factor.
func (s *AuthService) LoginVerifyOTP(ctx context.Context, handle, code string, meta RequestMeta) (*LoginResult, error) {
	subjectID, purpose, channel, err := DecodeHandle(handle)
	if err != nil {
		return nil, err
	}
	if purpose != config.PurposeLogin2FA {
		return nil, fmt.Errorf("%w: handle purpose mismatch", ErrValidation)
	}

	account, err := s.creds.GetByID(subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := s.lockout.CheckLocked(account); err != nil {
		return nil, err
	}

	if err := s.verifyChallenge(ctx, subjectID, purpose, channel, code, meta); err != nil {
		// A wrong second factor counts against the lockout budget the
		// same way a wrong password does.
		if errors.Is(err, ErrMismatch) {
			s.recordFailure(account, account.EmailHash, meta, models.AttemptBadSecondFactor)
		}
		return nil, err
	}

	return s.completeLogin(account, account.EmailHash, meta)
}

func (s *AuthService) completeLogin(account *models.Account, identifierHash string, meta RequestMeta) (*LoginResult, error) {
	tokens, err := s.tokens.IssueSession(account)
	if err != nil {
		return nil, err
	}

	if err := s.lockout.RecordSuccess(account, identifierHash, meta.SourceIP, meta.UserAgent); err != nil {
		util.Warn("Failed to record login success",
			zap.String("account_id", account.AccountID),
			zap.Error(err))
	}

	s.audit.Record(account.AccountID, models.AuditLoginSuccess, models.OutcomeOK, meta.SourceIP, nil)
	s.audit.Record(account.AccountID, models.AuditTokenIssued, models.OutcomeOK, meta.SourceIP, nil)

	return &LoginResult{Tokens: tokens}, nil
}

func (s *AuthService) requires2FA(account *models.Account) bool {
	return account.Requires2FA || s.policy.Require2FARoles[account.Role]
}

// preferredChannel picks where a second-factor code goes: mobile when
// verified, email otherwise.
func (s *AuthService) preferredChannel(account *models.Account) string {
	if account.MobileVerified {
		return config.ChannelMobile
	}
	return config.ChannelEmail
}

func (s *AuthService) recordFailure(account *models.Account, identifierHash string, meta RequestMeta, outcome string) {
	duration, err := s.lockout.RecordFailure(account, identifierHash, meta.SourceIP, meta.UserAgent, outcome)
	if err != nil {
		util.Warn("Failed to record login failure", zap.Error(err))
		return
	}

	subjectID := ""
	if account != nil {
		subjectID = account.AccountID
	}

	s.audit.Record(subjectID, models.AuditLoginFailure, models.OutcomeDenied, meta.SourceIP,
		map[string]string{"outcome": outcome})

	if duration > 0 {
		s.audit.Record(subjectID, models.AuditLockApplied, models.OutcomeOK, meta.SourceIP,
			map[string]string{"duration": duration.String()})
	}
}

// recordAttemptOnly appends the attempt without advancing lockout state.
// Used while a lock is running so refused attempts do not extend it.
func (s *AuthService) recordAttemptOnly(account *models.Account, identifierHash string, meta RequestMeta, outcome string) {
	attempt := &models.LoginAttempt{
		SubjectID:      account.AccountID,
		IdentifierHash: identifierHash,
		SourceIP:       meta.SourceIP,
		UserAgent:      meta.UserAgent,
		Outcome:        outcome,
		AttemptedAt:    s.now(),
	}
	if err := s.lockout.attemptRepo.RecordAttempt(attempt); err != nil {
		util.Warn("Failed to append login attempt", zap.Error(err))
	}
}

// Refresh rotates a refresh token. A detected replay is audited at
// elevated severity and reported to the caller as a plain revocation.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*models.TokenPair, error) {
	tokens, err := s.tokens.Refresh(refreshToken)
	if err != nil {
		if errors.Is(err, ErrTokenReplay) {
			s.audit.Record("", models.AuditTokenReplay, models.OutcomeDenied, meta.SourceIP, nil)
			return nil, ErrTokenRevoked
		}
		return nil, err
	}

	s.audit.Record("", models.AuditTokenRefreshed, models.OutcomeOK, meta.SourceIP, nil)
	return tokens, nil
}

// Logout revokes the session behind a refresh token. Idempotent: any
// token, valid or not, leaves the caller logged out.
func (s *AuthService) Logout(ctx context.Context, refreshToken string, meta RequestMeta) {
	s.tokens.Revoke(refreshToken)
	s.audit.Record("", models.AuditTokenRevoked, models.OutcomeOK, meta.SourceIP, nil)
}

// ForgotPassword starts a reset. The response is identical whether or not
// the identifier resolves, so the endpoint cannot be used to probe for
// registered contacts. For unknown identifiers the returned handle names a
// slot no challenge will ever occupy.
func (s *AuthService) ForgotPassword(ctx context.Context, identifier string, meta RequestMeta) (string, error) {
	identifierHash := s.creds.IdentifierHash(identifier)
	channel := config.ChannelEmail
	if !strings.Contains(identifier, "@") {
		channel = config.ChannelMobile
	}

	account, err := s.creds.GetByIdentifier(identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.audit.Record("", models.AuditPasswordResetReq, models.OutcomeDenied, meta.SourceIP,
				map[string]string{"reason": "unknown_identifier"})
			return EncodeHandle(identifierHash, config.PurposePasswordReset, channel), nil
		}
		return "", err
	}

	channel = s.preferredChannel(account)

	if err := s.lockout.CheckLocked(account); err != nil {
		if errors.Is(err, ErrLocked) {
			// No code for a locked subject, but the response must not
			// reveal the lock any more than it reveals existence.
			s.audit.Record(account.AccountID, models.AuditPasswordResetReq, models.OutcomeDenied, meta.SourceIP,
				map[string]string{"reason": "locked"})
			return EncodeHandle(account.AccountID, config.PurposePasswordReset, channel), nil
		}
		return "", err
	}

	destination, err := s.destinationFor(ctx, account, channel)
	if err != nil {
		return "", err
	}

	if _, err := s.otp.Issue(ctx, account.AccountID, config.PurposePasswordReset, channel, destination); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			// Cooldown refusals still return a handle; surfacing the
			// difference would leak that the identifier exists.
			return EncodeHandle(account.AccountID, config.PurposePasswordReset, channel), nil
		}
		return "", err
	}

	s.audit.Record(account.AccountID, models.AuditPasswordResetReq, models.OutcomeOK, meta.SourceIP,
		map[string]string{"channel": channel})

	return EncodeHandle(account.AccountID, config.PurposePasswordReset, channel), nil
}

// ResetPassword redeems a reset challenge and installs the new password.
// The epoch bump inside SetPassword kills every outstanding token.
func (s *AuthService) ResetPassword(ctx context.Context, handle, code, newPassword string, meta RequestMeta) error {
	subjectID, purpose, channel, err := DecodeHandle(handle)
	if err != nil {
		return err
	}
	if purpose != config.PurposePasswordReset {
		return fmt.Errorf("%w: handle purpose mismatch", ErrValidation)
	}

	account, err := s.creds.GetByID(subjectID)
	if err != nil {
		return err
	}

	// A locked subject cannot redeem reset codes either.
	if err := s.lockout.CheckLocked(account); err != nil {
		return err
	}

	if err := s.verifyChallenge(ctx, subjectID, purpose, channel, code, meta); err != nil {
		return err
	}

	if err := s.creds.SetPassword(ctx, account, newPassword); err != nil {
		return err
	}

	s.audit.Record(account.AccountID, models.AuditPasswordChanged, models.OutcomeOK, meta.SourceIP, nil)

	return nil
}

// ChangePassword is the authenticated variant: it needs the current
// password and rotates the epoch the same way.
func (s *AuthService) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string, meta RequestMeta) error {
	account, err := s.creds.GetByID(accountID)
	if err != nil {
		return err
	}

	match, err := s.creds.VerifyPassword(account, currentPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !match {
		return ErrInvalidCredentials
	}

	if err := s.creds.SetPassword(ctx, account, newPassword); err != nil {
		return err
	}

	s.audit.Record(account.AccountID, models.AuditPasswordChanged, models.OutcomeOK, meta.SourceIP, nil)

	return nil
}
