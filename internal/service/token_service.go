package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"erp-auth-service/internal/config"
	"erp-auth-service/internal/models"
	rediscache "erp-auth-service/internal/repository/redis"
	"erp-auth-service/internal/repository/scylla"
	"erp-auth-service/internal/util"
)

const (
	tokenUseAccess  = "access"
	tokenUseRefresh = "refresh"
)

// SessionClaims is the signed content of both token kinds. Use tells them
// apart so a refresh token can never pass as an access token.
type SessionClaims struct {
	Role      string `json:"role,omitempty"`
	Epoch     int64  `json:"epoch"`
	SessionID string `json:"sid"`
	Use       string `json:"use"`
	jwt.RegisteredClaims
}

// TokenService issues, verifies and rotates JWT pairs. Refresh tokens live
// in rotation families: every refresh retires the presented jti on a
// first-wins denylist, so a replayed token is caught no matter which copy
// arrives second, and the whole family dies with it.
type TokenService struct {
	sessionRepo scylla.SessionRepositoryInterface
	revocations *rediscache.RevocationCache
	creds       *CredentialService
	jwtConfig   config.JWTConfig
	now         Clock
}

func NewTokenService(
	sessionRepo scylla.SessionRepositoryInterface,
	revocations *rediscache.RevocationCache,
	creds *CredentialService,
	jwtConfig config.JWTConfig,
	now Clock,
) *TokenService {
	if now == nil {
		now = UTCNow
	}
	return &TokenService{
		sessionRepo: sessionRepo,
		revocations: revocations,
		creds:       creds,
		jwtConfig:   jwtConfig,
		now:         now,
	}
}

// IssueSession opens a new rotation family for the account and returns the
// first token pair.
func (s *TokenService) IssueSession(account *models.Account) (*models.TokenPair, error) {
	now := s.now()
	refreshJTI := uuid.New().String()

	session := &models.RefreshSession{
		SessionID:  uuid.New().String(),
		AccountID:  account.AccountID,
		CurrentJTI: refreshJTI,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.jwtConfig.RefreshTTL),
	}

	if err := s.sessionRepo.CreateSession(session, s.jwtConfig.RefreshTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return s.signPair(account, session.SessionID, refreshJTI, now)
}

func (s *TokenService) signPair(account *models.Account, sessionID, refreshJTI string, now time.Time) (*models.TokenPair, error) {
	accessToken, err := s.sign(SessionClaims{
		Role:      account.Role,
		Epoch:     account.TokenEpoch,
		SessionID: sessionID,
		Use:       tokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.jwtConfig.Issuer,
			Subject:   account.AccountID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtConfig.AccessTTL)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken, err := s.sign(SessionClaims{
		Epoch:     account.TokenEpoch,
		SessionID: sessionID,
		Use:       tokenUseRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.jwtConfig.Issuer,
			Subject:   account.AccountID,
			ID:        refreshJTI,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtConfig.RefreshTTL)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresIn:  s.jwtConfig.AccessTTL,
		RefreshExpiresIn: s.jwtConfig.RefreshTTL,
		TokenType:        "Bearer",
	}, nil
}

func (s *TokenService) sign(claims SessionClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtConfig.Secret))
}

func (s *TokenService) parse(tokenString, expectedUse string) (*SessionClaims, error) {
	claims := &SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.jwtConfig.Secret), nil
	}, jwt.WithIssuer(s.jwtConfig.Issuer), jwt.WithTimeFunc(func() time.Time { return s.now() }))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.Use != expectedUse {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// VerifyAccess validates an access token and checks the signed epoch
// against the account's current one, so password changes and deactivation
// cut off tokens that are otherwise still inside their lifetime.
func (s *TokenService) VerifyAccess(tokenString string) (*SessionClaims, *models.Account, error) {
	claims, err := s.parse(tokenString, tokenUseAccess)
	if err != nil {
		return nil, nil, err
	}

	account, err := s.creds.GetByID(claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrTokenInvalid
		}
		return nil, nil, err
	}

	if !account.Active || claims.Epoch != account.TokenEpoch {
		return nil, nil, ErrTokenRevoked
	}

	return claims, account, nil
}

// Refresh rotates the presented refresh token. The presented jti is retired
// on the denylist first; losing that race, or finding the session already
// past this jti, means a second copy of the token is in play and the whole
// family is revoked.
func (s *TokenService) Refresh(tokenString string) (*models.TokenPair, error) {
	claims, err := s.parse(tokenString, tokenUseRefresh)
	if err != nil {
		return nil, err
	}

	now := s.now()
	remaining := claims.ExpiresAt.Time.Sub(now)
	if remaining <= 0 {
		return nil, ErrTokenExpired
	}

	familyRevoked, err := s.revocations.IsFamilyRevoked(claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if familyRevoked {
		return nil, ErrTokenRevoked
	}

	// First-wins retirement of the presented jti. The second presenter of
	// the same token lands here after the winner and gets replay treatment.
	first, err := s.revocations.MarkRevoked(claims.ID, remaining)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !first {
		s.revokeFamily(claims.SessionID, remaining, now)
		return nil, ErrTokenReplay
	}

	session, err := s.sessionRepo.GetSession(claims.SessionID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if session.Revoked || now.After(session.ExpiresAt) {
		return nil, ErrTokenRevoked
	}
	if session.CurrentJTI != claims.ID {
		// The session already rotated past this token through another path.
		s.revokeFamily(claims.SessionID, remaining, now)
		return nil, ErrTokenReplay
	}

	account, err := s.creds.GetByID(session.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if !account.Active || claims.Epoch != account.TokenEpoch {
		return nil, ErrTokenRevoked
	}

	newJTI := uuid.New().String()
	if err := s.sessionRepo.Rotate(session.SessionID, claims.ID, newJTI, session.RotationCount+1); err != nil {
		if errors.Is(err, scylla.ErrConditionFailed) {
			s.revokeFamily(claims.SessionID, remaining, now)
			return nil, ErrTokenReplay
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	util.Info("Refresh token rotated",
		zap.String("session_id", session.SessionID),
		zap.String("account_id", account.AccountID),
		zap.Int("rotation_count", session.RotationCount+1))

	return s.signPair(account, session.SessionID, newJTI, now)
}

func (s *TokenService) revokeFamily(sessionID string, ttl time.Duration, at time.Time) {
	if err := s.revocations.RevokeFamily(sessionID, ttl); err != nil {
		util.Error("Failed to revoke session family",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	if err := s.sessionRepo.Revoke(sessionID, at); err != nil {
		util.Error("Failed to mark session revoked",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Revoke ends a session from its refresh token. Logout is idempotent: an
// already-revoked, expired or garbage token still results in a logged-out
// state, so nothing here is an error worth surfacing.
func (s *TokenService) Revoke(tokenString string) {
	claims, err := s.parse(tokenString, tokenUseRefresh)
	if err != nil {
		return
	}

	now := s.now()
	remaining := claims.ExpiresAt.Time.Sub(now)
	if remaining <= 0 {
		return
	}

	if _, err := s.revocations.MarkRevoked(claims.ID, remaining); err != nil {
		util.Warn("Failed to retire refresh token on logout", zap.Error(err))
	}
	s.revokeFamily(claims.SessionID, remaining, now)
}

// RevokeAllForAccount invalidates every outstanding access token by bumping
// the epoch. Refresh sessions created earlier fail the epoch check on their
// next rotation.
func (s *TokenService) RevokeAllForAccount(account *models.Account) error {
	newEpoch := account.TokenEpoch + 1

	if err := s.creds.accountRepo.UpdateTokenEpoch(account.AccountBucket, account.AccountID, newEpoch); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	account.TokenEpoch = newEpoch

	util.Info("Token epoch advanced",
		zap.String("account_id", account.AccountID),
		zap.Int64("token_epoch", newEpoch))

	return nil
}
