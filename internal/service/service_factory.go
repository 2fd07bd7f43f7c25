package service

import (
	"go.uber.org/zap"

	"erp-auth-service/internal/bucketing"
	"erp-auth-service/internal/client"
	"erp-auth-service/internal/config"
	"erp-auth-service/internal/encryption"
	"erp-auth-service/internal/hashing"
	"erp-auth-service/internal/notifier"
	rediscache "erp-auth-service/internal/repository/redis"
	"erp-auth-service/internal/repository/scylla"
)

// ServiceFactory wires the service layer. Each getter builds its service
// on first use and then reuses it.
type ServiceFactory struct {
	accountRepo scylla.AccountRepositoryInterface
	otpRepo     scylla.OTPRepositoryInterface
	attemptRepo scylla.LoginAttemptRepositoryInterface
	sessionRepo scylla.SessionRepositoryInterface

	otpCache        *rediscache.OTPCache
	lockoutCache    *rediscache.LockoutCache
	revocationCache *rediscache.RevocationCache

	hasher        *hashing.Hasher
	encryptionMgr *encryption.EncryptionManager
	bucketingMgr  *bucketing.BucketingManager
	notify        notifier.Notifier

	clickhouse *client.ClickHouseClient
	producer   *client.KafkaProducer
	es         *client.ESClient

	cfg    *config.Config
	logger *zap.Logger
	now    Clock

	credentialService *CredentialService
	otpService        *OTPService
	lockoutService    *LockoutService
	tokenService      *TokenService
	auditService      *AuditService
	authService       *AuthService
}

type ServiceFactoryDeps struct {
	AccountRepo scylla.AccountRepositoryInterface
	OTPRepo     scylla.OTPRepositoryInterface
	AttemptRepo scylla.LoginAttemptRepositoryInterface
	SessionRepo scylla.SessionRepositoryInterface

	OTPCache        *rediscache.OTPCache
	LockoutCache    *rediscache.LockoutCache
	RevocationCache *rediscache.RevocationCache

	Hasher        *hashing.Hasher
	EncryptionMgr *encryption.EncryptionManager
	BucketingMgr  *bucketing.BucketingManager
	Notifier      notifier.Notifier

	Clickhouse *client.ClickHouseClient
	Producer   *client.KafkaProducer
	ES         *client.ESClient
}

func NewServiceFactory(deps ServiceFactoryDeps, cfg *config.Config, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		accountRepo:     deps.AccountRepo,
		otpRepo:         deps.OTPRepo,
		attemptRepo:     deps.AttemptRepo,
		sessionRepo:     deps.SessionRepo,
		otpCache:        deps.OTPCache,
		lockoutCache:    deps.LockoutCache,
		revocationCache: deps.RevocationCache,
		hasher:          deps.Hasher,
		encryptionMgr:   deps.EncryptionMgr,
		bucketingMgr:    deps.BucketingMgr,
		notify:          deps.Notifier,
		clickhouse:      deps.Clickhouse,
		producer:        deps.Producer,
		es:              deps.ES,
		cfg:             cfg,
		logger:          logger,
		now:             UTCNow,
	}
}

func (f *ServiceFactory) CredentialService() *CredentialService {
	if f.credentialService == nil {
		f.credentialService = NewCredentialService(
			f.accountRepo, f.hasher, f.encryptionMgr, f.bucketingMgr,
			f.cfg.Policy, f.now)
	}
	return f.credentialService
}

func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.otpRepo, f.otpCache, f.hasher, f.notify, f.cfg.Policy, f.now)
	}
	return f.otpService
}

func (f *ServiceFactory) LockoutService() *LockoutService {
	if f.lockoutService == nil {
		f.lockoutService = NewLockoutService(
			f.CredentialService(), f.attemptRepo, f.lockoutCache,
			f.cfg.Policy, f.now)
	}
	return f.lockoutService
}

func (f *ServiceFactory) TokenService() *TokenService {
	if f.tokenService == nil {
		f.tokenService = NewTokenService(
			f.sessionRepo, f.revocationCache, f.CredentialService(),
			f.cfg.JWT, f.now)
	}
	return f.tokenService
}

func (f *ServiceFactory) AuditService() *AuditService {
	if f.auditService == nil {
		f.auditService = NewAuditService(
			f.clickhouse, f.producer, f.es, f.bucketingMgr, f.cfg, f.now)
	}
	return f.auditService
}

func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.CredentialService(), f.OTPService(), f.LockoutService(),
			f.TokenService(), f.AuditService(), f.cfg.Policy, f.now)
	}
	return f.authService
}

// Cleanup drains and stops background workers.
func (f *ServiceFactory) Cleanup() {
	if f.auditService != nil {
		f.auditService.Close()
	}
}
