package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"erp-auth-service/internal/bucketing"
	"erp-auth-service/internal/client"
	"erp-auth-service/internal/config"
	"erp-auth-service/internal/encryption"
	"erp-auth-service/internal/handler"
	"erp-auth-service/internal/hashing"
	"erp-auth-service/internal/notifier"
	rediscache "erp-auth-service/internal/repository/redis"
	"erp-auth-service/internal/repository/scylla"
	"erp-auth-service/internal/service"
	"erp-auth-service/internal/tls"
	"erp-auth-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Repositories
	accountRepository scylla.AccountRepositoryInterface
	otpRepository     scylla.OTPRepositoryInterface
	attemptRepository scylla.LoginAttemptRepositoryInterface
	sessionRepository scylla.SessionRepositoryInterface

	// Caches
	otpCache        *rediscache.OTPCache
	lockoutCache    *rediscache.LockoutCache
	revocationCache *rediscache.RevocationCache

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewManager(cfg)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		util.Warn("Elasticsearch initialization failed - audit search disabled", util.ErrorField(err))
	} else {
		f.esClient = esClient
		util.Info("Elasticsearch client initialized and healthy")
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("ClickHouse initialization failed - audit archive disabled", util.ErrorField(err))
	} else {
		f.clickhouseClient = chClient
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			util.Warn("ClickHouse health check failed", util.ErrorField(err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("AWS config load failed - falling back to local keys", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
}

func (f *Factory) AccountRepository() scylla.AccountRepositoryInterface {
	if f.accountRepository == nil {
		f.accountRepository = scylla.NewAccountRepository(f.ScyllaClient(), util.Get())
	}
	return f.accountRepository
}

func (f *Factory) OTPRepository() scylla.OTPRepositoryInterface {
	if f.otpRepository == nil {
		f.otpRepository = scylla.NewOTPRepository(f.ScyllaClient(), util.Get())
	}
	return f.otpRepository
}

func (f *Factory) LoginAttemptRepository() scylla.LoginAttemptRepositoryInterface {
	if f.attemptRepository == nil {
		f.attemptRepository = scylla.NewLoginAttemptRepository(f.ScyllaClient(), util.Get())
	}
	return f.attemptRepository
}

func (f *Factory) SessionRepository() scylla.SessionRepositoryInterface {
	if f.sessionRepository == nil {
		f.sessionRepository = scylla.NewSessionRepository(f.ScyllaClient(), util.Get())
	}
	return f.sessionRepository
}

func (f *Factory) OTPCache() *rediscache.OTPCache {
	if f.otpCache == nil {
		f.otpCache = rediscache.NewOTPCache(f.redisClient)
	}
	return f.otpCache
}

func (f *Factory) LockoutCache() *rediscache.LockoutCache {
	if f.lockoutCache == nil {
		f.lockoutCache = rediscache.NewLockoutCache(f.redisClient)
	}
	return f.lockoutCache
}

func (f *Factory) RevocationCache() *rediscache.RevocationCache {
	if f.revocationCache == nil {
		f.revocationCache = rediscache.NewRevocationCache(f.redisClient)
	}
	return f.revocationCache
}

// Notifier returns the code-delivery handoff. Without Kafka the service
// still runs, codes just go nowhere but the audit trail.
func (f *Factory) Notifier() notifier.Notifier {
	if f.kafkaProducer == nil {
		return notifier.NoopNotifier{}
	}
	return notifier.NewKafkaNotifier(f.kafkaProducer, f.config)
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(service.ServiceFactoryDeps{
			AccountRepo:     f.AccountRepository(),
			OTPRepo:         f.OTPRepository(),
			AttemptRepo:     f.LoginAttemptRepository(),
			SessionRepo:     f.SessionRepository(),
			OTPCache:        f.OTPCache(),
			LockoutCache:    f.LockoutCache(),
			RevocationCache: f.RevocationCache(),
			Hasher:          f.Hasher(),
			EncryptionMgr:   f.EncryptionManager(),
			BucketingMgr:    f.BucketingManager(),
			Notifier:        f.Notifier(),
			Clickhouse:      f.clickhouseClient,
			Producer:        f.kafkaProducer,
			ES:              f.esClient,
		}, f.config, util.Get())
	}
	return f.serviceFactory
}

// AuthHandler builds the HTTP surface on top of the service layer.
func (f *Factory) AuthHandler() *handler.AuthHandler {
	services := f.ServiceFactory()
	return handler.NewAuthHandler(services.AuthService(), services.TokenService(), util.Get())
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy treats the audit sinks as optional: the service can take
// traffic without Kafka, ClickHouse or Elasticsearch.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	delete(healthErrors, "elasticsearch")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
