package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration loaded from the environment.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	JWT           JWTConfig
	Policy        PolicyConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers            []string
	SecurityEventTopic string
	OTPDispatchTopic   string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperSecret       string
	PepperRotationDays int
}

type BucketingConfig struct {
	AccountBuckets int
	EventBuckets   int
}

type JWTConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// OTPPolicy carries per-purpose issuance and verification limits.
type OTPPolicy struct {
	TTL         time.Duration
	Cooldown    time.Duration
	MaxAttempts int
}

// LockoutStep maps a failure count to the lockout duration applied once
// that count is reached. Steps are kept sorted by Failures ascending.
type LockoutStep struct {
	Failures int
	Duration time.Duration
}

// PolicyConfig is the explicit account-security policy handed to the auth
// orchestrator at construction. Nothing in the service layer reads policy
// from ambient globals.
type PolicyConfig struct {
	PasswordMinLength int

	// OTP policy keyed by purpose (registration, login_2fa, password_reset,
	// channel_verify).
	OTP map[string]OTPPolicy

	// LockoutTable escalates lockout duration as failures accumulate.
	LockoutTable []LockoutStep

	// FailureWindow bounds how long login failures count toward lockout.
	FailureWindow time.Duration

	// RequiredChannels lists the channels a new account must verify before
	// it becomes active ("email", "mobile").
	RequiredChannels []string

	// Require2FARoles marks the roles whose logins always need a second
	// factor. Other accounts use their own requires_2fa flag.
	Require2FARoles map[string]bool
}

// Purposes and channels used as OTP policy keys.
const (
	PurposeRegistration  = "registration"
	PurposeLogin2FA      = "login_2fa"
	PurposePasswordReset = "password_reset"
	PurposeChannelVerify = "channel_verify"

	ChannelEmail  = "email"
	ChannelMobile = "mobile"
)

var (
	globalConfig *Config
	once         sync.Once
)

// LoadConfig loads configuration from the environment (and a .env file in
// development) exactly once.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/erp-auth/certs"),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitList(getEnv("SCYLLA_NODES", "localhost:9042")),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "erp_auth"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers:            splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
				SecurityEventTopic: getEnv("KAFKA_SECURITY_EVENT_TOPIC", "security-events"),
				OTPDispatchTopic:   getEnv("KAFKA_OTP_DISPATCH_TOPIC", "otp-dispatch"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username: getEnv("ELASTICSEARCH_USERNAME", ""),
				Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
				Index:    getEnv("ELASTICSEARCH_AUDIT_INDEX", "audit-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "erp_auth"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("AWS_REGION", "us-east-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 64*1024),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 2),
				PepperSecret:       getEnv("HASHING_PEPPER_SECRET", ""),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 90),
			},
			Bucketing: BucketingConfig{
				AccountBuckets: getEnvInt("ACCOUNT_BUCKETS", 256),
				EventBuckets:   getEnvInt("EVENT_BUCKETS", 64),
			},
			JWT: JWTConfig{
				Secret:     getEnv("JWT_SECRET", ""),
				Issuer:     getEnv("JWT_ISSUER", "erp-auth-service"),
				AccessTTL:  getEnvDuration("JWT_ACCESS_TTL", 10*time.Minute),
				RefreshTTL: getEnvDuration("JWT_REFRESH_TTL", 720*time.Hour),
			},
			Policy: DefaultPolicy(),
		}
	})

	return globalConfig
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

// DefaultPolicy returns the account-security policy used unless overridden.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		PasswordMinLength: 10,
		OTP: map[string]OTPPolicy{
			PurposeRegistration:  {TTL: 10 * time.Minute, Cooldown: 60 * time.Second, MaxAttempts: 3},
			PurposeLogin2FA:      {TTL: 5 * time.Minute, Cooldown: 30 * time.Second, MaxAttempts: 3},
			PurposePasswordReset: {TTL: 15 * time.Minute, Cooldown: 60 * time.Second, MaxAttempts: 3},
			PurposeChannelVerify: {TTL: 10 * time.Minute, Cooldown: 60 * time.Second, MaxAttempts: 3},
		},
		LockoutTable: []LockoutStep{
			{Failures: 3, Duration: 1 * time.Minute},
			{Failures: 5, Duration: 15 * time.Minute},
			{Failures: 7, Duration: 1 * time.Hour},
			{Failures: 10, Duration: 24 * time.Hour},
		},
		FailureWindow:    24 * time.Hour,
		RequiredChannels: []string{ChannelEmail, ChannelMobile},
		Require2FARoles: map[string]bool{
			"admin":      true,
			"superadmin": true,
		},
	}
}

// LockoutDurationFor maps a failure count onto the escalation table. Zero
// means the count has not yet reached the first step.
func (p PolicyConfig) LockoutDurationFor(failures int) time.Duration {
	steps := append([]LockoutStep(nil), p.LockoutTable...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Failures < steps[j].Failures })

	var d time.Duration
	for _, step := range steps {
		if failures >= step.Failures {
			d = step.Duration
		}
	}
	return d
}

// OTPPolicyFor returns the policy for a purpose, falling back to the
// channel-verify defaults for unknown purposes.
func (p PolicyConfig) OTPPolicyFor(purpose string) OTPPolicy {
	if policy, ok := p.OTP[purpose]; ok {
		return policy
	}
	return OTPPolicy{TTL: 10 * time.Minute, Cooldown: 60 * time.Second, MaxAttempts: 3}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
