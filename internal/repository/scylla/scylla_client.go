package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"erp-auth-service/internal/config"
	"erp-auth-service/internal/util"
)

// PreparedStatements holds prepared statements that are actually used by the repositories
type PreparedStatements struct {
	CreateAccount      *gocql.Query
	GetAccountByID     *gocql.Query
	GetAccountByEmail  *gocql.Query
	GetAccountByMobile *gocql.Query
	ClaimEmailHash     *gocql.Query
	ClaimMobileHash    *gocql.Query
	UpdatePassword     *gocql.Query
	UpdateLockState    *gocql.Query
	UpdateFailedCount  *gocql.Query
	UpdateTokenEpoch   *gocql.Query
	UpdateRole         *gocql.Query
	MarkEmailVerified  *gocql.Query
	MarkMobileVerified *gocql.Query
	ActivateAccount    *gocql.Query
	DeactivateAccount  *gocql.Query

	UpsertChallenge     *gocql.Query
	GetChallenge        *gocql.Query
	AdvanceAttempts     *gocql.Query
	ConsumeChallenge    *gocql.Query
	InvalidateChallenge *gocql.Query

	InsertLoginAttempt *gocql.Query
	ListLoginAttempts  *gocql.Query

	CreateSession *gocql.Query
	GetSession    *gocql.Query
	RotateSession *gocql.Query
	RevokeSession *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateAccount = s.Session.Query(`
        INSERT INTO accounts (
            account_bucket, account_id, email_hash, email_encrypted, email_key_id,
            mobile_hash, mobile_encrypted, mobile_key_id, password_hash, role,
            requires_2fa, email_verified, email_verified_at, mobile_verified,
            mobile_verified_at, locked, locked_until, lock_reason, failed_attempts,
            token_epoch, active, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetAccountByID = s.Session.Query(`
        SELECT account_bucket, account_id, email_hash, email_encrypted, email_key_id,
            mobile_hash, mobile_encrypted, mobile_key_id, password_hash, role,
            requires_2fa, email_verified, email_verified_at, mobile_verified,
            mobile_verified_at, locked, locked_until, lock_reason, failed_attempts,
            token_epoch, active, created_at, updated_at
        FROM accounts WHERE account_bucket = ? AND account_id = ?`)

	// Identifier lookups resolve a contact hash to the account key. The
	// insert is conditional so a hash can only ever be claimed once.
	prepared.GetAccountByEmail = s.Session.Query(`
        SELECT account_bucket, account_id FROM email_to_account WHERE email_hash = ?`)

	prepared.GetAccountByMobile = s.Session.Query(`
        SELECT account_bucket, account_id FROM mobile_to_account WHERE mobile_hash = ?`)

	prepared.ClaimEmailHash = s.Session.Query(`
        INSERT INTO email_to_account (email_hash, account_bucket, account_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.ClaimMobileHash = s.Session.Query(`
        INSERT INTO mobile_to_account (mobile_hash, account_bucket, account_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`)

	prepared.UpdatePassword = s.Session.Query(`
        UPDATE accounts SET password_hash = ?, token_epoch = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateLockState = s.Session.Query(`
        UPDATE accounts SET locked = ?, locked_until = ?, lock_reason = ?, failed_attempts = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateFailedCount = s.Session.Query(`
        UPDATE accounts SET failed_attempts = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateTokenEpoch = s.Session.Query(`
        UPDATE accounts SET token_epoch = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.UpdateRole = s.Session.Query(`
        UPDATE accounts SET role = ?, requires_2fa = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.MarkEmailVerified = s.Session.Query(`
        UPDATE accounts SET email_verified = ?, email_verified_at = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.MarkMobileVerified = s.Session.Query(`
        UPDATE accounts SET mobile_verified = ?, mobile_verified_at = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.ActivateAccount = s.Session.Query(`
        UPDATE accounts SET active = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	prepared.DeactivateAccount = s.Session.Query(`
        UPDATE accounts SET active = ?, token_epoch = ?, updated_at = ?
        WHERE account_bucket = ? AND account_id = ?`)

	// One row per (subject, purpose, channel). An insert replaces whatever
	// challenge was live before it.
	prepared.UpsertChallenge = s.Session.Query(`
        INSERT INTO otp_challenges (
            subject_id, purpose, channel, challenge_id, code_hash, code_salt,
            pepper_version, algorithm, issued_at, expires_at, attempts_used,
            attempts_max, consumed, consumed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.GetChallenge = s.Session.Query(`
        SELECT subject_id, purpose, channel, challenge_id, code_hash, code_salt,
            pepper_version, algorithm, issued_at, expires_at, attempts_used,
            attempts_max, consumed, consumed_at
        FROM otp_challenges WHERE subject_id = ? AND purpose = ? AND channel = ?`)

	// Conditional updates so concurrent verifications cannot double-spend a
	// challenge or skip an attempt increment.
	prepared.AdvanceAttempts = s.Session.Query(`
        UPDATE otp_challenges SET attempts_used = ?
        WHERE subject_id = ? AND purpose = ? AND channel = ?
        IF challenge_id = ? AND attempts_used = ? AND consumed = false`)

	prepared.ConsumeChallenge = s.Session.Query(`
        UPDATE otp_challenges SET consumed = true, consumed_at = ?
        WHERE subject_id = ? AND purpose = ? AND channel = ?
        IF challenge_id = ? AND consumed = false`)

	prepared.InvalidateChallenge = s.Session.Query(`
        UPDATE otp_challenges SET consumed = true, consumed_at = ?
        WHERE subject_id = ? AND purpose = ? AND channel = ?`)

	prepared.InsertLoginAttempt = s.Session.Query(`
        INSERT INTO login_attempts (
            identifier_hash, attempted_at, attempt_id, subject_id, source_ip,
            user_agent, outcome
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`)

	prepared.ListLoginAttempts = s.Session.Query(`
        SELECT identifier_hash, attempted_at, attempt_id, subject_id, source_ip,
            user_agent, outcome
        FROM login_attempts WHERE identifier_hash = ? LIMIT ?`)

	prepared.CreateSession = s.Session.Query(`
        INSERT INTO refresh_sessions (
            session_id, account_id, current_jti, rotation_count, issued_at,
            expires_at, revoked, revoked_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`)

	prepared.GetSession = s.Session.Query(`
        SELECT session_id, account_id, current_jti, rotation_count, issued_at,
            expires_at, revoked, revoked_at
        FROM refresh_sessions WHERE session_id = ?`)

	prepared.RotateSession = s.Session.Query(`
        UPDATE refresh_sessions SET current_jti = ?, rotation_count = ?
        WHERE session_id = ?
        IF current_jti = ? AND revoked = false`)

	prepared.RevokeSession = s.Session.Query(`
        UPDATE refresh_sessions SET revoked = true, revoked_at = ?
        WHERE session_id = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
