package models

import "time"

// Audit actions recorded by the orchestrator. The set is closed so that
// downstream consumers (ClickHouse, Kafka, Elasticsearch) can rely on it.
const (
	AuditRegisterInitiated = "register_initiated"
	AuditRegisterActivated = "register_activated"
	AuditLoginSuccess      = "login_success"
	AuditLoginFailure      = "login_failure"
	AuditOTPIssued         = "otp_issued"
	AuditOTPVerified       = "otp_verified"
	AuditOTPExhausted      = "otp_exhausted"
	AuditLockApplied       = "lock_applied"
	AuditLockReleased      = "lock_released"
	AuditTokenIssued       = "token_issued"
	AuditTokenRefreshed    = "token_refreshed"
	AuditTokenRevoked      = "token_revoked"
	AuditTokenReplay       = "token_replay_detected"
	AuditPasswordChanged   = "password_changed"
	AuditPasswordResetReq  = "password_reset_requested"
)

// Audit outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeError  = "error"
)

// AuditEvent is one append-only security log line. Context must never carry
// secrets; writes are best-effort and never block the triggering action.
type AuditEvent struct {
	EventBucket int               `db:"event_bucket"`
	EventID     string            `db:"event_id"`
	SubjectID   string            `db:"subject_id"`
	Action      string            `db:"action"`
	Outcome     string            `db:"outcome"`
	Context     map[string]string `db:"context"`
	SourceIP    string            `db:"source_ip"`
	EventTime   time.Time         `db:"event_time"`
}
