package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"erp-auth-service/internal/config"
	"erp-auth-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidHash  = errors.New("invalid hash format")
	ErrWeakPassword = errors.New("password does not meet policy")
)

const algorithmID = "argon2id-v1"

// devPepperSecret keeps development setups working without configuration.
// Production deployments must set HASHING_PEPPER_SECRET; losing the secret
// invalidates every stored password hash.
const devPepperSecret = "erp-auth-dev-pepper-secret"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher derives argon2id hashes for passwords and OTP codes, mixing in a
// versioned pepper and a per-use context string so hashes from one purpose
// can never be replayed against another. Peppers are derived from the
// configured secret, not stored, so any version written before a restart
// verifies again afterwards.
type Hasher struct {
	params         Argon2Params
	secret         []byte
	currentVersion int
	config         *config.Config
	mu             sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  32,
		KeyLength:   32,
	}

	secret := cfg.Hashing.PepperSecret
	if secret == "" {
		util.Warn("HASHING_PEPPER_SECRET not set, using development secret")
		secret = devPepperSecret
	}

	return &Hasher{
		params:         params,
		secret:         []byte(secret),
		currentVersion: 1,
		config:         cfg,
	}
}

// pepperFor derives the pepper for a version from the configured secret.
// Verification accepts any positive version, so stored hashes stay valid
// across restarts and rotations.
func (h *Hasher) pepperFor(version int) (string, error) {
	if version < 1 {
		return "", fmt.Errorf("invalid pepper version %d", version)
	}

	reader := hkdf.New(sha256.New, h.secret, nil, []byte("pepper-v"+strconv.Itoa(version)))
	pepper := make([]byte, 32)
	if _, err := io.ReadFull(reader, pepper); err != nil {
		return "", fmt.Errorf("failed to derive pepper: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(pepper), nil
}

func (h *Hasher) rotatePepper() {
	h.mu.Lock()
	h.currentVersion++
	version := h.currentVersion
	h.mu.Unlock()

	util.Info("Pepper rotated", zap.Int("version", version))
}

// StartPepperRotation starts background pepper rotation
func (h *Hasher) StartPepperRotation() {
	ticker := time.NewTicker(time.Duration(h.config.Hashing.PepperRotationDays) * 24 * time.Hour)

	go func() {
		for range ticker.C {
			h.rotatePepper()
		}
	}()
}

// CheckPasswordPolicy enforces length and composition rules before any
// hashing happens. Callers must not hash a password that fails this check.
func CheckPasswordPolicy(password string, minLength int) error {
	if len(password) < minLength {
		return fmt.Errorf("%w: minimum length %d", ErrWeakPassword, minLength)
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return fmt.Errorf("%w: requires upper, lower, digit and symbol", ErrWeakPassword)
	}
	return nil
}

func (h *Hasher) HashPassword(password string) (*HashResult, error) {
	return h.hashWithPepper(password, "password")
}

func (h *Hasher) HashOTP(otp string) (*HashResult, error) {
	return h.hashWithPepper(otp, "otp")
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	h.mu.RLock()
	version := h.currentVersion
	h.mu.RUnlock()

	pepper, err := h.pepperFor(version)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Context prevents hash reuse between purposes
	contextualData := data + pepper + context

	hash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     algorithmID,
	}, nil
}

func (h *Hasher) VerifyPassword(password string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(password, hashResult, "password")
}

func (h *Hasher) VerifyOTP(otp string, hashResult *HashResult) (bool, error) {
	return h.verifyWithPepper(otp, hashResult, "otp")
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, context string) (bool, error) {
	pepper, err := h.pepperFor(hashResult.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	contextualData := data + pepper + context

	computedHash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	// Constant time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

// Encode flattens a hash result into the single string persisted on the
// account row: algorithm$pepperVersion$salt$hash.
func (hr *HashResult) Encode() string {
	return strings.Join([]string{hr.Algorithm, strconv.Itoa(hr.PepperVersion), hr.Salt, hr.Hash}, "$")
}

// DecodeHashResult parses the encoded form written by Encode.
func DecodeHashResult(encoded string) (*HashResult, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 {
		return nil, ErrInvalidHash
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, ErrInvalidHash
	}
	return &HashResult{
		Algorithm:     parts[0],
		PepperVersion: version,
		Salt:          parts[2],
		Hash:          parts[3],
	}, nil
}
