package encryption

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-auth-service/internal/config"
)

func localManager() *EncryptionManager {
	return NewEncryptionManager(&config.Config{
		KMS: config.KMSConfig{Enabled: false},
	}, nil)
}

func TestSealOpenRoundtrip(t *testing.T) {
	em := localManager()
	ctx := context.Background()

	blob, keyID, err := em.Seal(ctx, "user@example.com", "contact")
	require.NoError(t, err)
	require.NotEmpty(t, blob)
	require.NotEmpty(t, keyID)

	plaintext, err := em.Open(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", plaintext)
}

func TestOpenSurvivesColdCache(t *testing.T) {
	em := localManager()
	ctx := context.Background()

	blob, _, err := em.Seal(ctx, "+14155551234", "contact")
	require.NoError(t, err)

	// Decryption must not depend on the in-process DEK cache.
	em.ClearCache()

	plaintext, err := em.Open(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "+14155551234", plaintext)
}

func TestSealProducesFreshCiphertext(t *testing.T) {
	em := localManager()
	ctx := context.Background()

	first, _, err := em.Seal(ctx, "same value", "contact")
	require.NoError(t, err)
	second, _, err := em.Seal(ctx, "same value", "contact")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestOpenRejectsGarbage(t *testing.T) {
	em := localManager()

	_, err := em.Open(context.Background(), []byte("not json"))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	em := localManager()
	ctx := context.Background()

	encrypted, err := em.EncryptField(ctx, "secret", "contact")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encrypted.EncryptedValue)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	encrypted.EncryptedValue = base64.StdEncoding.EncodeToString(raw)
	em.ClearCache()

	_, err = em.DecryptField(ctx, encrypted)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
