package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecretKey(t *testing.T) *SecretKey {
	t.Helper()
	t.Setenv("AEGIS_SECRET_KEY", "unit-test-master-key")
	key, err := NewSecretKey()
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := testSecretKey(t)

	encrypted, err := key.Encrypt("sk-live-abcdef123456")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encrypted, "enc:"))
	assert.NotContains(t, encrypted, "abcdef")

	plain, err := key.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abcdef123456", plain)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	key := testSecretKey(t)

	a, err := key.Encrypt("secret")
	require.NoError(t, err)
	b, err := key.Encrypt("secret")
	require.NoError(t, err)

	// Fresh nonce per call.
	assert.NotEqual(t, a, b)
}

func TestDecryptPassthroughForPlainValues(t *testing.T) {
	key := testSecretKey(t)

	plain, err := key.Decrypt("not-encrypted-value")
	require.NoError(t, err)
	assert.Equal(t, "not-encrypted-value", plain)

	empty, err := key.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEncryptEmptyStaysEmpty(t *testing.T) {
	key := testSecretKey(t)

	out, err := key.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	t.Setenv("AEGIS_SECRET_KEY", "key-one")
	first, err := NewSecretKey()
	require.NoError(t, err)

	encrypted, err := first.Encrypt("secret")
	require.NoError(t, err)

	t.Setenv("AEGIS_SECRET_KEY", "key-two")
	second, err := NewSecretKey()
	require.NoError(t, err)

	_, err = second.Decrypt(encrypted)
	assert.Error(t, err)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	key := testSecretKey(t)

	_, err := key.Decrypt("enc:!!!not-base64!!!")
	assert.Error(t, err)

	_, err = key.Decrypt("enc:YQ==")
	assert.Error(t, err, "ciphertext shorter than the nonce must fail")
}

func TestAutoGeneratedKeyPersists(t *testing.T) {
	t.Setenv("AEGIS_SECRET_KEY", "")
	t.Setenv("HOME", t.TempDir())

	first, err := NewSecretKey()
	require.NoError(t, err)

	encrypted, err := first.Encrypt("secret")
	require.NoError(t, err)

	// A second load picks up the persisted key file.
	second, err := NewSecretKey()
	require.NoError(t, err)

	plain, err := second.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}

func TestMaskSecret(t *testing.T) {
	assert.Empty(t, MaskSecret(""))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "****", MaskSecret("abcd"))
	assert.Equal(t, "****3456", MaskSecret("sk-live-123456"))
}

func TestIsMasked(t *testing.T) {
	assert.True(t, isMasked("****3456"))
	assert.True(t, isMasked("****"))
	assert.False(t, isMasked("sk-live-123456"))
	assert.False(t, isMasked(""))
}
