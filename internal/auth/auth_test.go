package auth

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestEncryptor(t *testing.T) {
	encryptor, err := NewEncryptor(testKey(t))
	require.NoError(t, err)
	require.NotNil(t, encryptor)

	t.Run("encrypt and decrypt bytes", func(t *testing.T) {
		plaintext := []byte("0123456789abcdef0123456789abcdef")

		blob, err := encryptor.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, blob)
		assert.Equal(t, byte(0x01), blob[0])

		decrypted, err := encryptor.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("encrypt and decrypt string", func(t *testing.T) {
		plaintext := "1BVtsOK0Bu...session blob..."

		encrypted, err := encryptor.EncryptString(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, encrypted)

		decrypted, err := encryptor.DecryptString(encrypted)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("empty string round trips to empty", func(t *testing.T) {
		encrypted, err := encryptor.EncryptString("")
		require.NoError(t, err)
		assert.Equal(t, "", encrypted)

		decrypted, err := encryptor.DecryptString("")
		require.NoError(t, err)
		assert.Equal(t, "", decrypted)
	})

	t.Run("tampered blob fails with decrypt error", func(t *testing.T) {
		blob, err := encryptor.Encrypt([]byte("secret"))
		require.NoError(t, err)

		blob[len(blob)-1] ^= 0xff
		_, err = encryptor.Decrypt(blob)
		assert.ErrorIs(t, err, ErrCredentialDecrypt)
	})

	t.Run("unknown version byte fails", func(t *testing.T) {
		blob, err := encryptor.Encrypt([]byte("secret"))
		require.NoError(t, err)

		blob[0] = 0x7f
		_, err = encryptor.Decrypt(blob)
		assert.ErrorIs(t, err, ErrCredentialDecrypt)
	})

	t.Run("truncated blob fails", func(t *testing.T) {
		_, err := encryptor.Decrypt([]byte{0x01, 0x02})
		assert.ErrorIs(t, err, ErrCredentialDecrypt)
	})

	t.Run("invalid base64 fails", func(t *testing.T) {
		_, err := encryptor.DecryptString("not-valid-base64!!!")
		assert.ErrorIs(t, err, ErrCredentialDecrypt)
	})

	t.Run("wrong key fails", func(t *testing.T) {
		other := make([]byte, 32)
		for i := range other {
			other[i] = byte(255 - i)
		}
		otherEncryptor, err := NewEncryptor(base64.StdEncoding.EncodeToString(other))
		require.NoError(t, err)

		blob, err := encryptor.Encrypt([]byte("secret"))
		require.NoError(t, err)

		_, err = otherEncryptor.Decrypt(blob)
		assert.ErrorIs(t, err, ErrCredentialDecrypt)
	})

	t.Run("different encryptions produce different ciphertexts", func(t *testing.T) {
		plaintext := []byte("same message")

		ct1, err := encryptor.Encrypt(plaintext)
		require.NoError(t, err)

		ct2, err := encryptor.Encrypt(plaintext)
		require.NoError(t, err)

		// Due to random nonce, ciphertexts should be different
		assert.NotEqual(t, ct1, ct2)
	})
}

func TestNewEncryptorRejectsBadKeys(t *testing.T) {
	t.Run("not base64", func(t *testing.T) {
		_, err := NewEncryptor("%%%not-base64%%%")
		assert.Error(t, err)
	})

	t.Run("wrong length", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString([]byte("too short"))
		_, err := NewEncryptor(short)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "32 bytes")
	})
}

func TestGenerateKey(t *testing.T) {
	key1, err := GenerateKey()
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(key1)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	key2, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key1, key2)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)

	assert.True(t, CheckPassword(hash, "correct horse battery staple"))
	assert.False(t, CheckPassword(hash, "wrong password"))
	assert.False(t, CheckPassword("not a bcrypt hash", "anything"))
}

func TestTokenService(t *testing.T) {
	tokens := NewTokenService("test-jwt-secret", time.Hour)

	t.Run("issue and verify", func(t *testing.T) {
		token, err := tokens.Issue(42, "+393331234567")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(token, "eyJ"))

		user, err := tokens.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, int64(42), user.ID)
		assert.Equal(t, "+393331234567", user.Phone)
	})

	t.Run("expired token fails", func(t *testing.T) {
		expired := NewTokenService("test-jwt-secret", -time.Minute)
		token, err := expired.Issue(42, "+393331234567")
		require.NoError(t, err)

		_, err = tokens.Verify(token)
		assert.Error(t, err)
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		other := NewTokenService("other-secret", time.Hour)
		token, err := other.Issue(42, "+393331234567")
		require.NoError(t, err)

		_, err = tokens.Verify(token)
		assert.Error(t, err)
	})

	t.Run("garbage token fails", func(t *testing.T) {
		_, err := tokens.Verify("not.a.jwt")
		assert.Error(t, err)
	})
}
