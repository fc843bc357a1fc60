package storage

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawMessageKey(t *testing.T) {
	created := time.Date(2026, 1, 2, 15, 4, 5, 123456789, time.UTC)

	key := RawMessageKey("signup-form", "hold.example.org", created, false)
	assert.Equal(t, "signup-form/hold.example.org/2026-01-02T15:04:05.123456789Z", key)

	origKey := RawMessageKey("signup-form", "hold.example.org", created, true)
	assert.Equal(t, key+"_orig", origKey)
}

func TestRawMessageKeyNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	created := time.Date(2026, 1, 2, 16, 4, 5, 0, loc)

	key := RawMessageKey("p", "d.example", created, false)
	assert.Contains(t, key, "2026-01-02T15:04:05")
	assert.True(t, strings.HasSuffix(key, "Z"))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := &S3Storage{}
	require.NoError(t, s.enableEncryption(strings.Repeat("ab", 32)))

	plaintext := []byte("raw message bytes")
	ciphertext, err := s.encryptData(plaintext)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ciphertext, plaintext))

	decrypted, err := s.decryptData(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptNonceVaries(t *testing.T) {
	s := &S3Storage{}
	require.NoError(t, s.enableEncryption(strings.Repeat("ab", 32)))

	a, err := s.encryptData([]byte("same"))
	require.NoError(t, err)
	b, err := s.encryptData([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTamperedData(t *testing.T) {
	s := &S3Storage{}
	require.NoError(t, s.enableEncryption(strings.Repeat("ab", 32)))

	ciphertext, err := s.encryptData([]byte("payload"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xff

	_, err = s.decryptData(ciphertext)
	assert.Error(t, err)

	_, err = s.decryptData([]byte("short"))
	assert.Error(t, err)
}

func TestEnableEncryptionValidatesKey(t *testing.T) {
	assert.Error(t, (&S3Storage{}).enableEncryption("not-hex"))
	assert.Error(t, (&S3Storage{}).enableEncryption("abcd"))
	assert.NoError(t, (&S3Storage{}).enableEncryption(strings.Repeat("00", 32)))
}
