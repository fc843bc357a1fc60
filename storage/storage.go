// Package storage provides S3-compatible object storage for raw message
// artifacts.
//
// Each ingested message stores two independently retrievable blobs: the raw
// bytes as submitted and the original (pre-any-rewrite) copy as delivered by
// the relay. Keys are built from the submitting peer's slug, the mailbox
// domain, and the ISO-8601 creation timestamp, with an "_orig" suffix for
// the original copy.
//
// When encryption is enabled, artifacts are encrypted client-side with
// AES-256-GCM before upload; the key is a 32-byte hex-encoded string from
// config.toml.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/TK-IT/mailhole/config"
	"github.com/TK-IT/mailhole/logger"
	"github.com/TK-IT/mailhole/pkg/metrics"
)

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

// New initializes the S3 client from configuration.
func New(cfg *config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("STORAGE: failed to initialize S3 client", "error", err)
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	s := &S3Storage{
		Client:     client,
		BucketName: cfg.Bucket,
	}

	if cfg.Encrypt {
		if err := s.enableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// RawMessageKey builds the storage key for a message's raw artifact.
func RawMessageKey(peerSlug, domain string, created time.Time, orig bool) string {
	key := fmt.Sprintf("%s/%s/%s", peerSlug, domain, created.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
	if orig {
		key += "_orig"
	}
	return key
}

func (s *S3Storage) enableEncryption(encryptionKey string) error {
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("STORAGE: client-side encryption enabled")
	return nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}

	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads an artifact, encrypting it first when encryption is enabled.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	}()

	if s.Encrypt {
		encrypted, err := s.encryptData(data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		data = encrypted
	}

	_, err := s.Client.PutObject(ctx, s.BucketName, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{SendContentMd5: true})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "error").Inc()
		return err
	}
	metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
	return nil
}

// Get retrieves an artifact, decrypting it when encryption is enabled.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	}()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}

	if s.Encrypt {
		decrypted, err := s.decryptData(data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "error").Inc()
			return nil, fmt.Errorf("failed to decrypt object %s: %w", key, err)
		}
		data = decrypted
	}

	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	return data, nil
}

// Delete removes an artifact. Deleting a missing object is not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		return err
	}
	if !exists {
		logger.Info("STORAGE: object does not exist, skipping deletion", "key", key)
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		return nil
	}

	err = s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "error").Inc()
		return err
	}
	metrics.S3OperationsTotal.WithLabelValues("DELETE", "success").Inc()
	return nil
}

// encryptData encrypts data using AES-256-GCM.
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptData decrypts data using AES-256-GCM.
func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}
