// Package storage persists subscriber schedule state and raw clippings
// exports.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// ExportStore persists one raw export blob per subscriber, on the local
// filesystem in development or in a GCS bucket in production. Uploading a
// new export fully replaces the previous one.
type ExportStore struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// NewExportStore creates an export store. When localPath is non-empty the
// store runs against the local filesystem and client may be nil.
func NewExportStore(client *storage.Client, bucket, localPath string, logger *slog.Logger) *ExportStore {
	return &ExportStore{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// ExportKey generates a stable blob name from a subscriber token.
// Validates that the token is a safe hex string to prevent path traversal.
// Uses constant-time validation to prevent timing attacks.
func ExportKey(token string) string {
	// Token is exactly 64 hex characters (HMAC-SHA256 output)
	if len(token) != 64 {
		return ""
	}

	valid := 1
	for _, c := range token {
		isHexDigit := ((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
		if !isHexDigit {
			valid = 0
		}
	}
	if valid == 0 {
		return ""
	}

	return fmt.Sprintf("export-%s.txt", token)
}

// Put writes a subscriber's export, replacing any previous one, and returns
// the storage key.
func (s *ExportStore) Put(ctx context.Context, token string, data []byte) (string, error) {
	key := ExportKey(token)
	if key == "" {
		return "", errors.New("invalid token format")
	}
	s.logger.Debug("Saving export", "key", key, "bytes", len(data))

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return "", fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Export saved to local storage", "path", filePath, "bytes", len(data))
		return key, nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying export save after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("save export after retries: %w", err)
	}

	s.logger.Info("Export saved", "key", key, "bytes", len(data))
	return key, nil
}

// Get reads a subscriber's export by key.
func (s *ExportStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("invalid key format")
	}

	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.New("storage: object doesn't exist")
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying export load after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load export after retries: %w", err)
	}

	return data, nil
}

// Delete removes a subscriber's export. Deletion is idempotent.
func (s *ExportStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("invalid key format")
	}
	s.logger.Debug("Deleting export", "key", key)

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Export deleted from local storage", "path", filePath)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("delete from storage: %w", deleteErr))
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying export delete after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete export after retries: %w", err)
	}

	s.logger.Info("Export deleted", "key", key)
	return nil
}

// IsNotFound checks if an error indicates an export was not found.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, storage.ErrObjectNotExist) ||
		strings.Contains(err.Error(), "storage: object doesn't exist")
}
