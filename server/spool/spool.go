// Package spool persists raw message artifacts on local disk before they
// reach S3. Ingestion writes the artifact to the spool synchronously, so a
// message row never references a blob that exists nowhere; a background
// worker drains the spool into S3 and deletes local copies once the upload
// is confirmed.
//
// The spool keeps its index in a local SQLite database next to the artifact
// files. Pending entries survive process restarts and are re-driven by the
// worker on startup.
package spool

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"

	"github.com/TK-IT/mailhole/logger"
	"github.com/TK-IT/mailhole/pkg/metrics"
	"github.com/TK-IT/mailhole/pkg/retry"
)

const DataDir = "data"
const IndexDB = "spool_index.db"

// orphanGracePeriod is how old a file must be before the cleanup scan will
// treat it as orphaned. Files younger than this may still be mid-write.
const orphanGracePeriod = 10 * time.Minute

// ArtifactStore is the subset of S3 operations the spool worker needs.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Entry is one artifact waiting to be uploaded.
type Entry struct {
	Key         string
	ContentHash string
	Size        int64
	Attempts    int
	CreatedAt   time.Time
}

type Spool struct {
	basePath      string
	db            *sql.DB
	s3            ArtifactStore
	batchSize     int
	maxAttempts   int
	retryInterval time.Duration

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func New(basePath string, batchSize, maxAttempts int, retryInterval time.Duration, s3 ArtifactStore) (*Spool, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" {
		return nil, fmt.Errorf("spool base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool data path %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(basePath, IndexDB)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool index DB: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("SPOOL: failed to set PRAGMA journal_mode = WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS spool_index (
		key TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_spool_created_at ON spool_index(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spool schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool DB ping failed: %w", err)
	}

	if batchSize <= 0 {
		batchSize = 20
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}

	return &Spool{
		basePath:      basePath,
		db:            db,
		s3:            s3,
		batchSize:     batchSize,
		maxAttempts:   maxAttempts,
		retryInterval: retryInterval,
		notifyCh:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}, nil
}

// ContentHash returns the hex-encoded BLAKE3 hash of data.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store writes an artifact to local disk with fsync and records it in the
// index. The returned hash identifies the content independently of the key.
// The artifact is durable before Store returns; the S3 upload happens
// asynchronously.
func (s *Spool) Store(key string, data []byte) (string, error) {
	hash := ContentHash(data)

	path := s.filePath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spool directory %s: %w", dir, err)
	}

	// fsync before the index insert so a crash never leaves the index
	// referencing a file that did not reach disk.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create spool file %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write spool file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to fsync spool file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close spool file %s: %w", path, err)
	}
	if err := syncDir(dir); err != nil {
		logger.Warn("SPOOL: failed to fsync directory", "dir", dir, "error", err)
	}

	s.mu.Lock()
	_, err = s.db.Exec(`INSERT OR REPLACE INTO spool_index (key, content_hash, size, attempts, created_at) VALUES (?, ?, ?, 0, ?)`,
		key, hash, int64(len(data)), time.Now().UTC())
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to index spool file %s: %w", key, err)
	}

	s.updatePendingGauge()
	s.notify()
	return hash, nil
}

// Get reads an artifact still sitting in the spool. Callers fall back to S3
// when the artifact has already been drained.
func (s *Spool) Get(key string) ([]byte, error) {
	return os.ReadFile(s.filePath(key))
}

func (s *Spool) Close() error {
	if s.db != nil {
		logger.Info("SPOOL: closing index database")
		return s.db.Close()
	}
	return nil
}

// Start launches the background drain worker.
func (s *Spool) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	logger.Info("SPOOL: worker started", "interval", s.retryInterval)
}

// Stop stops the worker and waits for in-flight uploads. Safe to call more
// than once.
func (s *Spool) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logger.Info("SPOOL: worker stopped")
}

func (s *Spool) notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

func (s *Spool) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(5 * time.Minute)
	defer cleanupTicker.Stop()

	// Drain whatever a previous process left behind.
	s.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("SPOOL: worker stopped due to context cancellation")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drain(ctx)
		case <-cleanupTicker.C:
			if err := s.cleanupOrphanedFiles(ctx); err != nil {
				logger.Error("SPOOL: cleanup error", "error", err)
			}
		case <-s.notifyCh:
			s.drain(ctx)
		}
	}
}

func (s *Spool) drain(ctx context.Context) {
	for {
		entries, err := s.pendingBatch()
		if err != nil {
			logger.Error("SPOOL: failed to list pending artifacts", "error", err)
			return
		}
		if len(entries) == 0 {
			s.updatePendingGauge()
			return
		}

		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			default:
			}
			s.uploadOne(ctx, entry)
		}
	}
}

func (s *Spool) pendingBatch() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT key, content_hash, size, attempts, created_at FROM spool_index
		WHERE attempts < ? ORDER BY created_at LIMIT ?`, s.maxAttempts, s.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.ContentHash, &e.Size, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Spool) uploadOne(ctx context.Context, entry Entry) {
	path := s.filePath(entry.Key)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Index entry without a file. If the object already made it to
			// S3 the entry is stale; otherwise the artifact is lost and the
			// entry is unrecoverable either way.
			logger.Error("SPOOL: indexed artifact missing on disk", "key", entry.Key)
			s.remove(entry.Key)
			return
		}
		logger.Error("SPOOL: could not read artifact", "key", entry.Key, "error", err)
		s.markAttempt(entry.Key)
		return
	}

	err = retry.WithRetry(ctx, func() error {
		return s.s3.Put(ctx, entry.Key, data)
	}, retry.DefaultBackoffConfig())
	if err != nil {
		logger.Error("SPOOL: upload failed", "key", entry.Key, "attempts", entry.Attempts+1, "error", err)
		metrics.SpoolUploadsTotal.WithLabelValues("failure").Inc()
		s.markAttempt(entry.Key)
		if entry.Attempts+1 >= s.maxAttempts {
			logger.Warn("SPOOL: artifact exhausted upload attempts, keeping local copy",
				"key", entry.Key, "attempts", entry.Attempts+1, "max_attempts", s.maxAttempts)
		}
		return
	}

	metrics.SpoolUploadsTotal.WithLabelValues("success").Inc()
	logger.Debug("SPOOL: artifact uploaded", "key", entry.Key, "size", entry.Size)

	// Remove the index entry first; the local file is only a cached copy once
	// the object is in S3, so a crash between the two just leaves an orphan
	// for the cleanup scan.
	s.remove(entry.Key)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("SPOOL: uploaded but could not delete local file", "path", path, "error", err)
	} else {
		removeEmptyParents(path, s.dataDir())
	}
	s.updatePendingGauge()
}

func (s *Spool) markAttempt(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`UPDATE spool_index SET attempts = attempts + 1 WHERE key = ?`, key); err != nil {
		logger.Error("SPOOL: failed to record upload attempt", "key", key, "error", err)
	}
}

func (s *Spool) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM spool_index WHERE key = ?`, key); err != nil {
		logger.Error("SPOOL: failed to remove index entry", "key", key, "error", err)
	}
}

// PendingCount returns the number of artifacts still waiting for upload.
func (s *Spool) PendingCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM spool_index`).Scan(&n)
	return n, err
}

func (s *Spool) updatePendingGauge() {
	if n, err := s.PendingCount(); err == nil {
		metrics.SpoolPendingArtifacts.Set(float64(n))
	}
}

func (s *Spool) dataDir() string {
	return filepath.Join(s.basePath, DataDir)
}

func (s *Spool) filePath(key string) string {
	// Keys are slash-separated (peer/domain/timestamp); map them onto the
	// local filesystem under the data directory.
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return filepath.Join(s.dataDir(), "invalid")
	}
	return filepath.Join(s.dataDir(), clean)
}

// cleanupOrphanedFiles removes spool files that have no index entry, provided
// they are older than the grace period. These appear when a crash lands
// between an upload completing and the local delete, or between a file write
// and its index insert.
func (s *Spool) cleanupOrphanedFiles(ctx context.Context) error {
	start := time.Now()
	cutoff := time.Now().Add(-orphanGracePeriod)

	var checked, removed int64

	err := filepath.Walk(s.dataDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logger.Warn("SPOOL: cleanup error accessing path", "path", path, "error", err)
			return nil
		}
		if info.IsDir() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if info.ModTime().After(cutoff) {
			return nil
		}
		checked++

		rel, err := filepath.Rel(s.dataDir(), path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)

		s.mu.Lock()
		var count int
		qerr := s.db.QueryRow(`SELECT COUNT(*) FROM spool_index WHERE key = ?`, key).Scan(&count)
		s.mu.Unlock()
		if qerr != nil {
			logger.Warn("SPOOL: cleanup failed to query index", "key", key, "error", qerr)
			return nil
		}
		if count > 0 {
			return nil
		}

		if rmErr := os.Remove(path); rmErr != nil {
			logger.Warn("SPOOL: failed to remove orphaned file", "path", path, "error", rmErr)
		} else {
			removed++
			logger.Info("SPOOL: removed orphaned file", "key", key, "size", info.Size())
			removeEmptyParents(path, s.dataDir())
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("SPOOL: cleanup completed", "duration", time.Since(start), "checked", checked, "removed", removed)
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func removeEmptyParents(path, stopAt string) {
	stop, _ := filepath.Abs(stopAt)
	for {
		parent := filepath.Dir(path)
		abs, _ := filepath.Abs(parent)
		if abs == stop || parent == "." || parent == "/" {
			break
		}
		if err := os.Remove(parent); err != nil {
			break
		}
		path = parent
	}
}
