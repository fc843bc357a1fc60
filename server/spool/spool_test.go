package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TK-IT/mailhole/pkg/retry"
)

// --- Mocks & Test Helpers ---

type mockS3 struct {
	PutFunc    func(ctx context.Context, key string, data []byte) error
	ExistsFunc func(ctx context.Context, key string) (bool, error)

	mu      sync.Mutex
	objects map[string][]byte
}

func (m *mockS3) Put(ctx context.Context, key string, data []byte) error {
	if m.PutFunc != nil {
		return m.PutFunc(ctx, key, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	return nil
}

func (m *mockS3) Exists(ctx context.Context, key string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *mockS3) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

func newTestSpool(t *testing.T, s3 ArtifactStore) *Spool {
	t.Helper()
	s, err := New(t.TempDir(), 10, 3, 50*time.Millisecond, s3)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// --- Tests ---

func TestStoreAndGet(t *testing.T) {
	s := newTestSpool(t, &mockS3{})

	hash, err := s.Store("peer/domain.example/2026-01-02T15:04:05.000000000Z", []byte("raw message"))
	require.NoError(t, err)
	assert.Equal(t, ContentHash([]byte("raw message")), hash)

	data, err := s.Get("peer/domain.example/2026-01-02T15:04:05.000000000Z")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw message"), data)

	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash([]byte("same bytes"))
	b := ContentHash([]byte("same bytes"))
	c := ContentHash([]byte("other bytes"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestWorkerDrainsToS3(t *testing.T) {
	s3 := &mockS3{}
	s := newTestSpool(t, s3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	_, err := s.Store("peer/d.example/key1", []byte("payload"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, ok := s3.get("peer/d.example/key1")
		return ok
	})
	data, _ := s3.get("peer/d.example/key1")
	assert.Equal(t, []byte("payload"), data)

	waitFor(t, func() bool {
		n, err := s.PendingCount()
		return err == nil && n == 0
	})

	// The local copy is deleted once the object is in S3.
	waitFor(t, func() bool {
		_, err := s.Get("peer/d.example/key1")
		return errors.Is(err, os.ErrNotExist)
	})
}

func TestWorkerRetriesFailedUploads(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	s3 := &mockS3{}
	s3.PutFunc = func(ctx context.Context, key string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			// Stop suppresses the in-call backoff so the worker's own retry
			// interval drives the next attempt.
			return retry.Stop(errors.New("s3 down"))
		}
		if s3.objects == nil {
			s3.objects = make(map[string][]byte)
		}
		s3.objects[key] = data
		return nil
	}
	s := newTestSpool(t, s3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	_, err := s.Store("peer/d.example/key1", []byte("payload"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, ok := s3.get("peer/d.example/key1")
		return ok
	})
}

func TestKeepsLocalCopyAfterExhaustedAttempts(t *testing.T) {
	s3 := &mockS3{
		PutFunc: func(ctx context.Context, key string, data []byte) error {
			return retry.Stop(errors.New("permanently down"))
		},
	}
	s := newTestSpool(t, s3)

	_, err := s.Store("peer/d.example/key1", []byte("payload"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// maxAttempts is 3 in the test spool; wait until the entry stops being
	// offered for upload.
	waitFor(t, func() bool {
		entries, err := s.pendingBatch()
		return err == nil && len(entries) == 0
	})
	s.Stop()

	// The artifact itself is never deleted.
	data, err := s.Get("peer/d.example/key1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestPendingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 10, 3, time.Minute, &mockS3{})
	require.NoError(t, err)

	_, err = s.Store("peer/d.example/key1", []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s3 := &mockS3{}
	reopened, err := New(dir, 10, 3, 50*time.Millisecond, s3)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reopened.Start(ctx)
	defer reopened.Stop()

	waitFor(t, func() bool {
		_, ok := s3.get("peer/d.example/key1")
		return ok
	})
}

func TestFilePathRejectsTraversal(t *testing.T) {
	s := newTestSpool(t, &mockS3{})

	for _, key := range []string{"../escape", "/etc/passwd", ".."} {
		path := s.filePath(key)
		rel, err := filepath.Rel(s.dataDir(), path)
		require.NoError(t, err)
		assert.Equal(t, "invalid", rel, "key %q escaped the data dir", key)
	}
}

func TestRemoveEmptyParents(t *testing.T) {
	base := t.TempDir()
	nested := filepath.Join(base, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0755))
	file := filepath.Join(nested, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	require.NoError(t, os.Remove(file))

	removeEmptyParents(file, base)

	_, err := os.Stat(filepath.Join(base, "a"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(base)
	assert.NoError(t, err)
}
