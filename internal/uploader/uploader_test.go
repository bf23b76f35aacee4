package uploader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pkgsha "github.com/archivekit/packd/internal/hash/sha256"
	"github.com/archivekit/packd/internal/pipeline"
	"github.com/archivekit/packd/internal/storage/memory"
)

func writeArchive(t *testing.T, data string) *pipeline.ArchiveHandle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.zip")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return &pipeline.ArchiveHandle{Path: path, Size: int64(len(data))}
}

func testConfig() Config {
	return Config{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		Prefix:      "archives",
	}
}

func TestUpload_Success(t *testing.T) {
	t.Parallel()

	store := memory.New()
	m := New(store, testConfig(), nil)
	handle := writeArchive(t, "zip-payload")

	receipt, err := m.Upload(context.Background(), "job-1", handle)
	require.NoError(t, err)
	require.Equal(t, "memory://archives/job-1.zip", receipt.Location)
	require.EqualValues(t, len("zip-payload"), receipt.Bytes)
	require.Equal(t, pkgsha.Sum([]byte("zip-payload")), receipt.SHA256)

	stored, ok := store.Object("archives/job-1.zip")
	require.True(t, ok)
	require.Equal(t, "zip-payload", string(stored))
}

func TestUpload_RetriesTransientFailure(t *testing.T) {
	t.Parallel()

	store := memory.New()
	store.FailNext(2)
	m := New(store, testConfig(), nil)
	handle := writeArchive(t, "retry-payload")

	receipt, err := m.Upload(context.Background(), "job-2", handle)
	require.NoError(t, err)
	require.Equal(t, 3, store.Uploads())
	// The hash reflects exactly one complete read of the file.
	require.Equal(t, pkgsha.Sum([]byte("retry-payload")), receipt.SHA256)
}

func TestUpload_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	store := memory.New()
	store.FailNext(10)
	m := New(store, testConfig(), nil)
	handle := writeArchive(t, "doomed")

	_, err := m.Upload(context.Background(), "job-3", handle)
	require.Error(t, err)

	var ue *pipeline.UploadError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, 3, ue.Attempts)
}

func TestUpload_SameArchiveTwiceOneObject(t *testing.T) {
	t.Parallel()

	store := memory.New()
	m := New(store, testConfig(), nil)
	handle := writeArchive(t, "idempotent")

	_, err := m.Upload(context.Background(), "job-4", handle)
	require.NoError(t, err)
	_, err = m.Upload(context.Background(), "job-4", handle)
	require.NoError(t, err)

	require.Equal(t, 1, store.Len())
}

func TestUpload_RejectsTraversalJobID(t *testing.T) {
	t.Parallel()

	store := memory.New()
	m := New(store, testConfig(), nil)
	handle := writeArchive(t, "payload")

	for _, id := range []string{"", ".", "..", "../escape", "a/b", `a\b`} {
		_, err := m.Upload(context.Background(), id, handle)
		require.Error(t, err, "id %q must be rejected", id)
	}
	require.Zero(t, store.Uploads())
}

func TestUpload_MissingArchiveFile(t *testing.T) {
	t.Parallel()

	m := New(memory.New(), testConfig(), nil)
	_, err := m.Upload(context.Background(), "job-5", &pipeline.ArchiveHandle{Path: "/nonexistent/x.zip"})
	require.Error(t, err)
}
