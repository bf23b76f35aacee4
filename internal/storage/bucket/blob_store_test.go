package bucket

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/archivekit/packd/internal/id/uuid"
)

func TestUpload_PublishesUnderFinalKey(t *testing.T) {
	t.Parallel()

	b := memblob.OpenBucket(nil)
	defer b.Close()

	store, err := New(b, uuid.New(), "mem://archives")
	require.NoError(t, err)

	ctx := context.Background()
	uri, err := store.Upload(ctx, "archives/job-1.zip", "application/zip", strings.NewReader("zipbytes"))
	require.NoError(t, err)
	require.Equal(t, "mem://archives/archives/job-1.zip", uri)

	data, err := b.ReadAll(ctx, "archives/job-1.zip")
	require.NoError(t, err)
	require.Equal(t, "zipbytes", string(data))

	// Staging area must be empty after publish.
	exists, err := b.Exists(ctx, ".staging/")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestUpload_RepeatedUploadYieldsOneObject(t *testing.T) {
	t.Parallel()

	b := memblob.OpenBucket(nil)
	defer b.Close()

	store, err := New(b, uuid.New(), "mem://archives")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Upload(ctx, "job.zip", "application/zip", strings.NewReader("same-bytes"))
	require.NoError(t, err)
	_, err = store.Upload(ctx, "job.zip", "application/zip", strings.NewReader("same-bytes"))
	require.NoError(t, err)

	iter := b.List(nil)
	count := 0
	for {
		_, err := iter.Next(ctx)
		if err != nil {
			break
		}
		count++
	}
	require.Equal(t, 1, count)
}

func TestUpload_RequiresKey(t *testing.T) {
	t.Parallel()

	b := memblob.OpenBucket(nil)
	defer b.Close()

	store, err := New(b, uuid.New(), "")
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), "  ", "application/zip", strings.NewReader("x"))
	require.Error(t, err)
}
