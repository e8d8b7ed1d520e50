package sqlitefs_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gridstore/pkg/backend"
	"gridstore/pkg/backend/sqlitefs"
)

func dial(t *testing.T) backend.Link {
	t.Helper()

	url := "sqlite://" + filepath.Join(t.TempDir(), "files.db")
	link, err := backend.Dial(context.Background(), url, backend.Options{"busy_timeout": 2000})
	require.NoError(t, err, "dial")
	t.Cleanup(func() { _ = link.Client.Close() })
	return link
}

func upload(t *testing.T, store backend.StreamStore, bucket string, opts backend.FileOptions, payload []byte) (*backend.StoredFile, error) {
	t.Helper()

	s := store.OpenUploadStream(context.Background(), bucket, "report.txt", opts)
	if _, err := s.Write(payload); err != nil {
		return nil, err
	}
	require.NoError(t, s.Close())
	<-s.Done()
	return s.Result()
}

func TestUploadStreamStoresChunks(t *testing.T) {
	t.Parallel()

	link := dial(t)
	store, ok := link.DB.(backend.StreamStore)
	require.True(t, ok, "sqlite store should be stream capable")
	_, legacy := link.DB.(backend.LegacyStore)
	require.False(t, legacy)

	payload := bytes.Repeat([]byte("0123456789"), 100)
	sum := md5.Sum(payload)

	file, err := upload(t, store, "fs", backend.FileOptions{
		ID:          "file-1",
		ChunkSize:   64,
		ContentType: "text/plain",
		Metadata:    map[string]any{"owner": "ops"},
	}, payload)
	require.NoError(t, err)
	require.Equal(t, "file-1", file.ID)
	require.Equal(t, int64(len(payload)), file.Length)
	require.Equal(t, 64, file.ChunkSize)
	require.Equal(t, hex.EncodeToString(sum[:]), file.MD5)

	found, err := link.DB.Find(context.Background(), "fs", "file-1")
	require.NoError(t, err)
	require.Equal(t, "report.txt", found.Filename)
	require.Equal(t, "text/plain", found.ContentType)
	require.Equal(t, map[string]any{"owner": "ops"}, found.Metadata)

	var buf bytes.Buffer
	n, err := link.DB.(backend.FileReader).ReadFile(context.Background(), "fs", "file-1", &buf)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	require.Equal(t, payload, buf.Bytes())
}

func TestUploadStreamDisableMD5(t *testing.T) {
	t.Parallel()

	link := dial(t)
	file, err := upload(t, link.DB.(backend.StreamStore), "fs", backend.FileOptions{ID: "x", DisableMD5: true}, []byte("abc"))
	require.NoError(t, err)
	require.Empty(t, file.MD5)
}

func TestUploadStreamDuplicateID(t *testing.T) {
	t.Parallel()

	link := dial(t)
	store := link.DB.(backend.StreamStore)

	_, err := upload(t, store, "fs", backend.FileOptions{ID: "dup"}, []byte("first"))
	require.NoError(t, err)

	s := store.OpenUploadStream(context.Background(), "fs", "again.txt", backend.FileOptions{ID: "dup"})
	_, _ = s.Write([]byte("second"))
	_ = s.Close()
	<-s.Done()
	_, err = s.Result()
	require.ErrorIs(t, err, sqlitefs.ErrDuplicateID)

	// The first file is untouched.
	var buf bytes.Buffer
	_, err = link.DB.(backend.FileReader).ReadFile(context.Background(), "fs", "dup", &buf)
	require.NoError(t, err)
	require.Equal(t, "first", buf.String())
}

func TestUploadStreamAbortLeavesNothing(t *testing.T) {
	t.Parallel()

	link := dial(t)
	store := link.DB.(backend.StreamStore)

	s := store.OpenUploadStream(context.Background(), "fs", "broken.bin", backend.FileOptions{ID: "broken", ChunkSize: 4})
	_, err := s.Write([]byte("12345678"))
	require.NoError(t, err)

	cause := errors.New("client went away")
	s.Abort(cause)
	<-s.Done()

	_, err = s.Result()
	require.ErrorIs(t, err, cause)

	_, err = link.DB.Find(context.Background(), "fs", "broken")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	link := dial(t)
	_, err := upload(t, link.DB.(backend.StreamStore), "images", backend.FileOptions{ID: "gone"}, []byte("bytes"))
	require.NoError(t, err)

	require.NoError(t, link.DB.Delete(context.Background(), "images", "gone"))

	_, err = link.DB.Find(context.Background(), "images", "gone")
	require.ErrorIs(t, err, backend.ErrNotFound)

	err = link.DB.Delete(context.Background(), "images", "gone")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestInvalidBucketName(t *testing.T) {
	t.Parallel()

	link := dial(t)
	_, err := link.DB.Find(context.Background(), `fs"; DROP TABLE x; --`, "id")
	require.Error(t, err)
	require.NotErrorIs(t, err, backend.ErrNotFound)
}

func TestCloseNotifies(t *testing.T) {
	t.Parallel()

	link := dial(t)
	require.True(t, link.Client.IsConnected())

	first, _ := link.DB.Subscribe()
	second, _ := link.DB.Subscribe()

	require.NoError(t, link.Client.Close())
	require.False(t, link.Client.IsConnected())

	for _, ch := range []<-chan backend.Notification{first, second} {
		n, ok := <-ch
		require.True(t, ok)
		require.Equal(t, backend.NotifyClose, n.Kind)

		_, ok = <-ch
		require.False(t, ok, "notifications should be closed")
	}

	late, _ := link.DB.Subscribe()
	_, ok := <-late
	require.False(t, ok, "subscribing after close yields a closed channel")

	require.ErrorIs(t, link.Client.Close(), backend.ErrClosed)
}

func TestDialInvalidURL(t *testing.T) {
	t.Parallel()

	_, err := sqlitefs.Dial(context.Background(), "sqlite://", nil)
	require.Error(t, err)

	_, err = sqlitefs.Dial(context.Background(), "sqlite://x.db", backend.Options{"busy_timeout": "soon"})
	require.Error(t, err)
}
