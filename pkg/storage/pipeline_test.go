package storage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"gridstore/internal/metrics"
	"gridstore/pkg/backend"
	_ "gridstore/pkg/backend/boltfs"
	_ "gridstore/pkg/backend/diskfs"
	_ "gridstore/pkg/backend/sqlitefs"
	"gridstore/pkg/storage"
)

var generatedName = regexp.MustCompile(`^[0-9a-f]{32}$`)

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []storage.Event
}

func (r *recorder) handler(ev storage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind storage.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind storage.EventKind) storage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i]
		}
	}
	return storage.Event{}
}

func (r *recorder) options() []storage.Option {
	return []storage.Option{
		storage.WithEventHandler(storage.EventFile, r.handler),
		storage.WithEventHandler(storage.EventStreamError, r.handler),
	}
}

// backendURLs covers the stream capable and legacy local backends.
func backendURLs(t *testing.T) map[string]string {
	dir := t.TempDir()
	return map[string]string{
		"stream": "sqlite://" + filepath.Join(dir, "files.db"),
		"disk":   "file://" + filepath.Join(dir, "blobs"),
		"legacy": "bolt://" + filepath.Join(dir, "files.bolt"),
	}
}

func newEngine(t *testing.T, rawURL string, opts ...storage.Option) *storage.GridStorage {
	t.Helper()

	g, err := storage.New(context.Background(), append([]storage.Option{storage.WithURL(rawURL)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestUploadWithoutNamer(t *testing.T) {
	t.Parallel()

	for name, url := range backendURLs(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			rec := &recorder{}
			g := newEngine(t, url, rec.options()...)

			payload := bytes.Repeat([]byte("gridstore "), 50_000)
			file, err := g.FromStream(context.Background(), bytes.NewReader(payload), nil, storage.FileInfo{MIMEType: "text/plain"})
			require.NoError(t, err)

			require.Regexp(t, generatedName, file.Filename)
			require.NotEmpty(t, file.ID)
			require.Equal(t, storage.DefaultBucketName, file.BucketName)
			require.Equal(t, storage.DefaultChunkSize, file.ChunkSize)
			require.Equal(t, int64(len(payload)), file.Size)
			require.Equal(t, "text/plain", file.ContentType)
			require.NotEmpty(t, file.MD5)

			require.Equal(t, 1, rec.count(storage.EventFile))
			require.Equal(t, 0, rec.count(storage.EventStreamError))
			require.Equal(t, file, rec.last(storage.EventFile).File)

			stored, err := g.Stat(context.Background(), file.BucketName, file.ID)
			require.NoError(t, err)
			require.Equal(t, file.Filename, stored.Filename)
			require.Equal(t, file.Size, stored.Length)
		})
	}
}

func TestUploadWithNamer(t *testing.T) {
	t.Parallel()

	for name, url := range backendURLs(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			g := newEngine(t, url, storage.WithNamer(func(r *http.Request, f storage.FileInfo) (any, error) {
				return map[string]any{
					"filename":   "renamed-" + f.OriginalName,
					"bucketName": "photos",
					"chunkSize":  1024,
					"metadata":   map[string]any{"field": f.FieldName},
				}, nil
			}))

			req := httptest.NewRequest("POST", "/files", nil)
			file, err := g.HandleUpload(context.Background(), req, storage.FileInfo{
				FieldName:    "avatar",
				OriginalName: "me.png",
				MIMEType:     "image/png",
				Stream:       strings.NewReader("not really a png"),
			})
			require.NoError(t, err)
			require.Equal(t, "renamed-me.png", file.Filename)
			require.Equal(t, "photos", file.BucketName)
			require.Equal(t, 1024, file.ChunkSize)
			require.Equal(t, map[string]any{"field": "avatar"}, file.Metadata)

			require.NoError(t, g.RemoveUpload(context.Background(), req, file))

			_, err = g.Stat(context.Background(), "photos", file.ID)
			require.ErrorIs(t, err, backend.ErrNotFound)
		})
	}
}

func TestUploadListMetadataRoundTrip(t *testing.T) {
	t.Parallel()

	for name, url := range backendURLs(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			g := newEngine(t, url, storage.WithNamer(func(*http.Request, storage.FileInfo) (any, error) {
				return map[string]any{"metadata": []any{"ops", "blue"}}, nil
			}))

			file, err := g.FromStream(context.Background(), strings.NewReader("tagged"), nil, storage.FileInfo{})
			require.NoError(t, err)
			require.Equal(t, []any{"ops", "blue"}, file.Metadata)

			stored, err := g.Stat(context.Background(), file.BucketName, file.ID)
			require.NoError(t, err)
			require.Equal(t, []any{"ops", "blue"}, stored.Metadata)
		})
	}
}

func TestUploadSourceFailure(t *testing.T) {
	t.Parallel()

	for name, url := range backendURLs(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			rec := &recorder{}
			g := newEngine(t, url, append(rec.options(), storage.WithNamer(func(*http.Request, storage.FileInfo) (any, error) {
				return map[string]any{"id": "broken-upload", "chunkSize": 8}, nil
			}))...)

			cause := errors.New("client disconnected")
			src := io.MultiReader(strings.NewReader("first bytes arrive"), iotest.ErrReader(cause))

			_, err := g.FromStream(context.Background(), src, nil, storage.FileInfo{})
			require.ErrorIs(t, err, cause)

			var se *storage.StreamError
			require.ErrorAs(t, err, &se)
			require.Equal(t, "broken-upload", se.Settings.ID)

			require.Equal(t, 1, rec.count(storage.EventStreamError))
			require.Equal(t, 0, rec.count(storage.EventFile))
			require.Equal(t, "broken-upload", rec.last(storage.EventStreamError).Settings.ID)

			_, err = g.Stat(context.Background(), storage.DefaultBucketName, "broken-upload")
			require.ErrorIs(t, err, backend.ErrNotFound)
		})
	}
}

func TestUploadWriterFailure(t *testing.T) {
	t.Parallel()

	link, db, _ := newFakeLink()
	cause := errors.New("disk full")
	db.writeErr = cause

	rec := &recorder{}
	g, err := storage.New(context.Background(), append(rec.options(), storage.WithLink(link))...)
	require.NoError(t, err)
	defer g.Close()

	// More than one pump buffer, so the writer sees a second write. The
	// wrapper hides WriterTo, which would hand over everything at once.
	src := struct{ io.Reader }{bytes.NewReader(make([]byte, 100*1024))}
	_, err = g.FromStream(context.Background(), src, nil, storage.FileInfo{})
	require.ErrorIs(t, err, cause)

	require.Equal(t, 1, rec.count(storage.EventStreamError))
	require.Equal(t, 0, rec.count(storage.EventFile))
	require.Len(t, db.abortedIDs(), 1)
}

func TestUploadClosesFailedSource(t *testing.T) {
	t.Parallel()

	link, db, _ := newFakeLink()
	db.writeErr = errors.New("disk full")

	g, err := storage.New(context.Background(), storage.WithLink(link))
	require.NoError(t, err)
	defer g.Close()

	pr, pw := io.Pipe()
	go func() {
		for {
			if _, err := pw.Write(make([]byte, 1024)); err != nil {
				return
			}
		}
	}()

	_, err = g.FromStream(context.Background(), pr, nil, storage.FileInfo{})
	require.Error(t, err)

	// The producer is released because the engine closed the reader.
	_, err = pw.Write([]byte("x"))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestUploadWithoutWriterCapability(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	rec := &recorder{}
	g, err := storage.New(context.Background(), append(rec.options(),
		storage.WithLink(backend.Link{DB: readOnlyDB{db}, Client: newFakeClient()}))...)
	require.NoError(t, err)
	defer g.Close()

	_, err = g.FromStream(context.Background(), strings.NewReader("data"), nil, storage.FileInfo{})
	require.ErrorIs(t, err, storage.ErrNoWriterCapability)
	require.Equal(t, 1, rec.count(storage.EventStreamError))
}

func TestUploadNamingFailure(t *testing.T) {
	t.Parallel()

	link, _, _ := newFakeLink()
	rec := &recorder{}
	g, err := storage.New(context.Background(), append(rec.options(),
		storage.WithLink(link),
		storage.WithNamer(func(*http.Request, storage.FileInfo) (any, error) { return true, nil }),
	)...)
	require.NoError(t, err)
	defer g.Close()

	_, err = g.FromStream(context.Background(), strings.NewReader("data"), nil, storage.FileInfo{})
	require.ErrorIs(t, err, storage.ErrUnsupportedNameType)

	var ne *storage.NamingError
	require.ErrorAs(t, err, &ne)
	require.Equal(t, 0, rec.count(storage.EventStreamError), "no writer was created")
}

func TestUploadWaitsForConnection(t *testing.T) {
	t.Parallel()

	link, db, _ := newFakeLink()
	release := make(chan struct{})

	g, err := storage.New(context.Background(), storage.WithPendingLink(func(context.Context) (backend.Link, error) {
		<-release
		return link, nil
	}))
	require.NoError(t, err)
	defer g.Close()

	done := make(chan error, 1)
	go func() {
		_, err := g.FromStream(context.Background(), strings.NewReader("late"), nil, storage.FileInfo{})
		done <- err
	}()

	close(release)
	require.NoError(t, <-done)

	db.mu.Lock()
	defer db.mu.Unlock()
	require.Len(t, db.files, 1)
}

func TestUploadFailsWhenConnectionFailed(t *testing.T) {
	t.Parallel()

	g, err := storage.New(context.Background(), storage.WithURL("fake://db"), storage.WithDialer(&countingDialer{err: errDialRefused}))
	require.NoError(t, err)
	defer g.Close()

	_, err = g.FromStream(context.Background(), strings.NewReader("x"), nil, storage.FileInfo{})
	require.ErrorIs(t, err, errDialRefused)
}

func TestUploadAfterClose(t *testing.T) {
	t.Parallel()

	link, _, _ := newFakeLink()
	g, err := storage.New(context.Background(), storage.WithLink(link))
	require.NoError(t, err)
	require.NoError(t, g.Close())

	_, err = g.FromStream(context.Background(), strings.NewReader("x"), nil, storage.FileInfo{})
	require.ErrorIs(t, err, storage.ErrClosed)
}

func TestSequenceNamerAcrossUploads(t *testing.T) {
	t.Parallel()

	link, _, _ := newFakeLink()
	g, err := storage.New(context.Background(),
		storage.WithLink(link),
		storage.WithSequenceNamer(func(current storage.CurrentUpload) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				for i := 1; ; i++ {
					r, f := current()
					settings := map[string]any{
						"filename": fmt.Sprintf("%s-%d", f.OriginalName, i),
						"id":       i,
						"metadata": map[string]any{"user": r.Header.Get("X-User")},
					}
					if !yield(settings, nil) {
						return
					}
				}
			}
		}),
	)
	require.NoError(t, err)
	defer g.Close()

	uploads := []struct {
		user, name, wantID, wantFilename string
	}{
		{"ann", "a.txt", "1", "a.txt-1"},
		{"bob", "b.txt", "2", "b.txt-2"},
		{"cat", "c.txt", "3", "c.txt-3"},
	}
	for _, u := range uploads {
		req := httptest.NewRequest(http.MethodPost, "/files", nil)
		req.Header.Set("X-User", u.user)

		file, err := g.FromStream(context.Background(), strings.NewReader("x"), req, storage.FileInfo{OriginalName: u.name})
		require.NoError(t, err)
		require.Equal(t, u.wantID, file.ID)
		require.Equal(t, u.wantFilename, file.Filename)
		require.Equal(t, map[string]any{"user": u.user}, file.Metadata)
	}
}

func TestRemoveFailureSurfaces(t *testing.T) {
	t.Parallel()

	link, db, _ := newFakeLink()
	cause := errors.New("permission denied")
	db.deleteErr = cause

	c := metrics.New()
	g, err := storage.New(context.Background(), storage.WithLink(link), storage.WithMetrics(c))
	require.NoError(t, err)
	defer g.Close()

	err = g.Remove(context.Background(), &storage.File{ID: "abc"})
	require.ErrorIs(t, err, cause)
	require.ErrorContains(t, err, "fs/abc")

	count, err := testutil.GatherAndCount(c.Registry(), "gridstore_removals_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Error(t, g.Remove(context.Background(), nil))
}
