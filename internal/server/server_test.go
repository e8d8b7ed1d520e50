package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"gridstore/internal/auth"
	"gridstore/internal/metrics"
	"gridstore/internal/server"
	"gridstore/pkg/backend"
	_ "gridstore/pkg/backend/sqlitefs"
	"gridstore/pkg/storage"
)

const (
	AccessKeyID     = "gridadmin"
	SecretAccessKey = "gridsecret"
)

type part struct {
	field    string
	filename string
	content  string
}

func multipartBody(t *testing.T, parts ...part) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename == "" {
			require.NoError(t, mw.WriteField(p.field, p.content))
			continue
		}
		w, err := mw.CreateFormFile(p.field, p.filename)
		require.NoError(t, err)
		_, err = io.WriteString(w, p.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func newEngine(t *testing.T, opts ...storage.Option) *storage.GridStorage {
	t.Helper()

	url := "sqlite://" + filepath.Join(t.TempDir(), "files.db")
	g, err := storage.New(t.Context(), append([]storage.Option{storage.WithURL(url)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	_, err = g.Ready(t.Context())
	require.NoError(t, err)
	return g
}

func newServer(t *testing.T, engine server.Engine, opts ...server.ConfigOption) *httptest.Server {
	t.Helper()

	srv, err := server.New(server.NewConfig(append([]server.ConfigOption{server.WithStorageEngine(engine)}, opts...)...))
	require.NoError(t, err)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return httpSrv
}

func do(t *testing.T, method string, url string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, url, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestUploadStatContentDelete(t *testing.T) {
	t.Parallel()

	httpSrv := newServer(t, newEngine(t))

	body, contentType := multipartBody(t,
		part{field: "note", content: "ignored form field"},
		part{field: "first", filename: "a.txt", content: "alpha"},
		part{field: "second", filename: "b.txt", content: "bravo bravo"},
	)

	resp := do(t, http.MethodPost, httpSrv.URL+"/files", body, contentType)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	files := decode[[]storage.File](t, resp)
	require.Len(t, files, 2)
	require.Equal(t, int64(5), files[0].Size)
	require.Equal(t, int64(11), files[1].Size)
	require.Equal(t, storage.DefaultBucketName, files[0].BucketName)

	fileURL := httpSrv.URL + "/files/" + files[1].BucketName + "/" + files[1].ID

	resp = do(t, http.MethodGet, fileURL, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stored := decode[backend.StoredFile](t, resp)
	require.Equal(t, files[1].Filename, stored.Filename)

	resp = do(t, http.MethodGet, fileURL+"/content", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "bravo bravo", string(content))

	resp = do(t, http.MethodDelete, fileURL, nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, fileURL, nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NotFound", decode[map[string]string](t, resp)["code"])

	resp = do(t, http.MethodDelete, fileURL, nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadWithoutFiles(t *testing.T) {
	t.Parallel()

	httpSrv := newServer(t, newEngine(t))

	body, contentType := multipartBody(t, part{field: "note", content: "no files here"})
	resp := do(t, http.MethodPost, httpSrv.URL+"/files", body, contentType)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, httpSrv.URL+"/files", strings.NewReader("{}"), "application/json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadNamingErrorIsBadRequest(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, storage.WithNamer(func(r *http.Request, f storage.FileInfo) (any, error) {
		return []int{1}, nil
	}))
	httpSrv := newServer(t, engine)

	body, contentType := multipartBody(t, part{field: "f", filename: "x.bin", content: "x"})
	resp := do(t, http.MethodPost, httpSrv.URL+"/files", body, contentType)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "InvalidFileSettings", decode[map[string]string](t, resp)["code"])
}

func TestFailedUploadRollsBackEarlierFiles(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		ids []string
	)
	engine := newEngine(t, storage.WithNamer(func(r *http.Request, f storage.FileInfo) (any, error) {
		if f.OriginalName == "bad.bin" {
			return nil, errors.New("refused")
		}
		return map[string]any{"id": "keep-" + f.FieldName}, nil
	}), storage.WithEventHandler(storage.EventFile, func(ev storage.Event) {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, ev.File.ID)
	}))
	httpSrv := newServer(t, engine)

	body, contentType := multipartBody(t,
		part{field: "one", filename: "good.bin", content: "good"},
		part{field: "two", filename: "bad.bin", content: "bad"},
	)
	resp := do(t, http.MethodPost, httpSrv.URL+"/files", body, contentType)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	mu.Lock()
	require.Equal(t, []string{"keep-one"}, ids)
	mu.Unlock()
	_, err := engine.Stat(t.Context(), storage.DefaultBucketName, "keep-one")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()

	httpSrv := newServer(t, newEngine(t), server.WithMaxUploadBytes(1024))

	body, contentType := multipartBody(t, part{field: "f", filename: "big.bin", content: strings.Repeat("x", 4096)})
	resp := do(t, http.MethodPost, httpSrv.URL+"/files", body, contentType)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	basic, err := auth.NewBasicAuthEngine(AccessKeyID, SecretAccessKey)
	require.NoError(t, err)
	httpSrv := newServer(t, newEngine(t), server.WithAuthEngine(basic))

	resp := do(t, http.MethodGet, httpSrv.URL+"/files/fs/missing", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, httpSrv.URL+"/files/fs/missing", nil)
	require.NoError(t, err)
	req.SetBasicAuth(AccessKeyID, SecretAccessKey)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	require.Equal(t, http.StatusNotFound, authed.StatusCode)

	// Health checks stay open.
	resp = do(t, http.MethodGet, httpSrv.URL+"/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	httpSrv := newServer(t, newEngine(t))
	resp := do(t, http.MethodGet, httpSrv.URL+"/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, decode[map[string]any](t, resp)["connected"])

	failed, err := storage.New(t.Context(), storage.WithPendingLink(func(context.Context) (backend.Link, error) {
		return backend.Link{}, errors.New("no route to host")
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = failed.Close() })
	_, err = failed.Ready(t.Context())
	require.Error(t, err)

	down := newServer(t, failed)
	resp = do(t, http.MethodGet, down.URL+"/healthz", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, contentType := multipartBody(t, part{field: "f", filename: "x", content: "x"})
	resp = do(t, http.MethodPost, down.URL+"/files", body, contentType)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	collector := metrics.New()
	httpSrv := newServer(t, newEngine(t, storage.WithMetrics(collector)), server.WithMetricsHandler(collector.Handler()))

	body, contentType := multipartBody(t, part{field: "f", filename: "m.txt", content: "metrics"})
	resp := do(t, http.MethodPost, httpSrv.URL+"/files", body, contentType)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, httpSrv.URL+"/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(text), `gridstore_uploads_total{bucket="fs",outcome="success"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	httpSrv := newServer(t, newEngine(t))
	resp := do(t, http.MethodGet, httpSrv.URL+"/nope", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestRecoverer(t *testing.T) {
	t.Parallel()

	h := server.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNewRequiresEngine(t *testing.T) {
	t.Parallel()

	_, err := server.New(server.NewConfig())
	require.Error(t, err)
}
