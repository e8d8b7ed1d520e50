package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"gridstore/internal/metrics"
	"gridstore/pkg/backend"
)

// HandleUpload stores f.Stream. It implements StorageEngine.
func (g *GridStorage) HandleUpload(ctx context.Context, r *http.Request, f FileInfo) (*File, error) {
	return g.FromStream(ctx, f.Stream, r, f)
}

// RemoveUpload deletes a stored file. It implements StorageEngine.
func (g *GridStorage) RemoveUpload(ctx context.Context, r *http.Request, f *File) error {
	return g.Remove(ctx, f)
}

// FromStream stores everything read from src. It waits for the connection
// if necessary, resolves the file settings and streams src into a backend
// writer. Writer failures are returned as *StreamError and announced with a
// single streamError event; success is announced with a file event.
func (g *GridStorage) FromStream(ctx context.Context, src io.Reader, r *http.Request, f FileInfo) (*File, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}

	start := time.Now()

	link, err := g.Ready(ctx)
	if err != nil {
		return nil, err
	}

	settings, err := g.namer.resolve(ctx, r, f)
	if err != nil {
		g.logger.Warn("Resolve file settings", "field", f.FieldName, "original_name", f.OriginalName, "err", err)
		g.cfg.Metrics.Upload(DefaultBucketName, metrics.OutcomeError, 0, time.Since(start))
		return nil, err
	}

	log := g.logger.With("bucket", settings.BucketName, "id", settings.ID, "filename", settings.Filename)

	file, err := g.store(ctx, link.DB, src, settings)
	if err != nil {
		log.Error("Store upload", "err", err)
		g.cfg.Metrics.Upload(settings.BucketName, metrics.OutcomeError, 0, time.Since(start))
		return nil, err
	}

	log.Debug("Stored upload", "size", file.Size)
	g.cfg.Metrics.Upload(settings.BucketName, metrics.OutcomeSuccess, file.Size, time.Since(start))
	g.events.emit(Event{Kind: EventFile, File: file})

	return file, nil
}

// store runs the writer lifecycle for one upload.
func (g *GridStorage) store(ctx context.Context, db backend.Database, src io.Reader, settings FileSettings) (*File, error) {
	// fail releases both ends of the pipe and reports the failure. Every
	// failing path below returns through it exactly once.
	fail := func(w uploadWriter, err error) error {
		if w != nil {
			w.abort(err)
		}
		if c, ok := src.(io.Closer); ok {
			_ = c.Close()
		}

		reported := settings
		g.events.emit(Event{Kind: EventStreamError, Err: err, Settings: &reported})
		return &StreamError{Err: err, Settings: settings}
	}

	if src == nil {
		return nil, fail(nil, errors.New("upload has no content stream"))
	}

	w, err := newUploadWriter(ctx, db, settings)
	if err != nil {
		return nil, fail(nil, err)
	}
	g.logger.Debug("Writer selected", "bucket", settings.BucketName, "id", settings.ID, "legacy", w.legacy())

	// Legacy writers must be fully open before the first byte flows.
	if err := w.open(ctx); err != nil {
		return nil, fail(w, fmt.Errorf("open writer: %w", err))
	}

	if _, err := pump(w, src); err != nil {
		return nil, fail(w, err)
	}

	stored, err := w.finish(ctx)
	if err != nil {
		return nil, fail(w, err)
	}

	return &File{
		ID:          settings.ID,
		Filename:    settings.Filename,
		Metadata:    settings.Metadata,
		BucketName:  settings.BucketName,
		ChunkSize:   stored.ChunkSize,
		Size:        stored.Length,
		MD5:         stored.MD5,
		UploadDate:  stored.UploadDate,
		ContentType: stored.ContentType,
	}, nil
}

// pump copies src into w.
func pump(w io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	return io.CopyBuffer(onlyWriter{w}, src, buf)
}

// onlyWriter hides any ReaderFrom implementation so CopyBuffer really uses
// the buffer and every write goes through the upload writer.
type onlyWriter struct {
	io.Writer
}

// Remove deletes a stored file by bucket and id. Errors are returned as is;
// there is no retry.
func (g *GridStorage) Remove(ctx context.Context, f *File) error {
	if f == nil {
		return errors.New("remove: no file given")
	}

	link, err := g.Ready(ctx)
	if err != nil {
		return err
	}

	bucket := f.BucketName
	if bucket == "" {
		bucket = DefaultBucketName
	}

	if err := link.DB.Delete(ctx, bucket, f.ID); err != nil {
		g.logger.Error("Remove file", "bucket", bucket, "id", f.ID, "err", err)
		g.cfg.Metrics.Remove(bucket, metrics.OutcomeError)
		return fmt.Errorf("remove %s/%s: %w", bucket, f.ID, err)
	}

	g.cfg.Metrics.Remove(bucket, metrics.OutcomeSuccess)
	return nil
}

// Stat returns the stored metadata of a file, or backend.ErrNotFound.
func (g *GridStorage) Stat(ctx context.Context, bucket string, id string) (*backend.StoredFile, error) {
	link, err := g.Ready(ctx)
	if err != nil {
		return nil, err
	}

	if bucket == "" {
		bucket = DefaultBucketName
	}
	return link.DB.Find(ctx, bucket, id)
}
