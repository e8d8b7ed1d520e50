package storage

import (
	"context"
	"errors"
	"io"

	"gridstore/pkg/backend"
)

// uploadWriter hides the difference between the two backend writer
// lifecycles from the pipeline.
type uploadWriter interface {
	// open must return before the first Write.
	open(ctx context.Context) error
	io.Writer
	// finish ends input and returns what the backend stored.
	finish(ctx context.Context) (*backend.StoredFile, error)
	// abort releases the writer after a failure.
	abort(err error)
	// legacy reports whether open does real work.
	legacy() bool
}

func fileOptions(s FileSettings) backend.FileOptions {
	return backend.FileOptions{
		ID:          s.ID,
		ContentType: s.ContentType,
		ChunkSize:   s.ChunkSize,
		Metadata:    s.Metadata,
		Aliases:     s.Aliases,
		DisableMD5:  s.DisableMD5,
	}
}

// newUploadWriter picks the writer implementation from the capabilities of
// the connected database. Stream capable databases are preferred.
func newUploadWriter(ctx context.Context, db backend.Database, s FileSettings) (uploadWriter, error) {
	switch store := db.(type) {
	case backend.StreamStore:
		return &streamWriter{stream: store.OpenUploadStream(ctx, s.BucketName, s.Filename, fileOptions(s))}, nil
	case backend.LegacyStore:
		return &legacyWriter{file: store.OpenFile(s.BucketName, s.Filename, fileOptions(s))}, nil
	}
	return nil, ErrNoWriterCapability
}

// legacyWriter drives backend.LegacyFile: open, write, close.
type legacyWriter struct {
	file backend.LegacyFile
}

func (w *legacyWriter) open(ctx context.Context) error {
	return w.file.Open(ctx)
}

func (w *legacyWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *legacyWriter) finish(ctx context.Context) (*backend.StoredFile, error) {
	return w.file.Close(ctx)
}

func (w *legacyWriter) abort(error) {
	_ = w.file.Abort()
}

func (w *legacyWriter) legacy() bool { return true }

// streamWriter drives backend.UploadStream: write, close input, wait for the
// finish notification.
type streamWriter struct {
	stream backend.UploadStream
}

func (w *streamWriter) open(context.Context) error {
	return nil
}

func (w *streamWriter) Write(p []byte) (int, error) {
	return w.stream.Write(p)
}

func (w *streamWriter) finish(ctx context.Context) (*backend.StoredFile, error) {
	if err := w.stream.Close(); err != nil {
		return nil, err
	}

	select {
	case <-w.stream.Done():
	case <-ctx.Done():
		w.stream.Abort(ctx.Err())
		return nil, ctx.Err()
	}

	file, err := w.stream.Result()
	if err == nil && file == nil {
		err = errors.New("upload stream finished without a result")
	}
	return file, err
}

func (w *streamWriter) abort(err error) {
	w.stream.Abort(err)
}

func (w *streamWriter) legacy() bool { return false }
