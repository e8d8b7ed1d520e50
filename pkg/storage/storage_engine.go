package storage

import (
	"context"
	"net/http"
)

// StorageEngine is the contract an upload middleware drives. The middleware
// hands over one file at a time and receives either the stored file or the
// reason the upload failed.
type StorageEngine interface {
	// HandleUpload streams f.Stream into the backend and returns the stored
	// file's metadata.
	HandleUpload(ctx context.Context, r *http.Request, f FileInfo) (*File, error)

	// RemoveUpload deletes a file previously returned by HandleUpload.
	RemoveUpload(ctx context.Context, r *http.Request, f *File) error
}

var _ StorageEngine = (*GridStorage)(nil)
