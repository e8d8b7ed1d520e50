// Package backend defines the contract between the storage engine and the
// chunked blob stores it writes to. Drivers register themselves by URL scheme
// in the same way database/sql drivers do, so a blank import is enough to
// make a scheme dialable.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by Find when no file with the given id exists
	// in the bucket.
	ErrNotFound = errors.New("file not found")

	// ErrNotOpen is returned by legacy writers when bytes arrive before Open
	// has completed.
	ErrNotOpen = errors.New("file is not open")

	// ErrClosed is returned when an operation is attempted on a closed client.
	ErrClosed = errors.New("backend client is closed")
)

// Options are the driver specific connect options. They take part in the
// connection cache signature, so values should be JSON encodable.
type Options map[string]any

// NotificationKind names a transport level notification.
type NotificationKind string

const (
	NotifyError      NotificationKind = "error"
	NotifyParseError NotificationKind = "parseError"
	NotifyTimeout    NotificationKind = "timeout"
	NotifyClose      NotificationKind = "close"
)

// Notification is a transport level event reported by a connected database.
type Notification struct {
	Kind NotificationKind
	Err  error
}

// FileOptions describes how a single file is written.
type FileOptions struct {
	ID          string
	ContentType string
	ChunkSize   int
	Metadata    any
	Aliases     []string
	DisableMD5  bool
}

// StoredFile is the metadata a backend reports for a stored file.
type StoredFile struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Bucket      string    `json:"bucket"`
	Length      int64     `json:"length"`
	ChunkSize   int       `json:"chunkSize"`
	UploadDate  time.Time `json:"uploadDate"`
	MD5         string    `json:"md5,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Metadata    any       `json:"metadata,omitempty"`
	Aliases     []string  `json:"aliases,omitempty"`
}

// Database is the handle used to manage stored files.
type Database interface {
	// Find returns the stored metadata of the file, or ErrNotFound.
	Find(ctx context.Context, bucket string, id string) (*StoredFile, error)

	// Delete removes the file document and all of its chunks.
	Delete(ctx context.Context, bucket string, id string) error

	// Subscribe returns a channel of transport events for this caller
	// alone, and a function that ends the subscription. Every subscriber
	// sees every event. The channel is closed when the client is closed.
	Subscribe() (<-chan Notification, func())
}

// Client owns the underlying transport of a Database.
type Client interface {
	// IsConnected reports the transport's own view of the link.
	IsConnected() bool
	Close() error
}

// Link is the pair produced by a successful dial.
type Link struct {
	DB     Database
	Client Client
}

// LegacyStore is implemented by databases whose writers must be opened
// explicitly before any bytes are written and closed explicitly to obtain the
// stored metadata.
type LegacyStore interface {
	Database
	OpenFile(bucket string, filename string, opts FileOptions) LegacyFile
}

// LegacyFile is a writer with an explicit open/close lifecycle. Writing before
// Open has returned fails with ErrNotOpen.
type LegacyFile interface {
	Open(ctx context.Context) error
	Write(p []byte) (int, error)
	Close(ctx context.Context) (*StoredFile, error)

	// Abort discards any data written so far.
	Abort() error
}

// StreamStore is implemented by databases whose writers open implicitly and
// announce completion asynchronously.
type StreamStore interface {
	Database
	OpenUploadStream(ctx context.Context, bucket string, filename string, opts FileOptions) UploadStream
}

// UploadStream accepts bytes until Close and then finishes in the background.
// Done is closed once the file is stored or the stream failed; Result is only
// meaningful after that.
type UploadStream interface {
	io.WriteCloser
	Done() <-chan struct{}
	Result() (*StoredFile, error)

	// Abort destroys the stream; pending and future writes fail with err.
	Abort(err error)
}

// FileReader is implemented by databases that can stream a stored file back.
type FileReader interface {
	ReadFile(ctx context.Context, bucket string, id string, w io.Writer) (int64, error)
}
