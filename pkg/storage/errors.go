package storage

import (
	"errors"
	"fmt"

	"gridstore/pkg/backend"
)

var (
	// ErrMissingConnection is returned by New when neither a URL nor a link
	// was configured.
	ErrMissingConnection = errors.New("either a URL or a link is required")

	// ErrUnsupportedNameType is wrapped when a namer returns a value of a
	// type other than nil, number, string, map or FileSettings.
	ErrUnsupportedNameType = errors.New("unsupported namer result type")

	// ErrSequenceEnded is wrapped when a sequence namer is exhausted.
	ErrSequenceEnded = errors.New("naming sequence ended unexpectedly")

	// ErrNoWriterCapability is returned when the connected database supports
	// neither writer lifecycle.
	ErrNoWriterCapability = errors.New("backend database cannot write files")

	// ErrClosed is returned by uploads started after Close.
	ErrClosed = errors.New("storage engine is closed")
)

// NamingError reports a failure to resolve the settings of one upload.
type NamingError struct {
	Err error
}

func (e *NamingError) Error() string {
	return "resolve file settings: " + e.Err.Error()
}

func (e *NamingError) Unwrap() error {
	return e.Err
}

// StreamError reports a failure while writing one upload. Settings are the
// ones the writer was created with.
type StreamError struct {
	Err      error
	Settings FileSettings
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("store %q in bucket %q: %v", e.Settings.Filename, e.Settings.BucketName, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// TransportError wraps a transport notification forwarded as a dbError event.
type TransportError struct {
	Kind backend.NotificationKind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "backend " + string(e.Kind)
	}
	return "backend " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
