package storage_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gridstore/pkg/backend"
)

type fakeClient struct {
	connected atomic.Bool
	closes    atomic.Int32
}

func newFakeClient() *fakeClient {
	c := &fakeClient{}
	c.connected.Store(true)
	return c
}

func (c *fakeClient) IsConnected() bool { return c.connected.Load() }

func (c *fakeClient) Close() error {
	c.closes.Add(1)
	c.connected.Store(false)
	return nil
}

// fakeDB is an in-memory legacy store.
type fakeDB struct {
	notify backend.Notifier

	// writeErr is returned by every write after the first one.
	writeErr  error
	deleteErr error

	mu      sync.Mutex
	files   map[string]*backend.StoredFile
	aborted []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		files: map[string]*backend.StoredFile{},
	}
}

func newFakeLink() (backend.Link, *fakeDB, *fakeClient) {
	db, c := newFakeDB(), newFakeClient()
	return backend.Link{DB: db, Client: c}, db, c
}

func (db *fakeDB) Find(_ context.Context, bucket string, id string) (*backend.StoredFile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	f, ok := db.files[bucket+"/"+id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return f, nil
}

func (db *fakeDB) Delete(_ context.Context, bucket string, id string) error {
	if db.deleteErr != nil {
		return db.deleteErr
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.files[bucket+"/"+id]; !ok {
		return backend.ErrNotFound
	}
	delete(db.files, bucket+"/"+id)
	return nil
}

func (db *fakeDB) Subscribe() (<-chan backend.Notification, func()) {
	return db.notify.Subscribe()
}

func (db *fakeDB) OpenFile(bucket string, filename string, opts backend.FileOptions) backend.LegacyFile {
	return &fakeFile{db: db, bucket: bucket, filename: filename, opts: opts}
}

func (db *fakeDB) abortedIDs() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.aborted...)
}

type fakeFile struct {
	db       *fakeDB
	bucket   string
	filename string
	opts     backend.FileOptions

	open   bool
	writes int
	buf    bytes.Buffer
}

func (f *fakeFile) Open(context.Context) error {
	f.open = true
	return nil
}

func (f *fakeFile) Write(p []byte) (int, error) {
	if !f.open {
		return 0, backend.ErrNotOpen
	}
	f.writes++
	if f.writes > 1 && f.db.writeErr != nil {
		return 0, f.db.writeErr
	}
	return f.buf.Write(p)
}

func (f *fakeFile) Close(context.Context) (*backend.StoredFile, error) {
	if !f.open {
		return nil, backend.ErrNotOpen
	}
	stored := &backend.StoredFile{
		ID:          f.opts.ID,
		Filename:    f.filename,
		Bucket:      f.bucket,
		Length:      int64(f.buf.Len()),
		ChunkSize:   f.opts.ChunkSize,
		UploadDate:  time.Now().UTC(),
		ContentType: f.opts.ContentType,
		Metadata:    f.opts.Metadata,
	}

	f.db.mu.Lock()
	f.db.files[f.bucket+"/"+f.opts.ID] = stored
	f.db.mu.Unlock()
	return stored, nil
}

func (f *fakeFile) Abort() error {
	f.db.mu.Lock()
	f.db.aborted = append(f.db.aborted, f.opts.ID)
	f.db.mu.Unlock()
	return nil
}

// readOnlyDB has no writer capability.
type readOnlyDB struct {
	backend.Database
}

// countingDialer hands out fake links and counts dials. When gate is set,
// dials block until it is closed.
type countingDialer struct {
	dials atomic.Int32
	gate  chan struct{}
	err   error

	mu      sync.Mutex
	clients []*fakeClient
	dbs     []*fakeDB
}

func (d *countingDialer) Dial(ctx context.Context, rawURL string, opts backend.Options) (backend.Link, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return backend.Link{}, ctx.Err()
		}
	}
	if d.err != nil {
		return backend.Link{}, d.err
	}

	link, db, c := newFakeLink()
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.dbs = append(d.dbs, db)
	d.mu.Unlock()
	return link, nil
}

func (d *countingDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

func (d *countingDialer) db(i int) *fakeDB {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dbs[i]
}

var errDialRefused = errors.New("connection refused")
