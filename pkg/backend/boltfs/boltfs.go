// Package boltfs stores files in a bbolt database. Its writers follow the
// explicit open, write, close lifecycle.
//
// Import it for its side effect to make "bolt://<path>" URLs dialable.
package boltfs

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack"
	bolt "go.etcd.io/bbolt"

	"gridstore/pkg/backend"
)

const (
	Scheme           = "bolt"
	DefaultChunkSize = 255 * 1024
)

var ErrDuplicateID = errors.New("file id already exists")

func init() {
	backend.Register(Scheme, backend.DialerFunc(Dial))
}

// fileDoc is the stored form of a file document.
type fileDoc struct {
	ID          string    `msgpack:"id"`
	Filename    string    `msgpack:"fn"`
	Length      int64     `msgpack:"len"`
	ChunkSize   int       `msgpack:"cs"`
	UploadDate  time.Time `msgpack:"ud"`
	MD5         string    `msgpack:"md5"`
	ContentType string    `msgpack:"ct"`
	Metadata    any       `msgpack:"meta"`
	Aliases     []string  `msgpack:"al"`
}

func (d *fileDoc) stored(bucket string) *backend.StoredFile {
	return &backend.StoredFile{
		ID:          d.ID,
		Filename:    d.Filename,
		Bucket:      bucket,
		Length:      d.Length,
		ChunkSize:   d.ChunkSize,
		UploadDate:  d.UploadDate,
		MD5:         d.MD5,
		ContentType: d.ContentType,
		Metadata:    d.Metadata,
		Aliases:     d.Aliases,
	}
}

// Store is the database half of a link.
type Store struct {
	db     *bolt.DB
	notify backend.Notifier
}

type client struct {
	store  *Store
	closed atomic.Bool
	once   sync.Once
}

// Dial opens the database file named by the URL. Recognized options:
// timeout (milliseconds to wait for the file lock, default 1000) and
// no_sync (skip fsync after each commit).
func Dial(ctx context.Context, rawURL string, opts backend.Options) (backend.Link, error) {
	path, ok := strings.CutPrefix(rawURL, Scheme+"://")
	if !ok || path == "" {
		return backend.Link{}, fmt.Errorf("boltfs: invalid url %q", rawURL)
	}

	timeout, err := opts.Millis("timeout", time.Second)
	if err != nil {
		return backend.Link{}, err
	}
	noSync, err := opts.Bool("no_sync", false)
	if err != nil {
		return backend.Link{}, err
	}

	if err := ctx.Err(); err != nil {
		return backend.Link{}, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return backend.Link{}, fmt.Errorf("open bolt db: %w", err)
	}
	db.NoSync = noSync

	s := &Store{db: db}
	return backend.Link{DB: s, Client: &client{store: s}}, nil
}

func (c *client) IsConnected() bool {
	return !c.closed.Load()
}

func (c *client) Close() error {
	err := backend.ErrClosed
	c.once.Do(func() {
		c.closed.Store(true)
		c.store.notify.Publish(backend.Notification{Kind: backend.NotifyClose})
		c.store.notify.Close()
		err = c.store.db.Close()
	})
	return err
}

// Subscribe implements backend.Database.
func (s *Store) Subscribe() (<-chan backend.Notification, func()) {
	return s.notify.Subscribe()
}

func filesBucket(bucket string) []byte  { return []byte(bucket + ".files") }
func chunksBucket(bucket string) []byte { return []byte(bucket + ".chunks") }

// chunkKey orders chunks of one file by n. The NUL separator keeps one id
// from being a key prefix of another.
func chunkKey(id string, n int) []byte {
	key := make([]byte, 0, len(id)+9)
	key = append(key, id...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, uint64(n))
}

func chunkPrefix(id string) []byte {
	return append([]byte(id), 0)
}

func (s *Store) Find(ctx context.Context, bucket string, id string) (*backend.StoredFile, error) {
	var doc fileDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		files := tx.Bucket(filesBucket(bucket))
		if files == nil {
			return backend.ErrNotFound
		}
		data := files.Get([]byte(id))
		if data == nil {
			return backend.ErrNotFound
		}
		return msgpack.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc.stored(bucket), nil
}

func (s *Store) Delete(ctx context.Context, bucket string, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(filesBucket(bucket))
		if files == nil || files.Get([]byte(id)) == nil {
			return backend.ErrNotFound
		}
		if err := files.Delete([]byte(id)); err != nil {
			return err
		}
		return deleteChunks(tx, bucket, id)
	})
}

func deleteChunks(tx *bolt.Tx, bucket string, id string) error {
	chunks := tx.Bucket(chunksBucket(bucket))
	if chunks == nil {
		return nil
	}

	prefix := chunkPrefix(id)
	c := chunks.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile writes the chunks of a stored file to w in order.
func (s *Store) ReadFile(ctx context.Context, bucket string, id string, w io.Writer) (int64, error) {
	var written int64
	err := s.db.View(func(tx *bolt.Tx) error {
		files := tx.Bucket(filesBucket(bucket))
		if files == nil || files.Get([]byte(id)) == nil {
			return backend.ErrNotFound
		}

		chunks := tx.Bucket(chunksBucket(bucket))
		if chunks == nil {
			return nil
		}

		prefix := chunkPrefix(id)
		c := chunks.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			n, err := w.Write(v)
			written += int64(n)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return written, err
}

// OpenFile returns a writer that must be opened before use.
func (s *Store) OpenFile(bucket string, filename string, opts backend.FileOptions) backend.LegacyFile {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f := &legacyFile{
		store:     s,
		bucket:    bucket,
		filename:  filename,
		opts:      opts,
		chunkSize: chunkSize,
	}
	if !opts.DisableMD5 {
		f.hash = md5.New()
	}
	return f
}

type legacyFile struct {
	store     *Store
	bucket    string
	filename  string
	opts      backend.FileOptions
	chunkSize int

	mu      sync.Mutex
	opened  bool
	done    bool
	pending []byte
	n       int
	length  int64
	hash    hash.Hash
}

// Open creates the buckets and reserves nothing; it fails when the id is
// already taken.
func (f *legacyFile) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.opts.ID == "" {
		return errors.New("file id must not be empty")
	}

	err := f.store.db.Update(func(tx *bolt.Tx) error {
		files, err := tx.CreateBucketIfNotExists(filesBucket(f.bucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(chunksBucket(f.bucket)); err != nil {
			return err
		}
		if files.Get([]byte(f.opts.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateID, f.opts.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	return nil
}

func (f *legacyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.opened {
		return 0, backend.ErrNotOpen
	}
	if f.done {
		return 0, errors.New("file already closed")
	}

	f.pending = append(f.pending, p...)
	for len(f.pending) >= f.chunkSize {
		if err := f.flush(f.pending[:f.chunkSize]); err != nil {
			return 0, err
		}
		f.pending = f.pending[f.chunkSize:]
	}
	return len(p), nil
}

// flush stores one chunk. Callers hold mu.
func (f *legacyFile) flush(data []byte) error {
	err := f.store.db.Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(chunksBucket(f.bucket))
		if chunks == nil {
			return fmt.Errorf("chunks bucket of %q disappeared", f.bucket)
		}
		// bolt keeps the value slice until commit; data is copied below.
		return chunks.Put(chunkKey(f.opts.ID, f.n), bytes.Clone(data))
	})
	if err != nil {
		return fmt.Errorf("store chunk %d: %w", f.n, err)
	}

	if f.hash != nil {
		f.hash.Write(data)
	}
	f.n++
	f.length += int64(len(data))
	return nil
}

// Close stores the last partial chunk and the file document.
func (f *legacyFile) Close(ctx context.Context) (*backend.StoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.opened {
		return nil, backend.ErrNotOpen
	}
	if f.done {
		return nil, errors.New("file already closed")
	}
	f.done = true

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(f.pending) > 0 {
		if err := f.flush(f.pending); err != nil {
			return nil, err
		}
		f.pending = nil
	}

	doc := fileDoc{
		ID:          f.opts.ID,
		Filename:    f.filename,
		Length:      f.length,
		ChunkSize:   f.chunkSize,
		UploadDate:  time.Now().UTC(),
		ContentType: f.opts.ContentType,
		Metadata:    f.opts.Metadata,
		Aliases:     f.opts.Aliases,
	}
	if f.hash != nil {
		doc.MD5 = hex.EncodeToString(f.hash.Sum(nil))
	}

	data, err := msgpack.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("encode file document: %w", err)
	}

	err = f.store.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(filesBucket(f.bucket))
		if files == nil {
			return fmt.Errorf("files bucket of %q disappeared", f.bucket)
		}
		return files.Put([]byte(doc.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("store file document: %w", err)
	}

	return doc.stored(f.bucket), nil
}

// Abort removes the chunks written so far.
func (f *legacyFile) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.done = true
	f.pending = nil
	if !f.opened {
		return nil
	}

	return f.store.db.Update(func(tx *bolt.Tx) error {
		return deleteChunks(tx, f.bucket, f.opts.ID)
	})
}
