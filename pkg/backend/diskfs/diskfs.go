// Package diskfs stores files on the local filesystem. Chunks are content
// addressed by their SHA-256 hash, so identical chunks are stored once per
// bucket and hard linked across buckets. Every file is described by a JSON
// document listing its chunks.
//
// Import it for its side effect to make "file://<dir>" URLs dialable.
package diskfs

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"gridstore/pkg/backend"
)

const (
	Scheme           = "file"
	DefaultChunkSize = 255 * 1024
)

var (
	bucketNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

	// ErrDuplicateID is returned when a file with the same id already exists.
	ErrDuplicateID = errors.New("file id already exists")
)

func init() {
	backend.Register(Scheme, backend.DialerFunc(Dial))
}

// fileDoc is the on-disk document of a stored file.
type fileDoc struct {
	backend.StoredFile
	Chunks []string `json:"chunks"`
}

// Store is the database half of a link.
type Store struct {
	root   string
	noLink bool
	notify backend.Notifier

	// mu serializes publishing documents with chunk garbage collection.
	mu sync.Mutex
	// pins counts in-flight uploads per chunk so collection skips them.
	pins map[string]int
}

type client struct {
	store  *Store
	closed atomic.Bool
	once   sync.Once
}

// Dial uses the directory named by the URL, creating it if needed.
// Recognized options: no_link (bool, default false) disables hard linking
// chunks across buckets.
func Dial(ctx context.Context, rawURL string, opts backend.Options) (backend.Link, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != Scheme || u.Path == "" {
		return backend.Link{}, fmt.Errorf("diskfs: invalid url %q", rawURL)
	}

	noLink, err := opts.Bool("no_link", false)
	if err != nil {
		return backend.Link{}, err
	}

	root, err := filepath.Abs(filepath.FromSlash(u.Path))
	if err != nil {
		return backend.Link{}, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o755); err != nil {
		return backend.Link{}, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		root:   root,
		noLink: noLink,
		pins:   map[string]int{},
	}

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
		err = nil
	})
	return err
}

// Subscribe implements backend.Database.
func (s *Store) Subscribe() (<-chan backend.Notification, func()) {
	return s.notify.Subscribe()
}

func checkNames(bucket string, id string) error {
	if !bucketNamePattern.MatchString(bucket) {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("invalid file id %q", id)
	}
	return nil
}

func (s *Store) docPath(bucket string, id string) string {
	return filepath.Join(s.root, bucket, "files", url.PathEscape(id)+".json")
}

func (s *Store) readDoc(bucket string, id string) (*fileDoc, error) {
	if err := checkNames(bucket, id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.docPath(bucket, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode file document %s/%s: %w", bucket, id, err)
	}
	return &doc, nil
}

func (s *Store) Find(ctx context.Context, bucket string, id string) (*backend.StoredFile, error) {
	doc, err := s.readDoc(bucket, id)
	if err != nil {
		return nil, err
	}
	return &doc.StoredFile, nil
}

func (s *Store) Delete(ctx context.Context, bucket string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc(bucket, id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.docPath(bucket, id)); err != nil {
		return err
	}
	return s.collect(bucket, doc.Chunks)
}

// collect removes chunks that are neither pinned nor referenced by any
// document of the bucket. The caller holds s.mu.
func (s *Store) collect(bucket string, hashes []string) error {
	candidates := map[string]bool{}
	for _, h := range hashes {
		if s.pins[bucket+"/"+h] == 0 {
			candidates[h] = true
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	docs, err := filepath.Glob(filepath.Join(s.root, bucket, "files", "*.json"))
	if err != nil {
		return err
	}
	for _, path := range docs {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var doc fileDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		for _, h := range doc.Chunks {
			delete(candidates, h)
		}
	}

	var errs []error
	for h := range candidates {
		path, err := chunkPath(s.root, bucket, h)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) pin(bucket string, h string) {
	s.mu.Lock()
	s.pins[bucket+"/"+h]++
	s.mu.Unlock()
}

// unpin releases pins. The caller holds s.mu.
func (s *Store) unpin(bucket string, hashes []string) {
	for _, h := range hashes {
		key := bucket + "/" + h
		if s.pins[key]--; s.pins[key] <= 0 {
			delete(s.pins, key)
		}
	}
}

// putChunk makes the chunk with the given content available in bucket.
func (s *Store) putChunk(bucket string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	s.pin(bucket, h)

	path, err := chunkPath(s.root, bucket, h)
	if err != nil {
		return h, err
	}
	if info, err := os.Stat(path); err == nil && info.Size() == int64(len(data)) {
		return h, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return h, err
	}

	if !s.noLink {
		for _, existing := range locateExistingChunk(s.root, path, h, int64(len(data))) {
			if err := copyOrLinkFile(existing, path); err == nil {
				return h, nil
			}
		}
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, ".tmp"), "chunk-*")
	if err != nil {
		return h, err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return h, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return h, err
	}
	if err := moveFile(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return h, err
	}
	return h, nil
}

// publish writes the document without replacing an existing one.
func (s *Store) publish(doc *fileDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	path := s.docPath(doc.Bucket, doc.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return ErrDuplicateID
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// ReadFile copies the chunks of a stored file to w in order.
func (s *Store) ReadFile(ctx context.Context, bucket string, id string, w io.Writer) (int64, error) {
	doc, err := s.readDoc(bucket, id)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, h := range doc.Chunks {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		path, err := chunkPath(s.root, bucket, h)
		if err != nil {
			return total, err
		}
		f, err := os.Open(path)
		if err != nil {
			return total, fmt.Errorf("open chunk %s: %w", h, err)
		}
		n, err := io.Copy(w, f)
		_ = f.Close()
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// OpenUploadStream returns a writer that stores chunks as they fill up and
// publishes the document on Close.
func (s *Store) OpenUploadStream(ctx context.Context, bucket string, filename string, opts backend.FileOptions) backend.UploadStream {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	u := &uploadStream{
		store:     s,
		ctx:       ctx,
		bucket:    bucket,
		filename:  filename,
		opts:      opts,
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize),
		done:      make(chan struct{}),
	}
	if !opts.DisableMD5 {
		u.md5 = md5.New()
	}

	if err := checkNames(bucket, opts.ID); err != nil {
		u.err = err
	} else if _, err := os.Stat(s.docPath(bucket, opts.ID)); err == nil {
		u.err = ErrDuplicateID
	}
	if u.err != nil {
		u.once.Do(func() { close(u.done) })
	}
	return u
}

type uploadStream struct {
	store     *Store
	ctx       context.Context
	bucket    string
	filename  string
	opts      backend.FileOptions
	chunkSize int

	mu     sync.Mutex
	buf    []byte
	md5    hash.Hash
	length int64
	chunks []string
	err    error
	result *backend.StoredFile
	done   chan struct{}
	once   sync.Once
}

func (u *uploadStream) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.err != nil {
		return 0, u.err
	}
	if u.result != nil {
		return 0, errors.New("write after close")
	}

	written := 0
	for len(p) > 0 {
		n := min(u.chunkSize-len(u.buf), len(p))
		u.buf = append(u.buf, p[:n]...)
		p = p[n:]
		written += n

		if len(u.buf) == u.chunkSize {
			if err := u.flush(); err != nil {
				u.fail(err)
				return written, err
			}
		}
	}
	return written, nil
}

// flush stores the buffered bytes as the next chunk. The caller holds u.mu.
func (u *uploadStream) flush() error {
	if len(u.buf) == 0 {
		return nil
	}
	if err := u.ctx.Err(); err != nil {
		return err
	}

	h, err := u.store.putChunk(u.bucket, u.buf)
	u.chunks = append(u.chunks, h)
	if err != nil {
		return err
	}

	if u.md5 != nil {
		u.md5.Write(u.buf)
	}
	u.length += int64(len(u.buf))
	u.buf = u.buf[:0]
	return nil
}

func (u *uploadStream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.err != nil {
		return u.err
	}
	if u.result != nil {
		return nil
	}

	if err := u.flush(); err != nil {
		u.fail(err)
		return err
	}

	doc := &fileDoc{
		StoredFile: backend.StoredFile{
			ID:          u.opts.ID,
			Filename:    u.filename,
			Bucket:      u.bucket,
			Length:      u.length,
			ChunkSize:   u.chunkSize,
			UploadDate:  time.Now().UTC(),
			ContentType: u.opts.ContentType,
			Metadata:    u.opts.Metadata,
			Aliases:     u.opts.Aliases,
		},
		Chunks: u.chunks,
	}
	if u.md5 != nil {
		doc.MD5 = hex.EncodeToString(u.md5.Sum(nil))
	}

	u.store.mu.Lock()
	err := u.store.publish(doc)
	u.store.unpin(u.bucket, u.chunks)
	if err != nil {
		_ = u.store.collect(u.bucket, u.chunks)
	}
	u.store.mu.Unlock()

	if err != nil {
		u.err = err
		u.chunks = nil
		u.once.Do(func() { close(u.done) })
		return err
	}

	u.result = &doc.StoredFile
	u.once.Do(func() { close(u.done) })
	return nil
}

// fail releases the chunks written so far. The caller holds u.mu.
func (u *uploadStream) fail(err error) {
	if u.err == nil {
		u.err = err
	}

	u.store.mu.Lock()
	u.store.unpin(u.bucket, u.chunks)
	if cerr := u.store.collect(u.bucket, u.chunks); cerr != nil {
		u.err = errors.Join(u.err, cerr)
	}
	u.store.mu.Unlock()
	u.chunks = nil

	u.once.Do(func() { close(u.done) })
}

func (u *uploadStream) Done() <-chan struct{} {
	return u.done
}

func (u *uploadStream) Result() (*backend.StoredFile, error) {
	select {
	case <-u.done:
	default:
		return nil, errors.New("upload still in progress")
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	return u.result, u.err
}

func (u *uploadStream) Abort(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.result != nil || (u.err != nil && u.chunks == nil) {
		return
	}
	if err == nil {
		err = errors.New("upload aborted")
	}
	u.fail(err)
}
