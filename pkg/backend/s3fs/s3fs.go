// Package s3fs stores files as objects in an S3 compatible bucket using
// multipart uploads. Its writers follow the explicit open, write, close
// lifecycle.
//
// Import it for its side effect to make
// "s3://<access>:<secret>@<host>/<bucket>?secure=false&region=" URLs
// dialable.
package s3fs

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"gridstore/pkg/backend"
)

const (
	Scheme = "s3"

	// MinPartSize is the smallest part S3 accepts for all but the last part.
	MinPartSize = 5 * 1024 * 1024

	metaFilename  = "Gridstore-Filename"
	metaChunkSize = "Gridstore-Chunk-Size"
	metaMD5       = "Gridstore-Md5"
	metaMetadata  = "Gridstore-Metadata"
	metaAliases   = "Gridstore-Aliases"
)

// ErrDuplicateID is returned by Open when an object with the same id exists.
var ErrDuplicateID = errors.New("file id already exists")

func init() {
	backend.Register(Scheme, backend.DialerFunc(Dial))
}

// Store is the database half of a link.
type Store struct {
	core   *minio.Core
	bucket string

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	notify    backend.Notifier
	stopped   chan struct{}
	stopHC    context.CancelFunc
	watching  sync.WaitGroup
}

type client struct {
	store *Store
}

// Dial connects to the endpoint and checks that the bucket is reachable.
// Recognized options: create_bucket (create a missing bucket) and
// health_interval (milliseconds between health checks, default 5000, at
// least 1000; 0 disables the check).
func Dial(ctx context.Context, rawURL string, opts backend.Options) (backend.Link, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return backend.Link{}, fmt.Errorf("s3fs: parse url: %w", err)
	}

	bucket := strings.Trim(u.Path, "/")
	if u.Host == "" || bucket == "" {
		return backend.Link{}, fmt.Errorf("s3fs: url must name a host and a bucket")
	}

	secure := false
	if v := u.Query().Get("secure"); v != "" {
		if secure, err = strconv.ParseBool(v); err != nil {
			return backend.Link{}, fmt.Errorf("s3fs: secure: %w", err)
		}
	}

	createBucket, err := opts.Bool("create_bucket", false)
	if err != nil {
		return backend.Link{}, err
	}
	interval, err := opts.Millis("health_interval", 5*time.Second)
	if err != nil {
		return backend.Link{}, err
	}

	accessKey := u.User.Username()
	secretKey, _ := u.User.Password()

	core, err := minio.NewCore(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure:       secure,
		Region:       u.Query().Get("region"),
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return backend.Link{}, fmt.Errorf("failed to create s3 client: %w", err)
	}

	exists, err := core.BucketExists(ctx, bucket)
	if err != nil {
		return backend.Link{}, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if !createBucket {
			return backend.Link{}, fmt.Errorf("bucket %q does not exist", bucket)
		}
		if err := core.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: u.Query().Get("region")}); err != nil {
			return backend.Link{}, fmt.Errorf("failed to create bucket %q: %w", bucket, err)
		}
	}

	s := &Store{
		core:    core,
		bucket:  bucket,
		stopped: make(chan struct{}),
	}

	if interval > 0 {
		stop, err := core.HealthCheck(interval)
		if err != nil {
			return backend.Link{}, fmt.Errorf("start health check: %w", err)
		}
		s.stopHC = stop
		s.watching.Add(1)
		go s.watch(interval)
	}

	return backend.Link{DB: s, Client: &client{store: s}}, nil
}

// watch reports the endpoint going offline as a timeout notification.
func (s *Store) watch(interval time.Duration) {
	defer s.watching.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := true
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
		}

		now := s.core.IsOnline()
		if online && !now {
			s.send(backend.Notification{
				Kind: backend.NotifyTimeout,
				Err:  fmt.Errorf("endpoint %s is offline", s.core.EndpointURL().Host),
			})
		}
		online = now
	}
}

func (s *Store) send(n backend.Notification) {
	slog.Debug("Backend notification", "kind", n.Kind, "subscribers", s.notify.Subscribers())
	s.notify.Publish(n)
}

func (c *client) IsConnected() bool {
	c.store.mu.Lock()
	closed := c.store.closed
	c.store.mu.Unlock()
	return !closed && c.store.core.IsOnline()
}

func (c *client) Close() error {
	s := c.store
	err := backend.ErrClosed
	s.closeOnce.Do(func() {
		close(s.stopped)
		if s.stopHC != nil {
			s.stopHC()
		}
		s.watching.Wait()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.notify.Publish(backend.Notification{Kind: backend.NotifyClose})
		s.notify.Close()
		err = nil
	})
	return err
}

// Subscribe implements backend.Database.
func (s *Store) Subscribe() (<-chan backend.Notification, func()) {
	return s.notify.Subscribe()
}

func (s *Store) objectKey(bucket string, id string) string {
	return bucket + "/" + id
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// userMeta looks a key up case insensitively; servers differ in how they
// canonicalize metadata names.
func userMeta(m map[string]string, key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (s *Store) Find(ctx context.Context, bucket string, id string) (*backend.StoredFile, error) {
	info, err := s.core.StatObject(ctx, s.bucket, s.objectKey(bucket, id), minio.StatObjectOptions{})
	if isNotFound(err) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat object %q: %w", id, err)
	}
	return fileFromInfo(bucket, id, info)
}

func fileFromInfo(bucket string, id string, info minio.ObjectInfo) (*backend.StoredFile, error) {
	f := &backend.StoredFile{
		ID:          id,
		Filename:    userMeta(info.UserMetadata, metaFilename),
		Bucket:      bucket,
		Length:      info.Size,
		UploadDate:  info.LastModified.UTC(),
		MD5:         userMeta(info.UserMetadata, metaMD5),
		ContentType: info.ContentType,
	}

	if v := userMeta(info.UserMetadata, metaChunkSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("decode chunk size of %q: %w", id, err)
		}
		f.ChunkSize = n
	}
	if v := userMeta(info.UserMetadata, metaMetadata); v != "" {
		if err := json.Unmarshal([]byte(v), &f.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %q: %w", id, err)
		}
	}
	if v := userMeta(info.UserMetadata, metaAliases); v != "" {
		if err := json.Unmarshal([]byte(v), &f.Aliases); err != nil {
			return nil, fmt.Errorf("decode aliases of %q: %w", id, err)
		}
	}
	return f, nil
}

func (s *Store) Delete(ctx context.Context, bucket string, id string) error {
	// RemoveObject succeeds for missing keys, so check first.
	if _, err := s.Find(ctx, bucket, id); err != nil {
		return err
	}
	if err := s.core.RemoveObject(ctx, s.bucket, s.objectKey(bucket, id), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %q: %w", id, err)
	}
	return nil
}

func (s *Store) ReadFile(ctx context.Context, bucket string, id string, w io.Writer) (int64, error) {
	obj, err := s.core.Client.GetObject(ctx, s.bucket, s.objectKey(bucket, id), minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("get object %q: %w", id, err)
	}
	defer obj.Close()

	n, err := io.Copy(w, obj)
	if isNotFound(err) {
		return n, backend.ErrNotFound
	}
	return n, err
}

// OpenFile returns a writer that must be opened before use. Parts are at
// least MinPartSize long regardless of the requested chunk size.
func (s *Store) OpenFile(bucket string, filename string, opts backend.FileOptions) backend.LegacyFile {
	f := &legacyFile{
		store:    s,
		bucket:   bucket,
		key:      s.objectKey(bucket, opts.ID),
		filename: filename,
		opts:     opts,
		partSize: max(opts.ChunkSize, MinPartSize),
	}
	if !opts.DisableMD5 {
		f.hash = md5.New()
	}
	return f
}

type legacyFile struct {
	store    *Store
	bucket   string
	key      string
	filename string
	opts     backend.FileOptions
	partSize int

	mu       sync.Mutex
	ctx      context.Context
	uploadID string
	done     bool
	pending  []byte
	parts    []minio.CompletePart
	length   int64
	hash     hash.Hash
}

func (f *legacyFile) putOptions() (minio.PutObjectOptions, error) {
	meta := map[string]string{
		metaFilename:  f.filename,
		metaChunkSize: strconv.Itoa(f.opts.ChunkSize),
	}
	if f.opts.Metadata != nil {
		b, err := json.Marshal(f.opts.Metadata)
		if err != nil {
			return minio.PutObjectOptions{}, fmt.Errorf("encode metadata: %w", err)
		}
		meta[metaMetadata] = string(b)
	}
	if f.opts.Aliases != nil {
		b, err := json.Marshal(f.opts.Aliases)
		if err != nil {
			return minio.PutObjectOptions{}, fmt.Errorf("encode aliases: %w", err)
		}
		meta[metaAliases] = string(b)
	}
	return minio.PutObjectOptions{ContentType: f.opts.ContentType, UserMetadata: meta}, nil
}

// Open starts the multipart upload. An existing object under the same id is
// rejected; two uploads opened concurrently with one id can still both pass.
func (f *legacyFile) Open(ctx context.Context) error {
	if f.opts.ID == "" {
		return errors.New("file id must not be empty")
	}

	_, err := f.store.core.StatObject(ctx, f.store.bucket, f.key, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateID, f.opts.ID)
	case !isNotFound(err):
		return fmt.Errorf("stat object %q: %w", f.opts.ID, err)
	}

	opts, err := f.putOptions()
	if err != nil {
		return err
	}

	uploadID, err := f.store.core.NewMultipartUpload(ctx, f.store.bucket, f.key, opts)
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	f.mu.Lock()
	f.ctx = ctx
	f.uploadID = uploadID
	f.mu.Unlock()
	return nil
}

func (f *legacyFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadID == "" {
		return 0, backend.ErrNotOpen
	}
	if f.done {
		return 0, errors.New("file already closed")
	}

	f.pending = append(f.pending, p...)
	for len(f.pending) >= f.partSize {
		if err := f.putPart(f.ctx, f.pending[:f.partSize]); err != nil {
			return 0, err
		}
		f.pending = f.pending[f.partSize:]
	}
	return len(p), nil
}

// putPart uploads one part. Callers hold mu.
func (f *legacyFile) putPart(ctx context.Context, data []byte) error {
	number := len(f.parts) + 1
	part, err := f.store.core.PutObjectPart(ctx, f.store.bucket, f.key, f.uploadID, number,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	if err != nil {
		return fmt.Errorf("failed to upload part %d: %w", number, err)
	}

	f.parts = append(f.parts, minio.CompletePart{PartNumber: number, ETag: part.ETag})
	if f.hash != nil {
		f.hash.Write(data)
	}
	f.length += int64(len(data))
	return nil
}

// Close uploads the last part and completes the upload. Files that never
// filled a part are stored with a single PutObject instead.
func (f *legacyFile) Close(ctx context.Context) (*backend.StoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadID == "" {
		return nil, backend.ErrNotOpen
	}
	if f.done {
		return nil, errors.New("file already closed")
	}
	f.done = true

	opts, err := f.putOptions()
	if err != nil {
		return nil, err
	}

	if len(f.parts) == 0 {
		if err := f.store.core.AbortMultipartUpload(ctx, f.store.bucket, f.key, f.uploadID); err != nil {
			return nil, fmt.Errorf("failed to abort multipart upload: %w", err)
		}
		if f.hash != nil {
			f.hash.Write(f.pending)
		}
		f.length = int64(len(f.pending))
		opts.UserMetadata[metaMD5] = f.sum()
		if _, err := f.store.core.Client.PutObject(ctx, f.store.bucket, f.key,
			bytes.NewReader(f.pending), f.length, opts); err != nil {
			return nil, fmt.Errorf("failed to upload object %q: %w", f.key, err)
		}
	} else {
		if len(f.pending) > 0 {
			if err := f.putPart(ctx, f.pending); err != nil {
				return nil, err
			}
		}
		// Metadata of a multipart object is fixed at initiation; the digest
		// is attached by copying the object onto itself.
		if _, err := f.store.core.CompleteMultipartUpload(ctx, f.store.bucket, f.key, f.uploadID, f.parts, opts); err != nil {
			return nil, fmt.Errorf("failed to complete multipart upload: %w", err)
		}
		if sum := f.sum(); sum != "" {
			if err := f.attachDigest(ctx, opts.UserMetadata, sum); err != nil {
				return nil, err
			}
		}
	}
	f.pending = nil

	info, err := f.store.core.StatObject(ctx, f.store.bucket, f.key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat uploaded object: %w", err)
	}

	file, err := fileFromInfo(f.bucket, f.opts.ID, info)
	if err != nil {
		return nil, err
	}
	file.Filename = f.filename
	file.ChunkSize = f.opts.ChunkSize
	file.MD5 = f.sum()
	return file, nil
}

func (f *legacyFile) attachDigest(ctx context.Context, meta map[string]string, sum string) error {
	meta[metaMD5] = sum
	if f.opts.ContentType != "" {
		meta["Content-Type"] = f.opts.ContentType
	}
	_, err := f.store.core.Client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          f.store.bucket,
			Object:          f.key,
			UserMetadata:    meta,
			ReplaceMetadata: true,
		},
		minio.CopySrcOptions{Bucket: f.store.bucket, Object: f.key},
	)
	if err != nil {
		return fmt.Errorf("attach digest to %q: %w", f.key, err)
	}
	return nil
}

func (f *legacyFile) sum() string {
	if f.hash == nil {
		return ""
	}
	return hex.EncodeToString(f.hash.Sum(nil))
}

// Abort cancels the multipart upload, discarding uploaded parts.
func (f *legacyFile) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.done = true
	f.pending = nil
	if f.uploadID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.store.core.AbortMultipartUpload(ctx, f.store.bucket, f.key, f.uploadID); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}
