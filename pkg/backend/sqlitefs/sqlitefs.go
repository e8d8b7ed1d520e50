// Package sqlitefs stores files GridFS style in a SQLite database: one files
// table and one chunks table per bucket. Writers open implicitly and finish
// in the background.
//
// Import it for its side effect to make "sqlite://<path>" URLs dialable.
package sqlitefs

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gridstore/pkg/backend"

	_ "github.com/mattn/go-sqlite3"
)

const (
	Scheme           = "sqlite"
	DefaultChunkSize = 255 * 1024
)

var (
	// Bucket names end up in table names, so they are restricted.
	bucketNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

	// ErrDuplicateID is returned when a file with the same id already exists.
	ErrDuplicateID = errors.New("file id already exists")
)

func init() {
	backend.Register(Scheme, backend.DialerFunc(Dial))
}

// Store is the database half of a link.
type Store struct {
	db     *sql.DB
	notify backend.Notifier

	mu      sync.Mutex
	buckets map[string]bool
}

type client struct {
	store  *Store
	closed atomic.Bool
	once   sync.Once
}

// Dial opens the database file named by the URL. Recognized options:
// busy_timeout (milliseconds, default 5000).
func Dial(ctx context.Context, rawURL string, opts backend.Options) (backend.Link, error) {
	path, ok := strings.CutPrefix(rawURL, Scheme+"://")
	if !ok || path == "" {
		return backend.Link{}, fmt.Errorf("sqlitefs: invalid url %q", rawURL)
	}

	busy, err := opts.Millis("busy_timeout", 5*time.Second)
	if err != nil {
		return backend.Link{}, err
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return backend.Link{}, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return backend.Link{}, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{
		db:      db,
		buckets: map[string]bool{},
	}

	return backend.Link{DB: s, Client: &client{store: s}}, nil
}

func (c *client) IsConnected() bool {
	return !c.closed.Load()
}

// Close closes the database after announcing a close notification.
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

func filesTable(bucket string) string  { return `"` + bucket + `.files"` }
func chunksTable(bucket string) string { return `"` + bucket + `.chunks"` }

// ensureBucket creates the tables of a bucket on first use.
func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	if !bucketNamePattern.MatchString(bucket) {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buckets[bucket] {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + filesTable(bucket) + ` (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			length INTEGER NOT NULL,
			chunk_size INTEGER NOT NULL,
			upload_date TIMESTAMP NOT NULL,
			md5 TEXT,
			content_type TEXT,
			metadata TEXT,
			aliases TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS ` + chunksTable(bucket) + ` (
			files_id TEXT NOT NULL,
			n INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (files_id, n)
		);`,
		`CREATE INDEX IF NOT EXISTS "idx_` + bucket + `_files_filename" ON ` + filesTable(bucket) + `(filename, upload_date);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init bucket %q: %w", bucket, err)
		}
	}

	s.buckets[bucket] = true
	return nil
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// Find loads the file document.
func (s *Store) Find(ctx context.Context, bucket string, id string) (*backend.StoredFile, error) {
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return nil, err
	}

	var (
		f           backend.StoredFile
		md5Sum      sql.NullString
		contentType sql.NullString
		metadata    sql.NullString
		aliases     sql.NullString
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, filename, length, chunk_size, upload_date, md5, content_type, metadata, aliases
		 FROM `+filesTable(bucket)+` WHERE id = ?`, id,
	).Scan(&f.ID, &f.Filename, &f.Length, &f.ChunkSize, &f.UploadDate, &md5Sum, &contentType, &metadata, &aliases)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup file %q: %w", id, err)
	}

	f.Bucket = bucket
	f.MD5 = md5Sum.String
	f.ContentType = contentType.String
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &f.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %q: %w", id, err)
		}
	}
	if aliases.Valid {
		if err := json.Unmarshal([]byte(aliases.String), &f.Aliases); err != nil {
			return nil, fmt.Errorf("decode aliases of %q: %w", id, err)
		}
	}

	return &f, nil
}

// Delete removes the file document and its chunks.
func (s *Store) Delete(ctx context.Context, bucket string, id string) error {
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return err
	}

	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+filesTable(bucket)+` WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete file %q: %w", id, err)
		}

		if rows, err := res.RowsAffected(); err != nil {
			return err
		} else if rows == 0 {
			return backend.ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM `+chunksTable(bucket)+` WHERE files_id = ?`, id); err != nil {
			return fmt.Errorf("delete chunks of %q: %w", id, err)
		}
		return nil
	})
}

// OpenUploadStream starts a background writer fed through a pipe.
func (s *Store) OpenUploadStream(ctx context.Context, bucket string, filename string, opts backend.FileOptions) backend.UploadStream {
	pr, pw := io.Pipe()
	u := &uploadStream{pw: pw, done: make(chan struct{})}

	go func() {
		defer close(u.done)

		file, err := s.consume(ctx, pr, bucket, filename, opts)
		if err != nil {
			// Unblocks the producer; its next Write returns err.
			_ = pr.CloseWithError(err)
			u.err = err
			return
		}
		_ = pr.Close()
		u.file = file
	}()

	return u
}

// consume cuts r into chunks, inserts them and finally the file document.
// Chunks are inserted before the document so a half written file is never
// visible; on failure the inserted chunks are removed again.
func (s *Store) consume(ctx context.Context, r io.Reader, bucket string, filename string, opts backend.FileOptions) (*backend.StoredFile, error) {
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return nil, err
	}

	if opts.ID == "" {
		return nil, errors.New("file id must not be empty")
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+filesTable(bucket)+` WHERE id = ?`, opts.ID).Scan(&exists)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, opts.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup file %q: %w", opts.ID, err)
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var h hash.Hash
	if !opts.DisableMD5 {
		h = md5.New()
	}

	buf := make([]byte, chunkSize)
	var (
		n      int
		length int64
	)

	cleanup := func(cause error) error {
		// Use a fresh context: ctx may be the reason we are cleaning up.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, err := s.db.ExecContext(cctx, `DELETE FROM `+chunksTable(bucket)+` WHERE files_id = ?`, opts.ID); err != nil {
			slog.Debug("Failed to remove orphaned chunks", "bucket", bucket, "id", opts.ID, "err", err)
		}
		return cause
	}

	for {
		read, readErr := io.ReadFull(r, buf)
		if read > 0 {
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO `+chunksTable(bucket)+`(files_id, n, data) VALUES(?, ?, ?)`,
				opts.ID, n, buf[:read],
			); err != nil {
				return nil, cleanup(fmt.Errorf("insert chunk %d: %w", n, err))
			}
			if h != nil {
				h.Write(buf[:read])
			}
			n++
			length += int64(read)
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return nil, cleanup(readErr)
		}
	}

	file := &backend.StoredFile{
		ID:          opts.ID,
		Filename:    filename,
		Bucket:      bucket,
		Length:      length,
		ChunkSize:   chunkSize,
		UploadDate:  time.Now().UTC(),
		ContentType: opts.ContentType,
		Metadata:    opts.Metadata,
		Aliases:     opts.Aliases,
	}
	if h != nil {
		file.MD5 = hex.EncodeToString(h.Sum(nil))
	}

	metadata, err := json.Marshal(opts.Metadata)
	if err != nil {
		return nil, cleanup(fmt.Errorf("encode metadata: %w", err))
	}
	aliases, err := json.Marshal(opts.Aliases)
	if err != nil {
		return nil, cleanup(fmt.Errorf("encode aliases: %w", err))
	}

	var md5Sum, contentType any
	if file.MD5 != "" {
		md5Sum = file.MD5
	}
	if file.ContentType != "" {
		contentType = file.ContentType
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO `+filesTable(bucket)+`(id, filename, length, chunk_size, upload_date, md5, content_type, metadata, aliases)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.Filename, file.Length, file.ChunkSize, file.UploadDate, md5Sum, contentType, string(metadata), string(aliases),
	); err != nil {
		return nil, cleanup(fmt.Errorf("insert file document: %w", err))
	}

	return file, nil
}

// ReadFile returns the content of a stored file by concatenating its chunks.
func (s *Store) ReadFile(ctx context.Context, bucket string, id string, w io.Writer) (int64, error) {
	if _, err := s.Find(ctx, bucket, id); err != nil {
		return 0, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM `+chunksTable(bucket)+` WHERE files_id = ? ORDER BY n`, id)
	if err != nil {
		return 0, fmt.Errorf("query chunks of %q: %w", id, err)
	}
	defer rows.Close()

	var written int64
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return written, err
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, rows.Err()
}

type uploadStream struct {
	pw   *io.PipeWriter
	done chan struct{}

	// Set before done is closed.
	file *backend.StoredFile
	err  error
}

func (u *uploadStream) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

// Close ends the input. Completion is signalled through Done.
func (u *uploadStream) Close() error {
	return u.pw.Close()
}

func (u *uploadStream) Done() <-chan struct{} {
	return u.done
}

func (u *uploadStream) Result() (*backend.StoredFile, error) {
	select {
	case <-u.done:
		return u.file, u.err
	default:
		return nil, errors.New("upload stream has not finished")
	}
}

func (u *uploadStream) Abort(err error) {
	if err == nil {
		err = errors.New("upload aborted")
	}
	_ = u.pw.CloseWithError(err)
}
