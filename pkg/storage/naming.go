package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"reflect"
	"strconv"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/xid"
)

// NamerFunc returns the settings for one upload. Accepted results are nil, a
// number or string (used as the filename), a map with FileSettings' JSON keys
// or a FileSettings value.
type NamerFunc func(r *http.Request, f FileInfo) (any, error)

// NameResult is delivered by a DeferredNamerFunc.
type NameResult struct {
	Value any
	Err   error
}

// DeferredNamerFunc returns a channel that delivers the settings later. A
// channel closed without a value means "no settings".
type DeferredNamerFunc func(ctx context.Context, r *http.Request, f FileInfo) <-chan NameResult

// CurrentUpload returns the request and file of the upload a sequence step
// is naming. It is only meaningful while the step runs.
type CurrentUpload func() (*http.Request, FileInfo)

// SequenceNamerFunc creates a sequence of settings. It is called once, on the
// first upload, and the sequence is then advanced once per upload for the
// lifetime of the engine. Each step reads its upload through current.
type SequenceNamerFunc func(current CurrentUpload) iter.Seq2[any, error]

type namerKind int

const (
	namerNone namerKind = iota
	namerDirect
	namerDeferred
	namerSequence
)

type resolver struct {
	kind     namerKind
	direct   NamerFunc
	deferred DeferredNamerFunc
	sequence SequenceNamerFunc

	mu   sync.Mutex
	next func() (any, error, bool)
	stop func()
	// req and file are the upload being named; set under mu before each
	// step.
	req  *http.Request
	file FileInfo
}

// value runs the user function according to its variant.
func (n *resolver) value(ctx context.Context, r *http.Request, f FileInfo) (any, error) {
	if n == nil {
		return nil, nil
	}

	switch n.kind {
	case namerDirect:
		return n.direct(r, f)

	case namerDeferred:
		ch := n.deferred(ctx, r, f)
		if ch == nil {
			return nil, errors.New("deferred namer returned a nil channel")
		}
		select {
		case res, ok := <-ch:
			if !ok {
				return nil, nil
			}
			return res.Value, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case namerSequence:
		n.mu.Lock()
		defer n.mu.Unlock()

		n.req, n.file = r, f
		defer func() { n.req, n.file = nil, FileInfo{} }()

		if n.next == nil {
			n.next, n.stop = iter.Pull2(n.sequence(n.current))
		}
		v, err, ok := n.next()
		if !ok {
			return nil, ErrSequenceEnded
		}
		return v, err
	}

	return nil, nil
}

// current is handed to the sequence. Steps run while value holds n.mu.
func (n *resolver) current() (*http.Request, FileInfo) {
	return n.req, n.file
}

func (n *resolver) close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop != nil {
		n.stop()
	}
}

// resolve produces the complete settings for one upload.
func (n *resolver) resolve(ctx context.Context, r *http.Request, f FileInfo) (FileSettings, error) {
	raw, err := n.value(ctx, r, f)
	if err != nil {
		return FileSettings{}, &NamingError{Err: err}
	}

	p, err := toPatch(raw)
	if err != nil {
		return FileSettings{}, &NamingError{Err: err}
	}

	settings := FileSettings{
		ChunkSize:   DefaultChunkSize,
		BucketName:  DefaultBucketName,
		ContentType: f.MIMEType,
	}
	p.apply(&settings)

	if settings.Filename == "" {
		name, err := randomFilename()
		if err != nil {
			return FileSettings{}, &NamingError{Err: err}
		}
		settings.Filename = name
	}
	if settings.ID == "" {
		settings.ID = xid.New().String()
	}

	return settings, nil
}

// randomFilename returns 16 random bytes as 32 lowercase hex characters.
func randomFilename() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate filename: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// settingsPatch holds the fields a namer explicitly set.
type settingsPatch struct {
	Filename    *string   `mapstructure:"filename"`
	ID          *string   `mapstructure:"id"`
	Metadata    *any      `mapstructure:"metadata"`
	BucketName  *string   `mapstructure:"bucketName"`
	ChunkSize   *int      `mapstructure:"chunkSize"`
	Aliases     *[]string `mapstructure:"aliases"`
	ContentType *string   `mapstructure:"contentType"`
	DisableMD5  *bool     `mapstructure:"disableMD5"`
}

func (p settingsPatch) apply(s *FileSettings) {
	if p.Filename != nil {
		s.Filename = *p.Filename
	}
	if p.ID != nil {
		s.ID = *p.ID
	}
	if p.Metadata != nil {
		s.Metadata = *p.Metadata
	}
	if p.BucketName != nil {
		s.BucketName = *p.BucketName
	}
	if p.ChunkSize != nil {
		s.ChunkSize = *p.ChunkSize
	}
	if p.Aliases != nil {
		s.Aliases = *p.Aliases
	}
	if p.ContentType != nil {
		s.ContentType = *p.ContentType
	}
	if p.DisableMD5 != nil {
		s.DisableMD5 = *p.DisableMD5
	}
}

func patchFromSettings(s FileSettings) settingsPatch {
	var p settingsPatch
	if s.Filename != "" {
		p.Filename = &s.Filename
	}
	if s.ID != "" {
		p.ID = &s.ID
	}
	if s.Metadata != nil {
		p.Metadata = &s.Metadata
	}
	if s.BucketName != "" {
		p.BucketName = &s.BucketName
	}
	if s.ChunkSize != 0 {
		p.ChunkSize = &s.ChunkSize
	}
	if s.Aliases != nil {
		p.Aliases = &s.Aliases
	}
	if s.ContentType != "" {
		p.ContentType = &s.ContentType
	}
	if s.DisableMD5 {
		p.DisableMD5 = &s.DisableMD5
	}
	return p
}

// stringerHook lets ids such as xid.ID be given in their native type.
func stringerHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String {
		return data, nil
	}
	if s, ok := data.(fmt.Stringer); ok {
		return s.String(), nil
	}
	return data, nil
}

func toPatch(raw any) (settingsPatch, error) {
	switch v := raw.(type) {
	case nil:
		return settingsPatch{}, nil
	case FileSettings:
		return patchFromSettings(v), nil
	case *FileSettings:
		if v == nil {
			return settingsPatch{}, nil
		}
		return patchFromSettings(*v), nil
	}

	rv := reflect.ValueOf(raw)
	var name string

	switch rv.Kind() {
	case reflect.String:
		name = rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		name = strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		name = strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		name = strconv.FormatFloat(rv.Float(), 'f', -1, 32)
	case reflect.Float64:
		name = strconv.FormatFloat(rv.Float(), 'f', -1, 64)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return settingsPatch{}, fmt.Errorf("%w: map keyed by %s", ErrUnsupportedNameType, rv.Type().Key())
		}
		return decodeMap(raw)
	default:
		return settingsPatch{}, fmt.Errorf("%w: %T", ErrUnsupportedNameType, raw)
	}

	return settingsPatch{Filename: &name}, nil
}

func decodeMap(raw any) (settingsPatch, error) {
	var p settingsPatch

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       stringerHook,
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return settingsPatch{}, err
	}

	if err := dec.Decode(raw); err != nil {
		return settingsPatch{}, fmt.Errorf("decode namer result: %w", err)
	}
	return p, nil
}
