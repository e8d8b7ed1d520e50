package storage

import (
	"io"
	"time"
)

// Defaults applied beneath whatever the namer returns.
const (
	DefaultChunkSize  = 261120
	DefaultBucketName = "fs"
)

// FileInfo describes an incoming file as the upload middleware sees it.
type FileInfo struct {
	FieldName    string
	OriginalName string
	Encoding     string
	MIMEType     string

	// Stream is the file content. HandleUpload reads it to EOF.
	Stream io.Reader
}

// FileSettings controls how a single file is stored. The namer may return a
// FileSettings value; zero fields are treated as absent. Metadata may be any
// value the backend can encode: a document, a list or a scalar.
type FileSettings struct {
	Filename    string   `json:"filename" mapstructure:"filename"`
	ID          string   `json:"id" mapstructure:"id"`
	Metadata    any      `json:"metadata" mapstructure:"metadata"`
	BucketName  string   `json:"bucketName" mapstructure:"bucketName"`
	ChunkSize   int      `json:"chunkSize" mapstructure:"chunkSize"`
	Aliases     []string `json:"aliases" mapstructure:"aliases"`
	ContentType string   `json:"contentType" mapstructure:"contentType"`
	DisableMD5  bool     `json:"disableMD5" mapstructure:"disableMD5"`
}

// File is the result of a successful upload.
type File struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	Metadata   any    `json:"metadata"`
	BucketName string `json:"bucketName"`
	ChunkSize  int    `json:"chunkSize"`
	Size       int64  `json:"size"`
	MD5         string         `json:"md5,omitempty"`
	UploadDate  time.Time      `json:"uploadDate"`
	ContentType string         `json:"contentType,omitempty"`
}
