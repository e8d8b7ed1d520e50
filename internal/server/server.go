// Package server exposes a storage engine over HTTP: multipart uploads in,
// JSON file documents out.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/samber/lo"

	"gridstore/pkg/backend"
	"gridstore/pkg/storage"
)

// Server is the HTTP front end of a storage engine.
type Server struct {
	cfg Config
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New returns a Server. A storage engine is required.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server needs a storage engine")
	}
	return &Server{cfg: cfg}, nil
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	files := http.NewServeMux()

	files.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleUpload(ctx, w, r)
	})
	files.HandleFunc("GET /files/{bucket}/{id}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleStat(ctx, w, r, r.PathValue("bucket"), r.PathValue("id"))
	})
	files.HandleFunc("GET /files/{bucket}/{id}/content", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleContent(ctx, w, r, r.PathValue("bucket"), r.PathValue("id"))
	})
	files.HandleFunc("DELETE /files/{bucket}/{id}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleDelete(ctx, w, r, r.PathValue("bucket"), r.PathValue("id"))
	})

	mux := http.NewServeMux()
	mux.Handle("/files", RequireAuthentication(s.cfg.Authenticator)(files))
	mux.Handle("/files/", RequireAuthentication(s.cfg.Authenticator)(files))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "NotFound", "no such route", http.StatusNotFound)
	})

	return Recoverer(LogRequest(mux))
}

// handleUpload stores every file part of a multipart request. Parts are
// streamed straight into the engine. If one part fails, files stored earlier
// in the same request are removed again.
func (s *Server) handleUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, "BadRequest", err.Error(), http.StatusBadRequest)
		return
	}

	var stored []*storage.File
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.rollback(ctx, r, stored)
			writeError(w, "BadRequest", "malformed multipart body: "+err.Error(), http.StatusBadRequest)
			return
		}

		if part.FileName() == "" {
			// Plain form fields carry no file.
			_ = part.Close()
			continue
		}

		file, err := s.cfg.Engine.HandleUpload(ctx, r, fileInfo(part))
		_ = part.Close()
		if err != nil {
			s.rollback(ctx, r, stored)
			s.writeEngineError(w, err)
			return
		}
		stored = append(stored, file)
	}

	if len(stored) == 0 {
		writeError(w, "BadRequest", "request contains no files", http.StatusBadRequest)
		return
	}

	slog.Debug("Stored uploads", "ids", lo.Map(stored, func(f *storage.File, _ int) string { return f.ID }))
	writeJSON(w, http.StatusCreated, stored)
}

func fileInfo(part *multipart.Part) storage.FileInfo {
	return storage.FileInfo{
		FieldName:    part.FormName(),
		OriginalName: part.FileName(),
		Encoding:     part.Header.Get("Content-Transfer-Encoding"),
		MIMEType:     part.Header.Get("Content-Type"),
		Stream:       part,
	}
}

func (s *Server) rollback(ctx context.Context, r *http.Request, stored []*storage.File) {
	// The request context may already be done; removal should still happen.
	ctx = context.WithoutCancel(ctx)
	for _, f := range stored {
		if err := s.cfg.Engine.RemoveUpload(ctx, r, f); err != nil {
			slog.Error("Failed to remove partial upload", "bucket", f.BucketName, "id", f.ID, "error", err)
		}
	}
}

func (s *Server) handleStat(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, id string) {
	file, err := s.cfg.Engine.Stat(ctx, bucket, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleContent(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, id string) {
	file, err := s.cfg.Engine.Stat(ctx, bucket, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	reader, ok := s.cfg.Engine.Link().DB.(backend.FileReader)
	if !ok {
		writeError(w, "NotImplemented", "backend cannot read files", http.StatusNotImplemented)
		return
	}

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(file.Length, 10))
	if file.MD5 != "" {
		w.Header().Set("ETag", strconv.Quote(file.MD5))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := reader.ReadFile(ctx, bucket, id, w); err != nil {
		// Headers are gone already; all we can do is log.
		slog.Error("Failed to stream file", "bucket", bucket, "id", id, "error", err)
	}
}

func (s *Server) handleDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, id string) {
	if err := s.cfg.Engine.RemoveUpload(ctx, r, &storage.File{ID: id, BucketName: bucket}); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Engine.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"connected": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": true})
}

// writeEngineError maps engine errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var (
		namingErr *storage.NamingError
		streamErr *storage.StreamError
		maxErr    *http.MaxBytesError
	)

	switch {
	case errors.Is(err, backend.ErrNotFound):
		writeError(w, "NotFound", err.Error(), http.StatusNotFound)
	case errors.As(err, &maxErr):
		writeError(w, "EntityTooLarge", err.Error(), http.StatusRequestEntityTooLarge)
	case errors.As(err, &namingErr):
		writeError(w, "InvalidFileSettings", err.Error(), http.StatusBadRequest)
	case errors.As(err, &streamErr):
		writeError(w, "StorageError", err.Error(), http.StatusInternalServerError)
	case errors.Is(err, storage.ErrClosed):
		writeError(w, "Unavailable", err.Error(), http.StatusServiceUnavailable)
	case s.cfg.Engine.Err() != nil && errors.Is(err, s.cfg.Engine.Err()):
		writeError(w, "Unavailable", err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, "RequestTimeout", err.Error(), http.StatusRequestTimeout)
	default:
		writeError(w, "InternalError", err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, code string, message string, status int) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
