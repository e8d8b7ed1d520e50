package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gridstore/internal/config"
	"gridstore/pkg/backend"
	"gridstore/pkg/storage"
)

// connect builds an engine for a one-shot command and waits for the backend.
func connect(ctx context.Context, cfg *config.Config, opts ...storage.Option) (*storage.GridStorage, error) {
	engine, err := storage.New(ctx, append(cfg.StorageOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	if _, err := engine.Ready(ctx); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.String(), err)
	}
	return engine, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func putCommand(cfg *config.Config) *cobra.Command {
	var settings storage.FileSettings

	cmd := &cobra.Command{
		Use:   "put FILE...",
		Short: "Upload local files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var opts []storage.Option
			if settings.ID != "" || settings.Filename != "" || settings.ContentType != "" || settings.DisableMD5 {
				if len(args) > 1 && settings.ID != "" {
					return errors.New("--id needs exactly one file")
				}
				s := settings
				s.BucketName, s.ChunkSize = cfg.Bucket, cfg.ChunkSize
				opts = append(opts, storage.WithNamer(func(*http.Request, storage.FileInfo) (any, error) {
					return s, nil
				}))
			}

			engine, err := connect(ctx, cfg, opts...)
			if err != nil {
				return err
			}
			defer engine.Close()

			var stored []*storage.File
			for _, path := range args {
				file, err := putFile(ctx, engine, path)
				if err != nil {
					return fmt.Errorf("upload %s: %w", path, err)
				}
				stored = append(stored, file)
			}

			return printJSON(cmd.OutOrStdout(), stored)
		},
	}

	cmd.Flags().StringVar(&settings.ID, "id", "", "file id (generated when empty)")
	cmd.Flags().StringVar(&settings.Filename, "filename", "", "stored filename (generated when empty)")
	cmd.Flags().StringVar(&settings.ContentType, "content-type", "", "content type to record")
	cmd.Flags().BoolVar(&settings.DisableMD5, "no-md5", false, "skip the MD5 digest")

	return cmd
}

func putFile(ctx context.Context, engine *storage.GridStorage, path string) (*storage.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name := filepath.Base(path)
	return engine.FromStream(ctx, f, nil, storage.FileInfo{
		FieldName:    "file",
		OriginalName: name,
		MIMEType:     mime.TypeByExtension(filepath.Ext(name)),
	})
}

func statCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stat BUCKET ID",
		Short: "Show a stored file's document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			file, err := engine.Stat(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), file)
		},
	}
}

func catCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cat BUCKET ID",
		Short: "Write a stored file to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			reader, ok := engine.Link().DB.(backend.FileReader)
			if !ok {
				return errors.New("backend cannot read files")
			}
			_, err = reader.ReadFile(cmd.Context(), args[0], args[1], cmd.OutOrStdout())
			return err
		},
	}
}

func rmCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rm BUCKET ID...",
		Short: "Delete stored files",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			var errs []error
			for _, id := range args[1:] {
				if err := engine.Remove(cmd.Context(), &storage.File{BucketName: args[0], ID: id}); err != nil {
					errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}
