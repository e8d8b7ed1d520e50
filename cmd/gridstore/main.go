package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gridstore/internal/cache"
	"gridstore/internal/config"
	_ "gridstore/pkg/backend/boltfs"
	_ "gridstore/pkg/backend/diskfs"
	_ "gridstore/pkg/backend/s3fs"
	_ "gridstore/pkg/backend/sqlitefs"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		slog.Error("gridstore exited with error", "error", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	v := config.New()

	var (
		configFile string
		dotEnv     string
	)

	// Subcommands capture cfg before it is loaded; it is filled in place
	// once flags are parsed.
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:           "gridstore",
		Short:         "Chunked file storage for streamed uploads",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(dotEnv); err != nil {
				return err
			}

			loaded, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			if err := loaded.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if err := setupLogging(loaded.Log.Level); err != nil {
				return err
			}

			*cfg = *loaded
			slog.Debug("Loaded configuration", "config", cfg.String())
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			// Cached links outlive the engines that share them.
			if cfg.Cache != "" {
				return cache.Default().Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./gridstore.yaml if present)")
	flags.StringVar(&dotEnv, "env-file", ".env", "dotenv file exported before reading the configuration")
	flags.String("url", "", "backend URL, e.g. sqlite:///var/lib/gridstore.db")
	flags.String("cache", "", "share the backend connection under this cache name")
	flags.String("bucket", "", "bucket for new files")
	flags.Int("chunk-size", 0, "chunk size for new files in bytes")
	flags.String("log-level", "", "debug, info, warn or error")

	bindFlag(v, "url", flags.Lookup("url"))
	bindFlag(v, "cache", flags.Lookup("cache"))
	bindFlag(v, "bucket", flags.Lookup("bucket"))
	bindFlag(v, "chunk_size", flags.Lookup("chunk-size"))
	bindFlag(v, "log.level", flags.Lookup("log-level"))

	root.AddCommand(serveCommand(v, cfg))
	root.AddCommand(putCommand(cfg), statCommand(cfg), catCommand(cfg), rmCommand(cfg))

	return root
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    lvl == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))
	return nil
}
