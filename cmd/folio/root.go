package main

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	envFile      string
)

var rootCmd = &cobra.Command{
	Use:   "folio",
	Short: "Convert PDFs and page scans to Markdown with vision LLMs",
	Long: `Folio converts documents into Markdown, one page at a time.

A submitted PDF or image is split into page images, each page is sent to a
vision-capable LLM provider for conversion, and the results are merged into
a single Markdown file. Failed pages can be retried individually.`,
	Version:      version.GitRelease,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.folio/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "folio home directory (default: ~/.folio)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&envFile, "env-file", ".env", "dotenv file with provider API keys",
	)

	// Set output format and load .env before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		api.SetOutputFormat(outputFormat)
		if envFile == "" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}

	rootCmd.AddCommand(versionCmd)
}

// environment is what serve and convert need before building services.
type environment struct {
	home   *home.Dir
	config *config.Manager
	logger *slog.Logger
}

// loadEnvironment resolves the home directory, loads config and builds a
// logger on w whose level follows log_level across reloads. With quiet set
// the logger only reports warnings and errors.
func loadEnvironment(w io.Writer, quiet bool) (*environment, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}

	cm, err := config.NewManager(cfgFile, h.Path())
	if err != nil {
		return nil, err
	}

	level := new(slog.LevelVar)
	setLevel := func(c *config.Config) {
		l := config.ParseLogLevel(c.LogLevel)
		if quiet && l < slog.LevelWarn {
			l = slog.LevelWarn
		}
		level.Set(l)
	}
	setLevel(cm.Get())
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))

	cm.OnChange(setLevel)
	cm.WatchConfig(logger)

	return &environment{home: h, config: cm, logger: logger}, nil
}
