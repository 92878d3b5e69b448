// Package tasks is the control surface over the conversion pipeline:
// submitting documents, querying progress and steering tasks by hand.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jackzampolin/folio/internal/events"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/providers"
	"github.com/jackzampolin/folio/internal/splitter"
	"github.com/jackzampolin/folio/internal/store"
)

// ErrInvalidRequest is returned when a submission or query fails validation.
var ErrInvalidRequest = errors.New("invalid request")

const commitAttempts = 5

// ProviderSet reports which provider ids can serve conversions.
type ProviderSet interface {
	Has(name string) bool
}

// Config configures a Manager.
type Config struct {
	Store     *store.Store
	Home      *home.Dir
	Providers ProviderSet
	Events    events.Emitter
	Logger    *slog.Logger

	DefaultProvider string
	DefaultModel    string
	// Models maps a provider id to the model used when a request names none.
	Models map[string]string
}

// Manager owns task submission and manual steering.
type Manager struct {
	store     *store.Store
	home      *home.Dir
	providers ProviderSet
	events    events.Emitter
	logger    *slog.Logger

	defaultProvider string
	defaultModel    string
	models          map[string]string
}

// NewManager creates a task manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}
	if cfg.Providers == nil {
		return nil, errors.New("provider registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	em := cfg.Events
	if em == nil {
		em = events.Discard
	}
	return &Manager{
		store:           cfg.Store,
		home:            cfg.Home,
		providers:       cfg.Providers,
		events:          em,
		logger:          logger.With("component", "tasks"),
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		models:          cfg.Models,
	}, nil
}

// SubmitRequest describes a document to convert.
type SubmitRequest struct {
	Path      string // local file to convert
	Filename  string // display name, defaults to the base name of Path
	Provider  string
	Model     string
	PageRange string // e.g. "1-3,7"; empty converts every page
	OutputDir string // where the merged Markdown goes, defaults to the task directory
}

// Submit validates req, stages the document under the home directory and
// queues a PENDING task for the splitter.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*store.Task, error) {
	if strings.TrimSpace(req.Path) == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidRequest)
	}
	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidRequest, req.Path)
	}

	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(req.Path)
	}
	filename = filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if !splitter.Supported(ext) {
		return nil, fmt.Errorf("%w: %w %q", ErrInvalidRequest, splitter.ErrUnsupportedFormat, ext)
	}

	provider, model, err := m.resolveModel(req.Provider, req.Model)
	if err != nil {
		return nil, err
	}
	if err := m.checkPageRange(req.Path, ext, req.PageRange); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	workDir := m.home.TaskDir(id)
	if req.OutputDir != "" {
		if workDir, err = filepath.Abs(req.OutputDir); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := m.home.EnsureTaskDirs(id); err != nil {
		return nil, err
	}

	source := filepath.Join(m.home.TaskSourceDir(id), filename)
	if err := copyFile(req.Path, source); err != nil {
		os.RemoveAll(m.home.TaskDir(id))
		return nil, err
	}

	task := &store.Task{
		ID:         id,
		Filename:   filename,
		SourcePath: source,
		WorkDir:    workDir,
		PageRange:  strings.TrimSpace(req.PageRange),
		Provider:   provider,
		Model:      model,
		Status:     store.TaskPending,
	}
	if err := m.store.InsertTask(ctx, task); err != nil {
		os.RemoveAll(m.home.TaskDir(id))
		return nil, err
	}

	m.logger.Info("task submitted", "task_id", id, "filename", filename, "provider", provider, "model", model)
	events.Notify(m.events, task, false, false)
	return task, nil
}

func (m *Manager) resolveModel(provider, model string) (string, string, error) {
	if provider == "" {
		provider = m.defaultProvider
	}
	if provider == "" {
		return "", "", fmt.Errorf("%w: provider is required", ErrInvalidRequest)
	}
	if !m.providers.Has(provider) {
		return "", "", fmt.Errorf("%w: %w: %s", ErrInvalidRequest, providers.ErrProviderNotFound, provider)
	}
	if model == "" {
		model = m.models[provider]
	}
	if model == "" {
		model = m.defaultModel
	}
	if model == "" {
		return "", "", fmt.Errorf("%w: model is required for provider %s", ErrInvalidRequest, provider)
	}
	return provider, model, nil
}

// checkPageRange rejects ranges that are malformed or select nothing in the document.
func (m *Manager) checkPageRange(path, ext, spec string) error {
	if err := splitter.ValidatePageRange(spec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	total := 1
	if ext == ".pdf" {
		n, err := splitter.PageCount(path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		total = n
	}
	if _, err := splitter.ParsePageRange(spec, total); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create staged copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy source: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to copy source: %w", err)
	}
	return nil
}

// GetTask returns a task by id.
func (m *Manager) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return m.store.GetTask(ctx, id)
}

// ListTasks returns tasks newest first.
func (m *Manager) ListTasks(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	return m.store.ListTasks(ctx, f)
}

// GetPage returns a page by id.
func (m *Manager) GetPage(ctx context.Context, id int64) (*store.Page, error) {
	return m.store.GetPage(ctx, id)
}

// ListPages returns a task's pages, optionally only those in status.
func (m *Manager) ListPages(ctx context.Context, taskID string, status store.PageStatus) ([]*store.Page, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown page status %q", ErrInvalidRequest, status)
	}
	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return m.store.ListPages(ctx, taskID, status)
}
