package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the folio home directory.
	DefaultDirName = ".folio"

	// TasksDirName is the subdirectory holding one working directory per task.
	TasksDirName = "tasks"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// DatabaseFileName is the embedded SQLite database file.
	DatabaseFileName = "folio.db"
)

// Dir represents the folio home directory structure.
//
//	~/.folio/
//	  config.yaml
//	  folio.db
//	  tasks/<task-id>/source/<original file>
//	  tasks/<task-id>/pages/page_0001.png
//	  tasks/<task-id>/<base name>.md
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.folio).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return &Dir{path: abs}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// DatabasePath returns the path to the embedded database.
func (d *Dir) DatabasePath() string {
	return filepath.Join(d.path, DatabaseFileName)
}

// TasksPath returns the directory containing all task working directories.
func (d *Dir) TasksPath() string {
	return filepath.Join(d.path, TasksDirName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.TasksPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create tasks directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// TaskDir returns the working directory of a task. Merged output lands here.
func (d *Dir) TaskDir(taskID string) string {
	return filepath.Join(d.TasksPath(), taskID)
}

// TaskSourceDir returns the directory holding the submitted document.
func (d *Dir) TaskSourceDir(taskID string) string {
	return filepath.Join(d.TaskDir(taskID), "source")
}

// PagesDir returns the directory for rendered page images of a task.
func (d *Dir) PagesDir(taskID string) string {
	return filepath.Join(d.TaskDir(taskID), "pages")
}

// PageImagePath returns the path of a rendered page image.
// Page numbers are 1-indexed; ext includes the dot.
func (d *Dir) PageImagePath(taskID string, pageNum int, ext string) string {
	return filepath.Join(d.PagesDir(taskID), fmt.Sprintf("page_%04d%s", pageNum, ext))
}

// EnsureTaskDirs creates the source and pages directories for a task.
func (d *Dir) EnsureTaskDirs(taskID string) error {
	if err := os.MkdirAll(d.TaskSourceDir(taskID), 0o755); err != nil {
		return fmt.Errorf("failed to create task source directory: %w", err)
	}
	if err := os.MkdirAll(d.PagesDir(taskID), 0o755); err != nil {
		return fmt.Errorf("failed to create task pages directory: %w", err)
	}
	return nil
}
