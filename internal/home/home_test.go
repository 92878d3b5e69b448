package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-folio")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-folio" {
			t.Errorf("expected path /tmp/test-folio, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-folio")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"ConfigPath", dir.ConfigPath(), "/tmp/test-folio/config.yaml"},
		{"DatabasePath", dir.DatabasePath(), "/tmp/test-folio/folio.db"},
		{"TaskDir", dir.TaskDir("abc"), "/tmp/test-folio/tasks/abc"},
		{"TaskSourceDir", dir.TaskSourceDir("abc"), "/tmp/test-folio/tasks/abc/source"},
		{"PagesDir", dir.PagesDir("abc"), "/tmp/test-folio/tasks/abc/pages"},
		{"PageImagePath", dir.PageImagePath("abc", 7, ".png"), "/tmp/test-folio/tasks/abc/pages/page_0007.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestDir_EnsureExists(t *testing.T) {
	dir, err := New(filepath.Join(t.TempDir(), "folio-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir.Exists() {
		t.Fatal("directory should not exist yet")
	}

	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}
	if !dir.Exists() {
		t.Error("directory should exist after EnsureExists")
	}
	if _, err := os.Stat(dir.TasksPath()); err != nil {
		t.Errorf("tasks directory missing: %v", err)
	}

	// Idempotent
	if err := dir.EnsureExists(); err != nil {
		t.Errorf("second EnsureExists failed: %v", err)
	}
}

func TestDir_EnsureTaskDirs(t *testing.T) {
	dir, _ := New(t.TempDir())

	if err := dir.EnsureTaskDirs("task-1"); err != nil {
		t.Fatalf("EnsureTaskDirs failed: %v", err)
	}
	for _, p := range []string{dir.TaskSourceDir("task-1"), dir.PagesDir("task-1")} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
		if !info.IsDir() {
			t.Errorf("expected %s to be a directory", p)
		}
	}
}

func TestDir_ConfigExists(t *testing.T) {
	dir, _ := New(t.TempDir())
	if dir.ConfigExists() {
		t.Error("config should not exist")
	}
	if err := os.WriteFile(dir.ConfigPath(), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !dir.ConfigExists() {
		t.Error("config should exist")
	}
}
