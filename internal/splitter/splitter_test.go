package splitter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/store"
)

func TestParsePageRange(t *testing.T) {
	tests := []struct {
		spec    string
		total   int
		want    []int
		wantErr bool
	}{
		{"", 3, []int{1, 2, 3}, false},
		{"  ", 2, []int{1, 2}, false},
		{"2", 5, []int{2}, false},
		{"1-3", 5, []int{1, 2, 3}, false},
		{"1-3,7", 10, []int{1, 2, 3, 7}, false},
		{"7,1-3", 10, []int{1, 2, 3, 7}, false},
		{"2-4,3-5", 10, []int{2, 3, 4, 5}, false},
		{"8-", 10, []int{8, 9, 10}, false},
		{"-2", 10, []int{1, 2}, false},
		{"3-20", 5, []int{3, 4, 5}, false},
		{" 1 , 3 ", 5, []int{1, 3}, false},
		{"6", 5, nil, true},
		{"4-2", 5, nil, true},
		{"0", 5, nil, true},
		{"a-b", 5, nil, true},
		{"-", 5, nil, true},
		{",", 5, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParsePageRange(tt.spec, tt.total)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPageRange) {
					t.Errorf("expected ErrInvalidPageRange, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePageRange() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParsePageRange(%q, %d) = %v, want %v", tt.spec, tt.total, got, tt.want)
			}
		})
	}

	if _, err := ParsePageRange("", 0); !errors.Is(err, ErrNoPages) {
		t.Errorf("empty document should return ErrNoPages, got %v", err)
	}
}

func TestValidatePageRange(t *testing.T) {
	valid := []string{"", "1", "1-3,7", "10-", "-4"}
	for _, spec := range valid {
		if err := ValidatePageRange(spec); err != nil {
			t.Errorf("ValidatePageRange(%q) = %v", spec, err)
		}
	}
	invalid := []string{"x", "3-1", "0-2", "-", ",,"}
	for _, spec := range invalid {
		if err := ValidatePageRange(spec); err == nil {
			t.Errorf("ValidatePageRange(%q) should fail", spec)
		}
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory(Config{})

	tests := []struct {
		name    string
		want    any
		wantErr bool
	}{
		{"book.pdf", &PDFSplitter{}, false},
		{"BOOK.PDF", &PDFSplitter{}, false},
		{"scan.png", &ImageSplitter{}, false},
		{"scan.JPeG", &ImageSplitter{}, false},
		{"notes.docx", nil, true},
		{"noext", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := f.For(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Errorf("expected ErrUnsupportedFormat, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("For() error = %v", err)
			}
			if reflect.TypeOf(s) != reflect.TypeOf(tt.want) {
				t.Errorf("For(%q) = %T, want %T", tt.name, s, tt.want)
			}
		})
	}

	if !Supported(".PDF") || !Supported(".webp") || Supported(".txt") {
		t.Error("Supported() disagrees with the factory")
	}
}

func TestImageSplitter(t *testing.T) {
	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "scan.PNG")
	if err := os.WriteFile(src, []byte("\x89PNG\r\n\x1a\nfake"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewFactory(Config{Home: h}).image
	task := &store.Task{ID: "t1", SourcePath: src}

	res, err := s.Split(context.Background(), task)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if res.TotalPages != 1 || len(res.Pages) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	page := res.Pages[0]
	if page.Page != 1 || page.PageSource != 1 {
		t.Errorf("unexpected page %+v", page)
	}
	if page.ImagePath != h.PageImagePath("t1", 1, ".png") {
		t.Errorf("ImagePath = %s", page.ImagePath)
	}
	data, err := os.ReadFile(page.ImagePath)
	if err != nil || string(data) != "\x89PNG\r\n\x1a\nfake" {
		t.Errorf("image not copied: %v", err)
	}

	if err := s.Cleanup("t1"); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(h.PagesDir("t1")); !os.IsNotExist(err) {
		t.Error("pages directory should be removed")
	}

	t.Run("page range past the only page", func(t *testing.T) {
		_, err := s.Split(context.Background(), &store.Task{ID: "t2", SourcePath: src, PageRange: "2"})
		if !errors.Is(err, ErrInvalidPageRange) {
			t.Errorf("expected ErrInvalidPageRange, got %v", err)
		}
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := s.Split(context.Background(), &store.Task{ID: "t3", SourcePath: filepath.Join(t.TempDir(), "gone.png")})
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected not-exist error, got %v", err)
		}
	})
}

func TestPageCountMissingFile(t *testing.T) {
	_, err := PageCount(filepath.Join(t.TempDir(), "missing.pdf"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
