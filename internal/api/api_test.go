package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"status":"ok"}`))
		case "/echo":
			if r.Header.Get("Content-Type") != "application/json" {
				w.WriteHeader(http.StatusUnsupportedMediaType)
				return
			}
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(body)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"task not found"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream broke"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	var got struct{ Status string }
	if err := c.Get(ctx, "/ok", &got); err != nil || got.Status != "ok" {
		t.Errorf("Get: %v %+v", err, got)
	}

	var echo map[string]string
	if err := c.Post(ctx, "/echo", map[string]string{"a": "b"}, &echo); err != nil || echo["a"] != "b" {
		t.Errorf("Post: %v %+v", err, echo)
	}

	var se *StatusError
	err := c.Get(ctx, "/missing", nil)
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound || se.Message != "task not found" {
		t.Errorf("expected structured 404, got %v", err)
	}
	err = c.Post(ctx, "/other", nil, nil)
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway || se.Message != "upstream broke" {
		t.Errorf("expected raw body 502, got %v", err)
	}
}

func TestOutputTo(t *testing.T) {
	data := struct {
		TaskID string `json:"task_id"`
		Pages  int    `json:"pages"`
	}{"abc", 3}

	var buf bytes.Buffer
	if err := OutputTo(&buf, OutputFormatJSON, data); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(buf.String(), `"task_id": "abc"`) {
		t.Errorf("unexpected json %q", buf.String())
	}

	buf.Reset()
	if err := OutputTo(&buf, OutputFormatYAML, data); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !strings.Contains(buf.String(), "task_id: abc") || !strings.Contains(buf.String(), "pages: 3") {
		t.Errorf("unexpected yaml %q", buf.String())
	}

	if err := OutputTo(&buf, "xml", data); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestSetOutputFormat(t *testing.T) {
	defer SetOutputFormat("yaml")
	SetOutputFormat("json")
	if GetOutputFormat() != OutputFormatJSON {
		t.Errorf("expected json")
	}
	SetOutputFormat("bogus")
	if GetOutputFormat() != OutputFormatYAML {
		t.Errorf("expected yaml fallback")
	}
}

type stubEndpoint struct {
	path string
	init bool
}

func (s stubEndpoint) Route() (string, string, http.HandlerFunc) {
	return http.MethodGet, s.path, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }
}

func (s stubEndpoint) RequiresInit() bool { return s.init }

func (s stubEndpoint) Command(func() string) *cobra.Command {
	return &cobra.Command{Use: strings.TrimPrefix(s.path, "/")}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(stubEndpoint{path: "/open"}, stubEndpoint{path: "/guarded", init: true})

	mux := http.NewServeMux()
	r.RegisterRoutes(mux, func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }
	})

	for path, want := range map[string]int{"/open": http.StatusNoContent, "/guarded": http.StatusServiceUnavailable} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s: expected %d, got %d", path, want, rec.Code)
		}
	}

	cmd := r.BuildCommands(func() string { return "" })
	if len(cmd.Commands()) != 2 {
		t.Errorf("expected 2 subcommands, got %d", len(cmd.Commands()))
	}
}
