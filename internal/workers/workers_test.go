package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/folio/internal/events"
	"github.com/jackzampolin/folio/internal/providers"
	"github.com/jackzampolin/folio/internal/splitter"
	"github.com/jackzampolin/folio/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "folio.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTask(t *testing.T, s *store.Store, id string, status store.TaskStatus) *store.Task {
	t.Helper()
	dir := t.TempDir()
	task := &store.Task{
		ID:         id,
		Filename:   id + ".pdf",
		SourcePath: filepath.Join(dir, id+".pdf"),
		WorkDir:    dir,
		Provider:   providers.MockClientName,
		Model:      "mock-model",
		Status:     status,
	}
	if err := s.InsertTask(context.Background(), task); err != nil {
		t.Fatalf("InsertTask failed: %v", err)
	}
	return task
}

// insertPages adds n pages with real image files and sets the task's page count.
func insertPages(t *testing.T, s *store.Store, task *store.Task, n int) []*store.Page {
	t.Helper()
	pages := make([]*store.Page, n)
	for i := range pages {
		path := filepath.Join(task.WorkDir, fmt.Sprintf("page_%04d.png", i+1))
		if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
			t.Fatalf("failed to write image: %v", err)
		}
		pages[i] = &store.Page{
			TaskID:     task.ID,
			Page:       i + 1,
			PageSource: i + 1,
			Provider:   task.Provider,
			Model:      task.Model,
			ImagePath:  path,
		}
	}
	ctx := context.Background()
	if err := s.InsertPages(ctx, pages); err != nil {
		t.Fatalf("InsertPages failed: %v", err)
	}
	if err := s.UpdateTask(ctx, task.ID, store.TaskUpdate{Pages: store.Ptr(n)}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	return pages
}

func getTask(t *testing.T, s *store.Store, id string) *store.Task {
	t.Helper()
	task, err := s.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	return task
}

func getPage(t *testing.T, s *store.Store, id int64) *store.Page {
	t.Helper()
	p, err := s.GetPage(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	return p
}

// recorder is an events.Emitter that keeps everything it sees.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) statuses(taskID string) []store.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.TaskStatus
	for _, e := range r.events {
		if e.Type == events.TaskStatusChanged && e.TaskID == taskID {
			out = append(out, e.Task.Status)
		}
	}
	return out
}

func mockRegistry(mock *providers.MockClient) *providers.Registry {
	reg := providers.NewRegistry()
	reg.Register(providers.MockClientName, mock)
	return reg
}

func newConverter(s *store.Store, mock *providers.MockClient, em events.Emitter, cfg ConverterConfig) *ConverterWorker {
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	return NewConverterWorker(Deps{Store: s, Events: em}, mockRegistry(mock), cfg)
}

// fakeSplitter writes n placeholder images per task.
type fakeSplitter struct {
	dir     string
	n       int
	err     error
	mu      sync.Mutex
	cleaned []string
}

func (f *fakeSplitter) Split(ctx context.Context, task *store.Task) (*splitter.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := &splitter.Result{TotalPages: f.n}
	for i := 1; i <= f.n; i++ {
		path := filepath.Join(f.dir, fmt.Sprintf("%s_page_%04d.png", task.ID, i))
		if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
			return nil, err
		}
		res.Pages = append(res.Pages, splitter.PageImage{Page: i, PageSource: i, ImagePath: path})
	}
	return res, nil
}

func (f *fakeSplitter) Cleanup(taskID string) error {
	f.mu.Lock()
	f.cleaned = append(f.cleaned, taskID)
	f.mu.Unlock()
	return nil
}

type fakeResolver struct {
	sp  splitter.Splitter
	err error
}

func (r fakeResolver) For(string) (splitter.Splitter, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.sp, nil
}

func TestConverter_ClaimRace(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "race", store.TaskProcessing)
	insertPages(t, s, task, 1)
	mock := providers.NewMockClient()

	const n = 4
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []string
	)
	for i := 0; i < n; i++ {
		w := newConverter(s, mock, nil, ConverterConfig{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p := w.claimPage(context.Background()); p != nil {
				mu.Lock()
				won = append(won, p.WorkerID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(won) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(won))
	}
}

func TestConverter_ClaimSkipsUnprocessedTasks(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "cancelled", store.TaskProcessing)
	insertPages(t, s, task, 1)
	if _, err := s.CancelTask(context.Background(), task.ID); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	w := newConverter(s, providers.NewMockClient(), nil, ConverterConfig{})
	if p := w.claimPage(context.Background()); p != nil {
		t.Errorf("claimed page %d of a cancelled task", p.ID)
	}
}

func TestConverter_CompleteSuccess(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate completion is a no-op", func(t *testing.T) {
		s := newTestStore(t)
		task := insertTask(t, s, "dup", store.TaskProcessing)
		insertPages(t, s, task, 2)
		w := newConverter(s, providers.NewMockClient(), nil, ConverterConfig{})

		page := w.claimPage(ctx)
		if page == nil {
			t.Fatal("expected to claim a page")
		}
		result := store.PageResult{Content: "A", InputTokens: 10, OutputTokens: 5, ConversionTime: time.Second}

		got, err := w.CompleteSuccess(ctx, page, result)
		if err != nil {
			t.Fatalf("first completion failed: %v", err)
		}
		if got.CompletedCount != 1 || got.Progress != 50 {
			t.Errorf("expected completed=1 progress=50, got %d/%d", got.CompletedCount, got.Progress)
		}

		again, err := w.CompleteSuccess(ctx, page, result)
		if err != nil {
			t.Fatalf("second completion failed: %v", err)
		}
		if again != nil {
			t.Errorf("expected nil task for duplicate completion")
		}
		if n := getTask(t, s, task.ID).CompletedCount; n != 1 {
			t.Errorf("expected completed_count 1, got %d", n)
		}

		stored := getPage(t, s, page.ID)
		if stored.Status != store.PageCompleted || stored.Content != "A" || stored.WorkerID != "" {
			t.Errorf("unexpected page after completion: %+v", stored)
		}
		if stored.ConversionTime != 1000 {
			t.Errorf("expected conversion time 1000ms, got %d", stored.ConversionTime)
		}
	})

	t.Run("last page moves task to READY_TO_MERGE", func(t *testing.T) {
		s := newTestStore(t)
		rec := &recorder{}
		task := insertTask(t, s, "ready", store.TaskProcessing)
		insertPages(t, s, task, 1)
		w := newConverter(s, providers.NewMockClient(), rec, ConverterConfig{})

		page := w.claimPage(ctx)
		got, err := w.CompleteSuccess(ctx, page, store.PageResult{Content: "A"})
		if err != nil {
			t.Fatalf("completion failed: %v", err)
		}
		if got.Status != store.TaskReadyToMerge || got.Progress != 100 {
			t.Errorf("expected READY_TO_MERGE at 100%%, got %s at %d", got.Status, got.Progress)
		}
		if statuses := rec.statuses(task.ID); len(statuses) != 1 || statuses[0] != store.TaskReadyToMerge {
			t.Errorf("expected one READY_TO_MERGE event, got %v", statuses)
		}
	})

	t.Run("other worker cannot complete", func(t *testing.T) {
		s := newTestStore(t)
		task := insertTask(t, s, "owner", store.TaskProcessing)
		insertPages(t, s, task, 1)
		mock := providers.NewMockClient()
		owner := newConverter(s, mock, nil, ConverterConfig{})
		thief := newConverter(s, mock, nil, ConverterConfig{})

		page := owner.claimPage(ctx)
		_, err := thief.CompleteSuccess(ctx, page, store.PageResult{Content: "A"})
		if !errors.Is(err, store.ErrOwnershipLost) {
			t.Fatalf("expected ErrOwnershipLost, got %v", err)
		}
		if n := getTask(t, s, task.ID).CompletedCount; n != 0 {
			t.Errorf("expected completed_count 0, got %d", n)
		}
	})
}

func TestConverter_CancelledTaskNotResurrected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := insertTask(t, s, "cancel", store.TaskProcessing)
	insertPages(t, s, task, 1)
	w := newConverter(s, providers.NewMockClient(), nil, ConverterConfig{})

	page := w.claimPage(ctx)
	if page == nil {
		t.Fatal("expected to claim a page")
	}
	if _, err := s.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	_, err := w.CompleteSuccess(ctx, page, store.PageResult{Content: "late"})
	if !errors.Is(err, store.ErrTaskCancelled) {
		t.Fatalf("expected ErrTaskCancelled, got %v", err)
	}

	got := getTask(t, s, task.ID)
	if got.Status != store.TaskCancelled || got.CompletedCount != 0 {
		t.Errorf("expected untouched CANCELLED task, got %s completed=%d", got.Status, got.CompletedCount)
	}
	stored := getPage(t, s, page.ID)
	if stored.Status != store.PagePending || stored.WorkerID != "" || stored.Content != "" {
		t.Errorf("expected released page without content, got %+v", stored)
	}
}

func TestConverter_CompleteFailurePartial(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := insertTask(t, s, "partial", store.TaskProcessing)
	insertPages(t, s, task, 2)
	w := newConverter(s, providers.NewMockClient(), nil, ConverterConfig{})

	first := w.claimPage(ctx)
	if _, err := w.CompleteSuccess(ctx, first, store.PageResult{Content: "A"}); err != nil {
		t.Fatalf("CompleteSuccess failed: %v", err)
	}
	second := w.claimPage(ctx)
	cause := &ConversionError{Category: CategoryQuota, Err: errors.New("insufficient_quota")}
	got, err := w.CompleteFailure(ctx, second, cause)
	if err != nil {
		t.Fatalf("CompleteFailure failed: %v", err)
	}

	if got.Status != store.TaskPartialFailed {
		t.Errorf("expected PARTIAL_FAILED, got %s", got.Status)
	}
	if got.CompletedCount != 1 || got.FailedCount != 1 || got.Progress != 100 {
		t.Errorf("unexpected counters: completed=%d failed=%d progress=%d", got.CompletedCount, got.FailedCount, got.Progress)
	}
	if got.WorkerID != "" {
		t.Errorf("expected worker cleared, got %q", got.WorkerID)
	}
	if p := getPage(t, s, second.ID); p.Status != store.PageFailed || p.Error != cause.Error() {
		t.Errorf("unexpected failed page: status=%s error=%q", p.Status, p.Error)
	}
}

func TestConverter_ConcurrentFinishersTransitionOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := &recorder{}
	const n = 6
	task := insertTask(t, s, "concurrent", store.TaskProcessing)
	insertPages(t, s, task, n)
	mock := providers.NewMockClient()

	claimed := make([]*store.Page, 0, n)
	owners := make([]*ConverterWorker, 0, n)
	for i := 0; i < n; i++ {
		w := newConverter(s, mock, rec, ConverterConfig{})
		p := w.claimPage(ctx)
		if p == nil {
			t.Fatalf("claim %d returned nil", i)
		}
		claimed = append(claimed, p)
		owners = append(owners, w)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range claimed {
		wg.Add(1)
		go func(w *ConverterWorker, p *store.Page) {
			defer wg.Done()
			if _, err := w.CompleteSuccess(ctx, p, store.PageResult{Content: "x"}); err != nil {
				errs <- err
			}
		}(owners[i], claimed[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("completion failed: %v", err)
	}

	got := getTask(t, s, task.ID)
	if got.CompletedCount != n || got.Status != store.TaskReadyToMerge {
		t.Errorf("expected %d completed and READY_TO_MERGE, got %d %s", n, got.CompletedCount, got.Status)
	}
	if statuses := rec.statuses(task.ID); len(statuses) != 1 {
		t.Errorf("expected exactly one status change, got %v", statuses)
	}
}

func TestConverter_Process(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		mock         func() *providers.MockClient
		removeImage  bool
		wantStatus   store.PageStatus
		wantRetries  int
		wantRequests int64
		wantErr      string
	}{
		{
			name: "retryable failures then success",
			mock: func() *providers.MockClient {
				m := providers.NewMockClient()
				m.Latency = 0
				m.FailFirst = 2
				m.Err = errors.New("503 service unavailable")
				m.ResponseText = "```markdown\n# Title\n```"
				return m
			},
			wantStatus:   store.PageCompleted,
			wantRetries:  2,
			wantRequests: 3,
		},
		{
			name: "quota error fails fast",
			mock: func() *providers.MockClient {
				m := providers.NewMockClient()
				m.ShouldFail = true
				m.Err = errors.New("You exceeded your current quota: insufficient_quota")
				return m
			},
			wantStatus:   store.PageFailed,
			wantRequests: 1,
			wantErr:      "quota_exceeded",
		},
		{
			name: "retries exhausted",
			mock: func() *providers.MockClient {
				m := providers.NewMockClient()
				m.ShouldFail = true
				m.Err = errors.New("connection reset by peer")
				return m
			},
			wantStatus:   store.PageFailed,
			wantRetries:  2,
			wantRequests: 3,
			wantErr:      "network",
		},
		{
			name:         "missing image is not retried",
			mock:         providers.NewMockClient,
			removeImage:  true,
			wantStatus:   store.PageFailed,
			wantRequests: 0,
			wantErr:      "file_not_found",
		},
		{
			name: "empty content is an llm failure",
			mock: func() *providers.MockClient {
				m := providers.NewMockClient()
				m.Latency = 0
				m.ResponseText = "   "
				return m
			},
			wantStatus:   store.PageFailed,
			wantRetries:  2,
			wantRequests: 3,
			wantErr:      "llm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			task := insertTask(t, s, "process", store.TaskProcessing)
			pages := insertPages(t, s, task, 1)
			if tt.removeImage {
				os.Remove(pages[0].ImagePath)
			}
			mock := tt.mock()
			w := newConverter(s, mock, nil, ConverterConfig{MaxRetries: 2, MaxContentLength: 1000})

			page := w.claimPage(ctx)
			if page == nil {
				t.Fatal("expected to claim a page")
			}
			w.process(ctx, page)

			got := getPage(t, s, page.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s (error %q)", tt.wantStatus, got.Status, got.Error)
			}
			if got.RetryCount != tt.wantRetries {
				t.Errorf("expected retry_count %d, got %d", tt.wantRetries, got.RetryCount)
			}
			if n := mock.RequestCount(); n != tt.wantRequests {
				t.Errorf("expected %d requests, got %d", tt.wantRequests, n)
			}
			if tt.wantErr != "" && !strings.Contains(got.Error, tt.wantErr) {
				t.Errorf("expected error to mention %q, got %q", tt.wantErr, got.Error)
			}
			if tt.wantStatus == store.PageCompleted && got.Content != "# Title" {
				t.Errorf("expected fenced content stripped, got %q", got.Content)
			}
		})
	}
}

func TestConverter_RequestShape(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	task := insertTask(t, s, "shape", store.TaskProcessing)
	insertPages(t, s, task, 1)
	mock := providers.NewMockClient()
	w := newConverter(s, mock, nil, ConverterConfig{Prompt: "convert to markdown"})

	page := w.claimPage(ctx)
	w.process(ctx, page)

	req := mock.LastRequest()
	if req == nil {
		t.Fatal("expected a request")
	}
	if req.Model != "mock-model" {
		t.Errorf("expected page model, got %q", req.Model)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[0].Content != "convert to markdown" {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
	if len(req.Messages[1].Images) != 1 || string(req.Messages[1].Images[0]) != "png" {
		t.Errorf("expected page image attached")
	}

	got := getPage(t, s, page.ID)
	if got.InputTokens == 0 {
		t.Errorf("expected input tokens recorded from raw usage")
	}
}

func TestConverter_StopReleasesPage(t *testing.T) {
	s := newTestStore(t)
	task := insertTask(t, s, "stop", store.TaskProcessing)
	pages := insertPages(t, s, task, 1)
	mock := providers.NewMockClient()
	mock.Latency = time.Minute
	w := newConverter(s, mock, nil, ConverterConfig{Poll: 5 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	waitFor(t, func() bool { return mock.RequestCount() > 0 })
	w.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	got := getPage(t, s, pages[0].ID)
	if got.Status != store.PagePending || got.WorkerID != "" {
		t.Errorf("expected released page, got status=%s worker=%q", got.Status, got.WorkerID)
	}
	if w.Running() {
		t.Error("expected worker not running")
	}
}

func TestBase_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := &recorder{}
	task := insertTask(t, s, "update", store.TaskPending)

	var b Base
	b.init(KindSplitter, Deps{Store: s, Events: rec})
	got, err := b.updateStatus(ctx, task.ID, store.TaskUpdate{
		Status:   store.TaskProcessing,
		Progress: store.Ptr(40),
	})
	if err != nil {
		t.Fatalf("updateStatus failed: %v", err)
	}
	if got.Status != store.TaskProcessing || got.Progress != 40 {
		t.Errorf("unexpected task %s progress=%d", got.Status, got.Progress)
	}

	var types []events.Type
	for _, e := range rec.events {
		types = append(types, e.Type)
	}
	want := []events.Type{events.TaskUpdated, events.TaskProgressChanged, events.TaskStatusChanged}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", types, want)
	}

	if _, err := b.updateStatus(ctx, "missing", store.TaskUpdate{Status: store.TaskFailed}); err == nil {
		t.Error("expected error for missing task")
	}
}

func TestBase_HandleError(t *testing.T) {
	ctx := context.Background()

	t.Run("fails a held task", func(t *testing.T) {
		s := newTestStore(t)
		task := insertTask(t, s, "held", store.TaskPending)
		var b Base
		b.init(KindSplitter, Deps{Store: s})
		if b.claim(ctx, store.TaskPending, store.TaskSplitting) == nil {
			t.Fatal("expected claim")
		}

		b.handleError(ctx, task.ID, errors.New(strings.Repeat("x", 2000)))

		got := getTask(t, s, task.ID)
		if got.Status != store.TaskFailed || got.WorkerID != "" {
			t.Errorf("expected FAILED and unowned, got status=%s worker=%q", got.Status, got.WorkerID)
		}
		if n := len([]rune(got.Error)); n != 1000 || !strings.HasSuffix(got.Error, "...") {
			t.Errorf("expected truncated error, got %d runes", n)
		}
	})

	t.Run("leaves a cancelled task alone", func(t *testing.T) {
		s := newTestStore(t)
		task := insertTask(t, s, "cancelled", store.TaskPending)
		var b Base
		b.init(KindSplitter, Deps{Store: s})
		if b.claim(ctx, store.TaskPending, store.TaskSplitting) == nil {
			t.Fatal("expected claim")
		}
		if _, err := s.CancelTask(ctx, task.ID); err != nil {
			t.Fatalf("CancelTask failed: %v", err)
		}

		b.handleError(ctx, task.ID, errors.New("render failed"))

		if got := getTask(t, s, task.ID); got.Status != store.TaskCancelled || got.Error != "" {
			t.Errorf("expected CANCELLED without error, got %s %q", got.Status, got.Error)
		}
	})

	t.Run("leaves a task held by another worker alone", func(t *testing.T) {
		s := newTestStore(t)
		task := insertTask(t, s, "other", store.TaskPending)
		var owner, other Base
		owner.init(KindSplitter, Deps{Store: s})
		other.init(KindSplitter, Deps{Store: s})
		if owner.claim(ctx, store.TaskPending, store.TaskSplitting) == nil {
			t.Fatal("expected claim")
		}

		other.handleError(ctx, task.ID, errors.New("render failed"))

		got := getTask(t, s, task.ID)
		if got.Status != store.TaskSplitting || got.WorkerID != owner.ID() {
			t.Errorf("expected task still held by owner, got status=%s worker=%q", got.Status, got.WorkerID)
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
