package workers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/jackzampolin/folio/internal/providers"
	"github.com/jackzampolin/folio/internal/store"
)

// LLMResolver looks up the client for a page's provider id.
type LLMResolver interface {
	Get(name string) (providers.LLMClient, error)
}

// ConverterConfig configures a ConverterWorker.
type ConverterConfig struct {
	Poll             time.Duration
	ClaimAttempts    int // claim races tolerated per poll
	CommitAttempts   int // reruns of a conflicted completion transaction
	MaxRetries       int // extra conversion attempts after the first
	RetryBase        time.Duration
	MaxContentLength int
	Prompt           string
	Timeout          time.Duration // per LLM call, 0 = client default
	Classifier       Classifier
}

// ConverterWorker converts one page at a time. Many run side by side.
type ConverterWorker struct {
	Base
	llms LLMResolver
	cfg  ConverterConfig
}

// NewConverterWorker creates a converter worker.
func NewConverterWorker(deps Deps, llms LLMResolver, cfg ConverterConfig) *ConverterWorker {
	if cfg.Poll <= 0 {
		cfg.Poll = 500 * time.Millisecond
	}
	if cfg.ClaimAttempts <= 0 {
		cfg.ClaimAttempts = 3
	}
	if cfg.CommitAttempts <= 0 {
		cfg.CommitAttempts = defaultCommitAttempts
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier
	}
	w := &ConverterWorker{llms: llms, cfg: cfg}
	w.init(KindConverter, deps)
	return w
}

// Run polls for PENDING pages until stopped.
func (w *ConverterWorker) Run(ctx context.Context) {
	w.loop(ctx, w.cfg.Poll, w.step)
}

func (w *ConverterWorker) step(ctx context.Context) bool {
	page := w.claimPage(ctx)
	if page == nil {
		return false
	}
	w.setCurrentPage(page.ID)
	defer w.setCurrentPage(0)

	w.process(ctx, page)
	return true
}

// claimPage picks a candidate and takes it with a conditional update.
// Losing the race to another converter just means trying the next candidate.
func (w *ConverterWorker) claimPage(ctx context.Context) *store.Page {
	for attempt := 0; attempt < w.cfg.ClaimAttempts; attempt++ {
		candidate, err := w.store.NextPage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("failed to select page", "error", err)
			}
			return nil
		}
		if candidate == nil {
			return nil
		}

		ok, err := w.store.ClaimPage(ctx, candidate.ID, w.id)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("failed to claim page", "page_id", candidate.ID, "error", err)
			}
			continue
		}
		if !ok {
			w.logger.Debug("lost page claim race", "page_id", candidate.ID, "attempt", attempt+1)
			continue
		}

		page, err := w.store.GetPage(ctx, candidate.ID)
		if err != nil {
			w.logger.Error("failed to reload claimed page", "page_id", candidate.ID, "error", err)
			w.releasePage(ctx, candidate.ID)
			return nil
		}
		return page
	}
	return nil
}

func (w *ConverterWorker) process(ctx context.Context, page *store.Page) {
	log := w.logger.With("task_id", page.TaskID, "page_id", page.ID, "page", page.Page)

	result, convErr := w.convertWithRetry(ctx, page)
	if convErr != nil && interrupted(ctx) {
		w.releasePage(ctx, page.ID)
		return
	}

	// Completion must land even if Stop arrives now; the result is already paid for.
	cctx, cancel := detached(ctx)
	defer cancel()

	var err error
	if convErr == nil {
		_, err = w.CompleteSuccess(cctx, page, *result)
	} else {
		log.Warn("page conversion failed", "error", convErr)
		_, err = w.CompleteFailure(cctx, page, convErr)
	}

	switch {
	case err == nil:
	case errors.Is(err, store.ErrTaskCancelled):
		log.Info("task cancelled, discarded page result")
	case errors.Is(err, store.ErrOwnershipLost):
		log.Warn("page ownership lost, discarded result", "error", err)
	default:
		log.Error("failed to record page outcome", "error", err)
		w.releasePage(ctx, page.ID)
	}
}

// convertWithRetry makes up to MaxRetries+1 attempts, backing off between
// retryable failures. The returned error is a *ConversionError unless the
// loop was interrupted or ownership was lost.
func (w *ConverterWorker) convertWithRetry(ctx context.Context, page *store.Page) (*store.PageResult, error) {
	attempts := w.cfg.MaxRetries + 1
	var last *ConversionError

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := w.convert(ctx, page)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		last = &ConversionError{Category: w.cfg.Classifier(err), Err: err}
		if !last.Retryable() || attempt == attempts-1 {
			break
		}

		ok, err := w.store.IncrementPageRetry(ctx, page.ID, w.id)
		if err != nil {
			return nil, fmt.Errorf("failed to record retry: %w", err)
		}
		if !ok {
			return nil, store.ErrOwnershipLost
		}

		delay := w.retryDelay(attempt, last)
		w.logger.Warn("page conversion attempt failed, retrying",
			"task_id", page.TaskID,
			"page_id", page.ID,
			"attempt", attempt+1,
			"category", last.Category,
			"delay", delay,
			"error", last.Err,
		)
		if !sleep(ctx, delay) {
			return nil, ctx.Err()
		}
	}
	return nil, last
}

func (w *ConverterWorker) retryDelay(attempt int, cerr *ConversionError) time.Duration {
	rateLimited := cerr.Category == CategoryRateLimit
	delay := Backoff(w.cfg.RetryBase, attempt, rateLimited, rand.Float64()*0.25)
	if rle, ok := providers.IsRateLimitError(cerr); ok && rle.RetryAfter > delay {
		delay = min(rle.RetryAfter, MaxBackoff)
	}
	return delay
}

// convert runs a single attempt: image in, cleaned Markdown out.
func (w *ConverterWorker) convert(ctx context.Context, page *store.Page) (*store.PageResult, error) {
	start := time.Now()

	image, err := os.ReadFile(page.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read page image: %w", err)
	}
	client, err := w.llms.Get(page.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := client.Chat(ctx, &providers.ChatRequest{
		Model:   page.Model,
		Timeout: w.cfg.Timeout,
		Messages: []providers.Message{
			{Role: "system", Content: w.cfg.Prompt},
			{Role: "user", Content: fmt.Sprintf("Page %d", page.PageSource), Images: [][]byte{image}},
		},
	})
	if err != nil {
		return nil, err
	}

	content, err := CleanContent(resp.Content, w.cfg.MaxContentLength)
	if err != nil {
		return nil, err
	}

	usage := providers.UsageFromRaw(resp.RawResponse)
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage = providers.Usage{InputTokens: resp.PromptTokens, OutputTokens: resp.CompletionTokens}
	}

	return &store.PageResult{
		Content:        content,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		ConversionTime: time.Since(start),
	}, nil
}

func (w *ConverterWorker) releasePage(ctx context.Context, pageID int64) {
	ctx, cancel := detached(ctx)
	defer cancel()

	ok, err := w.store.ReleasePage(ctx, pageID, w.id)
	switch {
	case err != nil:
		w.logger.Error("failed to release page", "page_id", pageID, "error", err)
	case ok:
		w.logger.Info("released page", "page_id", pageID)
	}
}

var _ Worker = (*ConverterWorker)(nil)
