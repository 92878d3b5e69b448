package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/folio/internal/events"
	"github.com/jackzampolin/folio/internal/splitter"
	"github.com/jackzampolin/folio/internal/store"
)

// ErrPoolStarted is returned by Start on a pool that is already running.
var ErrPoolStarted = errors.New("worker pool already started")

// Config wires a Pool.
type Config struct {
	Store     *store.Store
	Providers LLMResolver
	Splitters splitter.Resolver
	Events    events.Emitter
	Logger    *slog.Logger

	Converters int // number of converter workers (default: 2)
	SplitPoll  time.Duration
	MergePoll  time.Duration
	Converter  ConverterConfig

	// SkipRecovery leaves PROCESSING/SPLITTING/MERGING claims alone at start.
	// Set it when another process shares the database.
	SkipRecovery bool
}

// Pool runs one splitter, N converters and one merger against a store.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	workers []Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PoolStatus is a snapshot of the pool for status endpoints.
type PoolStatus struct {
	Workers []WorkerStatus `json:"workers"`
}

// WorkerStatus describes a single worker.
type WorkerStatus struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Running bool   `json:"running"`
	TaskID  string `json:"task_id,omitempty"`
	PageID  int64  `json:"page_id,omitempty"`
}

// NewPool validates cfg and returns an idle pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Providers == nil {
		return nil, errors.New("provider registry is required")
	}
	if cfg.Splitters == nil {
		return nil, errors.New("splitter factory is required")
	}
	if cfg.Converters <= 0 {
		cfg.Converters = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger
	return &Pool{cfg: cfg, logger: logger.With("component", "pool")}, nil
}

// Start recovers orphaned claims and launches every worker. It returns once
// the goroutines are running; use Stop and Wait to shut down.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrPoolStarted
	}

	if !p.cfg.SkipRecovery {
		if err := p.recover(ctx); err != nil {
			return err
		}
	}

	deps := Deps{Store: p.cfg.Store, Events: p.cfg.Events, Logger: p.cfg.Logger}
	p.workers = p.workers[:0]
	p.workers = append(p.workers, NewSplitterWorker(deps, p.cfg.Splitters, SplitterConfig{Poll: p.cfg.SplitPoll}))
	for i := 0; i < p.cfg.Converters; i++ {
		p.workers = append(p.workers, NewConverterWorker(deps, p.cfg.Providers, p.cfg.Converter))
	}
	p.workers = append(p.workers, NewMergerWorker(deps, MergerConfig{Poll: p.cfg.MergePoll}))

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	p.logger.Info("worker pool started", "converters", p.cfg.Converters, "workers", len(p.workers))
	return nil
}

// recover hands back claims left by a process that died mid-stage.
func (p *Pool) recover(ctx context.Context) error {
	var counts store.OrphanCounts
	err := p.cfg.Store.Serializable(ctx, func(tx *store.Tx) error {
		var err error
		counts, err = tx.ReleaseOrphans(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if counts.Total() > 0 {
		p.logger.Warn("released orphaned claims",
			"splitting", counts.Splitting,
			"merging", counts.Merging,
			"pages", counts.Pages,
		)
	}
	return nil
}

// Stop signals every worker to exit. It does not wait.
func (p *Pool) Stop() {
	p.mu.Lock()
	workers := p.workers
	cancel := p.cancel
	p.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every worker has returned or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// Status reports what each worker is doing.
func (p *Pool) Status() PoolStatus {
	var status PoolStatus
	for _, w := range p.Workers() {
		ws := WorkerStatus{ID: w.ID(), Kind: w.Kind(), Running: w.Running()}
		if c, ok := w.(interface{ Current() (string, int64) }); ok {
			ws.TaskID, ws.PageID = c.Current()
		}
		status.Workers = append(status.Workers, ws)
	}
	return status
}
