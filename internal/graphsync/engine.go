package graphsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/logger"
)

// EngineConfig tunes a sync Engine.
type EngineConfig struct {
	BatchSize   int
	Concurrency int
	MaxPages    int
	// PageRate is pages per second for CollectPaginated; 0 is unlimited.
	PageRate    float64
	EmitChanges bool
}

// Engine runs full discovery cycles against one storage backend, keeping the
// hash cache warm across runs and optionally shared through Redis.
type Engine struct {
	storage graphstore.Storage
	cache   *NodeHashCache
	hashes  *RedisHashStore
	logger  *zap.Logger
	cfg     EngineConfig
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithRedisHashStore shares the hash cache through Redis.
func WithRedisHashStore(s *RedisHashStore) EngineOption {
	return func(e *Engine) { e.hashes = s }
}

func NewEngine(storage graphstore.Storage, log *zap.Logger, cfg EngineConfig, opts ...EngineOption) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	e := &Engine{
		storage: storage,
		cache:   NewNodeHashCache(),
		logger:  logger.OrNop(log).Named("graphsync"),
		cfg:     cfg,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Cache exposes the engine's hash cache.
func (e *Engine) Cache() *NodeHashCache { return e.cache }

// Limiter returns a page limiter for CollectPaginated, or nil when unlimited.
func (e *Engine) Limiter() *rate.Limiter {
	if e.cfg.PageRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(e.cfg.PageRate), 1)
}

// PaginateOptions returns CollectPaginated options derived from the engine config.
func (e *Engine) PaginateOptions(pageSize int) PaginateOptions {
	return PaginateOptions{MaxPages: e.cfg.MaxPages, PageSize: pageSize, Limiter: e.Limiter()}
}

// Warm loads the hash cache from Redis when configured, else rebuilds it from storage.
func (e *Engine) Warm(ctx context.Context) error {
	if e.hashes != nil {
		c, err := e.hashes.Load(ctx)
		if err == nil && c.Len() > 0 {
			e.cache.Replace(c.Snapshot())
			e.logger.Info("hash cache loaded from redis", zap.Int("entries", c.Len()))
			return nil
		}
		if err != nil {
			e.logger.Warn("redis hash cache unavailable, rebuilding from storage", zap.Error(err))
		}
	}
	c, err := FromStorage(ctx, e.storage)
	if err != nil {
		return err
	}
	e.cache.Replace(c.Snapshot())
	e.logger.Info("hash cache rebuilt from storage", zap.Int("entries", c.Len()))
	return nil
}

// RunReport summarises Engine.Run.
type RunReport struct {
	Sync       SyncResult         `json:"sync"`
	Reconcile  *ReconcileResult   `json:"reconcile,omitempty"`
	Warnings   []DiscoveryWarning `json:"warnings,omitempty"`
	Failures   []BatchFailure     `json:"failures,omitempty"`
	StartedAt  string             `json:"started_at"`
	DurationMs int64              `json:"duration_ms"`
}

// Run executes units, syncs their nodes in batches and upserts edges once
// every node batch has landed. When provider is set and nothing failed, nodes
// of that provider missing from the run are marked disappeared and edges not
// refreshed by it are deleted.
func (e *Engine) Run(ctx context.Context, provider string, units []DiscoveryUnit) (*RunReport, error) {
	started := time.Now()
	report := &RunReport{StartedAt: models.FormatTime(started)}

	disc := DiscoverAll(ctx, units, e.cfg.Concurrency)
	report.Warnings = disc.Warnings
	if !disc.Success {
		return report, fmt.Errorf("%w: discovery did not start", ErrAborted)
	}

	opts := SyncOptions{EmitChanges: e.cfg.EmitChanges, DetectedVia: "sync", InitiatorType: models.InitiatorSystem, Logger: e.logger}
	batched, err := ProcessBatched(ctx, disc.Nodes, func(ctx context.Context, batch []*models.GraphNodeInput, _ int) ([]*SyncResult, error) {
		r, err := IncrementalSync(ctx, e.storage, batch, nil, e.cache, opts)
		if err != nil {
			return nil, err
		}
		return []*SyncResult{r}, nil
	}, BatchOptions{
		BatchSize:   e.cfg.BatchSize,
		Concurrency: e.cfg.Concurrency,
		OnBatchComplete: func(p BatchProgress) {
			e.logger.Debug("sync batch complete", zap.Int("batch", p.BatchIndex), zap.Int("completed", p.CompletedBatches), zap.Int("total", p.TotalBatches))
		},
	})
	if batched != nil {
		for _, r := range batched.Results {
			report.Sync.Created += r.Created
			report.Sync.Updated += r.Updated
			report.Sync.Skipped += r.Skipped
			report.Sync.Changes += r.Changes
		}
		report.Failures = batched.Failures
	}
	if err != nil {
		return report, err
	}

	if len(disc.Edges) > 0 {
		if err := e.storage.UpsertEdges(ctx, disc.Edges); err != nil {
			return report, fmt.Errorf("upsert edges: %w", err)
		}
		report.Sync.EdgesUpserted = len(disc.Edges)
	}

	if provider != "" && len(report.Warnings) == 0 && len(report.Failures) == 0 {
		seen := make(map[string]bool, len(disc.Nodes))
		for _, n := range disc.Nodes {
			seen[n.ID] = true
		}
		rec, err := Reconcile(ctx, e.storage, e.cache, ReconcileOptions{
			Provider:  provider,
			OlderThan: models.FormatTime(started),
			Seen:      seen,
		})
		if err != nil {
			return report, err
		}
		report.Reconcile = rec
	}

	if e.hashes != nil {
		if err := e.hashes.Save(ctx, e.cache); err != nil {
			e.logger.Warn("failed to persist hash cache", zap.Error(err))
		}
	}

	report.DurationMs = time.Since(started).Milliseconds()
	e.logger.Info("sync run complete",
		zap.String("provider", provider),
		zap.Int("created", report.Sync.Created),
		zap.Int("updated", report.Sync.Updated),
		zap.Int("skipped", report.Sync.Skipped),
		zap.Int("warnings", len(report.Warnings)),
		zap.Int("failures", len(report.Failures)),
	)
	return report, nil
}
