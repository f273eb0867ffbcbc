package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/config"
	"github.com/kubilitics/kubilitics-graph/internal/graphstore"
	"github.com/kubilitics/kubilitics-graph/internal/graphsync"
	"github.com/kubilitics/kubilitics-graph/internal/policy"
	"github.com/kubilitics/kubilitics-graph/internal/querycache"
	"github.com/kubilitics/kubilitics-graph/internal/temporal"
)

// runtime holds the components one command needs. Storage is the cached
// view; base is the backend underneath it.
type runtime struct {
	storage  graphstore.Storage
	base     graphstore.Storage
	cache    *querycache.QueryCache
	temporal temporal.Store
	policy   policy.Evaluator
	engine   *graphsync.Engine
	redis    *redis.Client
	log      *zap.Logger
}

func openStorage(cfg config.StorageConfig) (graphstore.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return graphstore.NewMemoryStorage(), nil
	case "sqlite":
		return graphstore.NewSQLiteStorage(cfg.SQLitePath)
	case "postgres":
		pool := graphstore.DefaultPoolConfig()
		if cfg.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.MaxOpenConns
		}
		return graphstore.NewPostgresStorage(cfg.PostgresURL, pool)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func (a *app) openRuntime(ctx context.Context) (*runtime, error) {
	cfg := a.cfg
	base, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := base.Initialize(ctx); err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	rt := &runtime{base: base, log: a.log}
	rt.cache = querycache.New(querycache.Config{
		Enabled:    cfg.Cache.Enabled,
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	})
	rt.storage = querycache.NewCachedStorage(base, rt.cache)

	if cfg.Temporal.Enabled {
		rt.temporal = temporal.NewStore(base, temporal.WithLogger(a.log))
	}

	if rt.policy, err = policy.FromConfig(cfg.Policy, a.log); err != nil {
		_ = rt.close()
		return nil, fmt.Errorf("policy: %w", err)
	}

	var opts []graphsync.EngineOption
	if cfg.Sync.RedisAddr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.Sync.RedisAddr})
		opts = append(opts, graphsync.WithRedisHashStore(graphsync.NewRedisHashStore(rt.redis, cfg.Sync.RedisKey)))
	}
	rt.engine = graphsync.NewEngine(rt.storage, a.log, graphsync.EngineConfig{
		BatchSize:   cfg.Sync.BatchSize,
		Concurrency: cfg.Sync.Concurrency,
		MaxPages:    cfg.Sync.MaxPages,
		PageRate:    cfg.Sync.PageRate,
		EmitChanges: true,
	}, opts...)

	a.log.Debug("runtime ready",
		zap.String("backend", base.Backend()),
		zap.Bool("cache", rt.cache.Enabled()),
		zap.Bool("temporal", rt.temporal != nil),
		zap.String("policy", rt.policy.Type()))
	return rt, nil
}

// retention converts the temporal config into a prune policy.
func retention(cfg config.TemporalConfig) temporal.RetentionPolicy {
	return temporal.RetentionPolicy{
		MaxSnapshots: cfg.MaxSnapshots,
		MaxAge:       time.Duration(cfg.MaxAgeHours) * time.Hour,
	}
}

func (rt *runtime) requireTemporal() error {
	if rt.temporal == nil {
		return errors.New("temporal snapshots are disabled (temporal.enabled=false)")
	}
	return nil
}

func (rt *runtime) close() error {
	var errs []error
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	errs = append(errs, rt.base.Close())
	return errors.Join(errs...)
}
