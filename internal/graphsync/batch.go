package graphsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrAborted is returned when the context is cancelled before or during bulk work.
var ErrAborted = errors.New("graphsync: operation aborted")

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 4
	DefaultMaxPages    = 100
)

// BatchOptions configures ProcessBatched.
type BatchOptions struct {
	BatchSize   int
	Concurrency int
	// OnBatchComplete runs after every batch, successful or not. Calls are serialised.
	OnBatchComplete func(BatchProgress)
}

// BatchProgress is passed to OnBatchComplete.
type BatchProgress struct {
	BatchIndex       int `json:"batch_index"`
	CompletedBatches int `json:"completed_batches"`
	TotalBatches     int `json:"total_batches"`
	ProcessedItems   int `json:"processed_items"`
	TotalItems       int `json:"total_items"`
}

// BatchFailure records one batch whose fn returned an error.
type BatchFailure struct {
	BatchIndex int    `json:"batch_index"`
	Size       int    `json:"size"`
	Error      string `json:"error"`
}

// BatchResult holds results of successful batches in input order, plus failures.
type BatchResult[R any] struct {
	Results  []R            `json:"results"`
	Failures []BatchFailure `json:"failures,omitempty"`
}

// ProcessBatched splits items into BatchSize chunks and runs fn on up to
// Concurrency chunks at once. A failing batch is recorded in Failures and does
// not stop the others. Cancellation stops scheduling new batches; in-flight
// batches finish and ErrAborted is returned along with the partial result.
func ProcessBatched[T, R any](
	ctx context.Context,
	items []T,
	fn func(ctx context.Context, batch []T, index int) ([]R, error),
	opts BatchOptions,
) (*BatchResult[R], error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	batches := chunk(items, size)
	outputs := make([][]R, len(batches))
	var (
		mu        sync.Mutex
		failures  []BatchFailure
		completed int
		processed int
	)

	var (
		g       errgroup.Group
		aborted atomic.Bool
	)
	g.SetLimit(limit)
	for i, b := range batches {
		if ctx.Err() != nil {
			aborted.Store(true)
			break
		}
		// g.Go blocks for a free slot, so cancellation can land in between.
		g.Go(func() error {
			if ctx.Err() != nil {
				aborted.Store(true)
				return nil
			}
			out, err := fn(ctx, b, i)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, BatchFailure{BatchIndex: i, Size: len(b), Error: err.Error()})
			} else {
				outputs[i] = out
			}
			completed++
			processed += len(b)
			if opts.OnBatchComplete != nil {
				opts.OnBatchComplete(BatchProgress{
					BatchIndex:       i,
					CompletedBatches: completed,
					TotalBatches:     len(batches),
					ProcessedItems:   processed,
					TotalItems:       len(items),
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &BatchResult[R]{Failures: failures}
	for _, out := range outputs {
		res.Results = append(res.Results, out...)
	}
	sortFailures(res.Failures)
	if aborted.Load() {
		return res, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	}
	return res, nil
}

// ProcessPooled runs fn over items with at most concurrency workers. Results
// keep input order. The first error cancels the remaining work and is returned.
func ProcessPooled[T, R any](
	ctx context.Context,
	items []T,
	fn func(ctx context.Context, item T, index int) (R, error),
	concurrency int,
) ([]R, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	if len(items) == 0 {
		return []R{}, nil
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}

	out := make([]R, len(items))
	work := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			for i := range work {
				r, err := fn(gctx, items[i], i)
				if err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
				out[i] = r
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(work)
		for i := range items {
			select {
			case work <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return out, nil
}

// Page is one response from a paginated provider API.
type Page[T any] struct {
	Items     []T
	NextToken string
	HasMore   bool
}

// PaginateOptions configures CollectPaginated.
type PaginateOptions struct {
	MaxPages int
	PageSize int
	// Limiter, when set, is waited on before every page request.
	Limiter *rate.Limiter
}

// CollectPaginated calls fetch until a page reports !HasMore or MaxPages pages
// have been read, returning all items flattened in page order.
func CollectPaginated[T any](
	ctx context.Context,
	fetch func(ctx context.Context, pageSize int, nextToken string) (Page[T], error),
	opts PaginateOptions,
) ([]T, error) {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	var (
		all   []T
		token string
	)
	for page := 0; page < maxPages; page++ {
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				return all, fmt.Errorf("%w: %v", ErrAborted, err)
			}
		} else if err := ctx.Err(); err != nil {
			return all, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		p, err := fetch(ctx, opts.PageSize, token)
		if err != nil {
			return all, fmt.Errorf("fetch page %d: %w", page, err)
		}
		all = append(all, p.Items...)
		if !p.HasMore {
			break
		}
		token = p.NextToken
	}
	return all, nil
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func sortFailures(f []BatchFailure) {
	sort.Slice(f, func(i, j int) bool { return f[i].BatchIndex < f[j].BatchIndex })
}
