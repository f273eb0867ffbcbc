package graphsync

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// DiscoveryUnit is one independently failing slice of discovery, typically a
// resource type in a region.
type DiscoveryUnit struct {
	Name string
	Run  func(ctx context.Context) (*DiscoveryBatch, error)
}

// DiscoveryBatch is what a unit produced.
type DiscoveryBatch struct {
	Nodes []*models.GraphNodeInput
	Edges []*models.GraphEdgeInput
}

// DiscoveryWarning records a unit that failed.
type DiscoveryWarning struct {
	Unit  string `json:"unit"`
	Error string `json:"error"`
}

// DiscoveryReport aggregates every unit's output. Success is false only when
// the run itself could not proceed; failed units appear in Warnings.
type DiscoveryReport struct {
	Success  bool                     `json:"success"`
	Nodes    []*models.GraphNodeInput `json:"-"`
	Edges    []*models.GraphEdgeInput `json:"-"`
	Units    int                      `json:"units"`
	Warnings []DiscoveryWarning       `json:"warnings,omitempty"`
}

// DiscoverAll runs units with at most concurrency in flight. Outputs are
// concatenated in unit order so repeated runs produce the same batches.
func DiscoverAll(ctx context.Context, units []DiscoveryUnit, concurrency int) *DiscoveryReport {
	report := &DiscoveryReport{Units: len(units)}
	if err := ctx.Err(); err != nil {
		report.Warnings = append(report.Warnings, DiscoveryWarning{Unit: "*", Error: fmt.Errorf("%w: %v", ErrAborted, err).Error()})
		return report
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	results := make([]*DiscoveryBatch, len(units))
	errs := make([]error, len(units))
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	for i, u := range units {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = fmt.Errorf("%w: %v", ErrAborted, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i], errs[i] = runUnit(ctx, u)
		}()
	}
	wg.Wait()

	for i, u := range units {
		if errs[i] != nil {
			report.Warnings = append(report.Warnings, DiscoveryWarning{Unit: u.Name, Error: errs[i].Error()})
			continue
		}
		if results[i] != nil {
			report.Nodes = append(report.Nodes, results[i].Nodes...)
			report.Edges = append(report.Edges, results[i].Edges...)
		}
	}
	report.Success = true
	return report
}

func runUnit(ctx context.Context, u DiscoveryUnit) (b *DiscoveryBatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("discovery unit panicked: %v", r)
		}
	}()
	return u.Run(ctx)
}
