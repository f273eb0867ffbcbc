package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/graphsync"
	"github.com/kubilitics/kubilitics-graph/internal/models"
)

// inventory is the document accepted by import: what a discovery adapter
// exported, split into named units that fail independently.
type inventory struct {
	Provider string                   `json:"provider"`
	Units    []inventoryUnit          `json:"units"`
	Nodes    []*models.GraphNodeInput `json:"nodes"`
	Edges    []*models.GraphEdgeInput `json:"edges"`
}

type inventoryUnit struct {
	Name  string                   `json:"name"`
	Nodes []*models.GraphNodeInput `json:"nodes"`
	Edges []*models.GraphEdgeInput `json:"edges"`
}

func (inv *inventory) discoveryUnits() []graphsync.DiscoveryUnit {
	units := make([]graphsync.DiscoveryUnit, 0, len(inv.Units)+1)
	if len(inv.Nodes) > 0 || len(inv.Edges) > 0 {
		inv.Units = append([]inventoryUnit{{Name: "default", Nodes: inv.Nodes, Edges: inv.Edges}}, inv.Units...)
	}
	for _, u := range inv.Units {
		units = append(units, graphsync.DiscoveryUnit{
			Name: u.Name,
			Run: func(context.Context) (*graphsync.DiscoveryBatch, error) {
				return &graphsync.DiscoveryBatch{Nodes: u.Nodes, Edges: u.Edges}, nil
			},
		})
	}
	return units
}

func readInventory(r io.Reader) (*inventory, error) {
	var inv inventory
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inv); err != nil {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	return &inv, nil
}

func newImportCmd(a *app) *cobra.Command {
	var (
		provider string
		snapshot bool
		label    string
	)
	cmd := &cobra.Command{
		Use:   "import [file|-]",
		Short: "Sync a discovered inventory into the graph",
		Long:  "Reads a JSON inventory ({provider, nodes, edges, units}) and syncs it incrementally. With a provider, resources of that provider missing from the inventory are marked disappeared.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := a.openInput(args)
			if err != nil {
				return err
			}
			defer closeIn()
			inv, err := readInventory(in)
			if err != nil {
				return err
			}
			if provider == "" {
				provider = inv.Provider
			}

			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.engine.Warm(ctx); err != nil {
				return err
			}
			report, err := rt.engine.Run(ctx, provider, inv.discoveryUnits())
			if err != nil {
				return err
			}

			out := map[string]any{"report": report}
			if snapshot && rt.temporal != nil {
				snap, err := rt.temporal.CreateSnapshot(ctx, models.TriggerSync, label, provider)
				if err != nil {
					return fmt.Errorf("snapshot after sync: %w", err)
				}
				out["snapshot"] = snap
				if n, err := rt.temporal.PruneSnapshots(ctx, retention(a.cfg.Temporal)); err != nil {
					a.log.Warn("snapshot prune failed", zap.Error(err))
				} else {
					out["pruned"] = n
				}
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider being synced; enables disappearance reconciliation")
	cmd.Flags().BoolVar(&snapshot, "snapshot", true, "capture a sync snapshot after importing")
	cmd.Flags().StringVar(&label, "label", "", "label for the sync snapshot")
	return cmd
}

// openInput returns stdin for no args or "-", else the named file.
func (a *app) openInput(args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return a.stdin, func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
