package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-graph/internal/models"
	"github.com/kubilitics/kubilitics-graph/internal/temporal"
)

func newSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"snap"},
		Short:   "Capture, list, diff and prune graph snapshots",
	}
	cmd.AddCommand(
		newSnapshotCreateCmd(a),
		newSnapshotListCmd(a),
		newSnapshotDiffCmd(a),
		newSnapshotHistoryCmd(a),
		newSnapshotPruneCmd(a),
		newSnapshotDeleteCmd(a),
	)
	return cmd
}

// withTemporal opens the runtime, checks snapshots are enabled and runs fn.
func (a *app) withTemporal(cmd *cobra.Command, fn func(rt *runtime) error) error {
	rt, err := a.openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.requireTemporal(); err != nil {
		return err
	}
	return fn(rt)
}

func newSnapshotCreateCmd(a *app) *cobra.Command {
	var label, provider string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Capture the live graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTemporal(cmd, func(rt *runtime) error {
				snap, err := rt.temporal.CreateSnapshot(cmd.Context(), models.TriggerManual, label, provider)
				if err != nil {
					return err
				}
				return a.printJSON(snap)
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "human readable label")
	cmd.Flags().StringVar(&provider, "provider", "", "capture only this provider's resources")
	return cmd
}

func newSnapshotListCmd(a *app) *cobra.Command {
	var (
		f       temporal.SnapshotFilter
		trigger string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Trigger = models.SnapshotTrigger(trigger)
			return a.withTemporal(cmd, func(rt *runtime) error {
				snaps, err := rt.temporal.ListSnapshots(cmd.Context(), f)
				if err != nil {
					return err
				}
				return a.printJSON(snaps)
			})
		},
	}
	cmd.Flags().StringVar(&f.Since, "since", "", "only snapshots created at or after this timestamp")
	cmd.Flags().StringVar(&f.Until, "until", "", "only snapshots created at or before this timestamp")
	cmd.Flags().StringVar(&trigger, "trigger", "", "sync, manual or scheduled")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum snapshots to list")
	return cmd
}

func newSnapshotDiffCmd(a *app) *cobra.Command {
	var at bool
	cmd := &cobra.Command{
		Use:   "diff <from> <to>",
		Short: "Diff two snapshots (or two timestamps with --at)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTemporal(cmd, func(rt *runtime) error {
				var (
					diff *models.SnapshotDiff
					err  error
				)
				if at {
					diff, err = rt.temporal.DiffTimestamps(cmd.Context(), args[0], args[1])
				} else {
					diff, err = rt.temporal.DiffSnapshots(cmd.Context(), args[0], args[1])
				}
				if err != nil {
					return err
				}
				return a.printJSON(diff)
			})
		},
	}
	cmd.Flags().BoolVar(&at, "at", false, "treat arguments as timestamps")
	return cmd
}

func newSnapshotHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <node-id>",
		Short: "Show a node's captured versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTemporal(cmd, func(rt *runtime) error {
				versions, err := rt.temporal.GetNodeHistory(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return a.printJSON(versions)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum versions")
	return cmd
}

func newSnapshotPruneCmd(a *app) *cobra.Command {
	var (
		maxSnapshots int
		maxAge       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply snapshot retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy := retention(a.cfg.Temporal)
			if cmd.Flags().Changed("max-snapshots") {
				policy.MaxSnapshots = maxSnapshots
			}
			if cmd.Flags().Changed("max-age") {
				policy.MaxAge = maxAge
			}
			return a.withTemporal(cmd, func(rt *runtime) error {
				n, err := rt.temporal.PruneSnapshots(cmd.Context(), policy)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "Pruned %d snapshot(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxSnapshots, "max-snapshots", 0, "keep at most this many snapshots (default: temporal.max_snapshots)")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "delete snapshots older than this (default: temporal.max_age_hours)")
	return cmd
}

func newSnapshotDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withTemporal(cmd, func(rt *runtime) error {
				ok, err := rt.temporal.DeleteSnapshot(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("snapshot %s not found", args[0])
				}
				fmt.Fprintf(a.stdout, "Deleted snapshot %s\n", args[0])
				return nil
			})
		},
	}
}
