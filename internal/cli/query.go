package cli

import (
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-graph/internal/iql"
)

func newQueryCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "query <IQL>",
		Short: "Run an IQL query",
		Example: `  kgraph query "FIND RESOURCES WHERE provider = 'aws' AND cost > 100"
  kgraph query "FIND DOWNSTREAM OF 'aws:rds:db-main' WHERE depth <= 2"
  kgraph query --file blast.iql`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if file != "" {
				in, closeIn, err := a.openInput([]string{file})
				if err != nil {
					return err
				}
				defer closeIn()
				raw, err := io.ReadAll(in)
				if err != nil {
					return err
				}
				text = string(raw)
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("query text is required")
			}

			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			exec := iql.NewExecutor(iql.ExecutorOptions{
				Storage:      rt.storage,
				Temporal:     rt.temporal,
				DefaultDepth: a.cfg.Query.DefaultDepth,
				MaxResults:   a.cfg.Query.MaxResults,
				Logger:       a.log,
			})
			res, err := exec.Execute(ctx, text)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the query from a file (- for stdin)")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show graph statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			stats, err := rt.storage.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(stats)
		},
	}
}
