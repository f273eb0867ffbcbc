// Package cli implements the kgraph command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-graph/internal/config"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-graph/internal/pkg/tracing"
)

// Version is set at build time with -ldflags.
var Version = "dev"

type app struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
	shutdown   func(context.Context) error
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "kgraph",
		Short:         "Infrastructure knowledge graph",
		Long:          "kgraph stores discovered cloud resources as a graph, answers IQL queries over it, keeps point-in-time snapshots and gates proposed changes through policy.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close(cmd.Context())
		},
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a kgraph config file (default: ./kgraph.yaml, $HOME/.kgraph, /etc/kgraph)")

	cmd.AddCommand(
		newServeCmd(a),
		newImportCmd(a),
		newQueryCmd(a),
		newStatsCmd(a),
		newSnapshotCmd(a),
		newPolicyCmd(a),
	)
	return cmd
}

// init loads configuration and sets up logging and tracing for one command run.
func (a *app) init(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	lc := logger.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Format = cfg.Logging.Format
	lc.File = cfg.Logging.File
	log, err := logger.New(lc)
	if err != nil {
		return err
	}
	a.log = log

	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "kubilitics-graph",
		Endpoint:     cfg.Tracing.Endpoint,
		Protocol:     cfg.Tracing.Protocol,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.shutdown = shutdown
	return nil
}

func (a *app) close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			a.log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
