package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-graph/internal/policy"
)

// ErrChangeBlocked is returned by "policy eval" when a deny rule matched.
var ErrChangeBlocked = errors.New("change blocked by policy")

func newPolicyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Evaluate change requests against policy",
	}
	cmd.AddCommand(newPolicyEvalCmd(a), newPolicyRulesCmd(a))
	return cmd
}

func newPolicyEvalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "eval [file|-]",
		Short: "Evaluate a JSON change request",
		Long:  "Reads a change request ({id, initiator, initiatorType, targetResourceId, action, riskScore, metadata, ...}) and prints the gate decision. Exits non-zero when the change is blocked.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := a.openInput(args)
			if err != nil {
				return err
			}
			defer closeIn()
			var cr policy.ChangeRequest
			if err := json.NewDecoder(in).Decode(&cr); err != nil {
				return fmt.Errorf("decode change request: %w", err)
			}

			ev, err := policy.FromConfig(a.cfg.Policy, a.log)
			if err != nil {
				return err
			}
			d := policy.Gate(cmd.Context(), ev, policy.BuildOpaInput(cr, time.Now()))
			if err := a.printJSON(d); err != nil {
				return err
			}
			if !d.Allowed {
				return ErrChangeBlocked
			}
			return nil
		},
	}
}

func newPolicyRulesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the local evaluator's rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := policy.FromConfig(a.cfg.Policy, a.log)
			if err != nil {
				return err
			}
			local, ok := ev.(*policy.LocalEvaluator)
			if !ok {
				return fmt.Errorf("policy type %q has no local rules", ev.Type())
			}
			return a.printJSON(local.Rules())
		},
	}
}
