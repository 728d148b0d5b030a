package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/policy"
	"github.com/spf13/cobra"
)

func newEvaluateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate ACTION_TYPE PAYLOAD",
		Short: "Print the policy decision for a payload",
		Long: `Evaluates a payload against the configured thresholds without touching
any store. ACTION_TYPE is one of: ` + actionList() + `.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			evaluator, err := policy.New(cfg.Policy.Thresholds)
			if err != nil {
				return err
			}

			action := approval.ActionType(strings.ToUpper(args[0]))
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			decision, err := evaluator.Evaluate(action, json.RawMessage(args[1]))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(decision)
		},
	}
}

func actionList() string {
	names := make([]string, len(approval.ActionTypes))
	for i, a := range approval.ActionTypes {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
