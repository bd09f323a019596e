package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chimenet/internal/states"
)

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "Inspect custom states files",
}

var statesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a states file without applying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := states.Load(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, def := range f.States {
			s, err := def.ToCustomState()
			if err != nil {
				return fmt.Errorf("state %q: %w", def.Name, err)
			}
			if def.Behavior != "" {
				if _, ok := states.Behavior(def.Behavior); !ok {
					return fmt.Errorf("state %q: unknown behavior %q (known: %s)",
						def.Name, def.Behavior, strings.Join(states.BehaviorNames(), ", "))
				}
			}
			fmt.Fprintf(out, "%-16s priority=%d chime=%t conditions=%d\n", s.Name, s.Priority, s.ShouldChime, len(s.Conditions))
		}
		fmt.Fprintf(out, "%d states OK\n", len(f.States))
		return nil
	},
}

func init() {
	statesCmd.AddCommand(statesValidateCmd)
}
