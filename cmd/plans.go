package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var plansCmd = &cobra.Command{
	Use:   "plans [name]",
	Short: "List battle plans or show one plan's phases",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPlans,
}

func init() {
	rootCmd.AddCommand(plansCmd)
}

func runPlans(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		p, ok := a.plans.Get(args[0])
		if !ok {
			return fmt.Errorf("unknown plan %q (have: %s)", args[0], strings.Join(a.plans.Names(), ", "))
		}
		fmt.Fprintf(out, "%s (%d phases)\n", p.Name, len(p.Phases))
		if p.Description != "" {
			fmt.Fprintf(out, "  %s\n", p.Description)
		}
		for i, ph := range p.Phases {
			deps := p.Dependencies(i)
			line := fmt.Sprintf("  %d. %-20s agent=%s", i+1, ph.Name, ph.Agent)
			if len(deps) > 0 {
				line += fmt.Sprintf(" after=%s", strings.Join(deps, ","))
			}
			if ph.Condition != "" && ph.Condition != "always" {
				line += fmt.Sprintf(" when=%s", ph.Condition)
			}
			fmt.Fprintln(out, line)
		}
		return nil
	}

	names := a.plans.Names()
	if len(names) == 0 {
		fmt.Fprintln(out, "no plans loaded")
		return nil
	}
	for _, name := range names {
		p, _ := a.plans.Get(name)
		fmt.Fprintf(out, "%-20s %d phase(s)  %s\n", name, len(p.Phases), p.Description)
	}
	return nil
}
