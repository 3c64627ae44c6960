package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/squad/internal/routing"
)

var (
	routeCandidates  []string
	routeTags        []string
	routeSensitivity string
	routeTrust       string
	routeJSON        bool
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Show routing health or test a routing decision",
	Long: `Without flags, summarize routing health over the trailing event window.

With --candidate flags, perform a live routing decision (the decision is
recorded in the event log like any other). Candidates are given as
name[:tag1,tag2]; without tags the candidate advertises its own name.

Examples:
  squad route
  squad route --candidate engineer --candidate reviewer --tag engineer`,
	Args: cobra.NoArgs,
	RunE: runRoute,
}

func init() {
	rootCmd.AddCommand(routeCmd)
	routeCmd.Flags().StringArrayVar(&routeCandidates, "candidate", nil, "candidate as name[:tag1,tag2] (repeatable)")
	routeCmd.Flags().StringArrayVar(&routeTags, "tag", nil, "requested capability tag (repeatable)")
	routeCmd.Flags().StringVar(&routeSensitivity, "sensitivity", "", "data sensitivity (public, internal, confidential, restricted)")
	routeCmd.Flags().StringVar(&routeTrust, "trust", "", "requester trust level")
	routeCmd.Flags().BoolVar(&routeJSON, "json", false, "emit JSON")
}

func runRoute(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if len(routeCandidates) == 0 {
		return printRouteSummary(cmd, a)
	}

	candidates := make([]routing.Candidate, 0, len(routeCandidates))
	for _, spec := range routeCandidates {
		name, tagList, _ := strings.Cut(spec, ":")
		if name == "" {
			return fmt.Errorf("candidate spec %q has no name", spec)
		}
		c := routing.Candidate{Name: name}
		if tagList != "" {
			c.CapabilityTags = strings.Split(tagList, ",")
		} else {
			c.CapabilityTags = []string{name}
		}
		candidates = append(candidates, c)
	}

	tags := routeTags
	if len(tags) == 0 {
		tags = candidates[0].CapabilityTags
	}

	chosen, err := a.router.Route(cmd.Context(), candidates, routing.Request{
		Source:        "cli",
		RequestedTags: tags,
		Sensitivity:   routing.Sensitivity(routeSensitivity),
		TrustLevel:    routeTrust,
	})
	if err != nil {
		return envErr(err)
	}

	out := cmd.OutOrStdout()
	if chosen == nil {
		fmt.Fprintln(out, "blocked: no routable candidate (see event log)")
		return nil
	}
	if routeJSON {
		return printJSON(cmd, chosen)
	}
	fmt.Fprintf(out, "routed to %s\n", chosen.Name)
	return nil
}

func printRouteSummary(cmd *cobra.Command, a *app) error {
	summary, err := a.router.Health().Summary()
	if err != nil {
		return envErr(err)
	}
	if routeJSON {
		return printJSON(cmd, summary)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "routing: %s (%d events, %d routed, %d blocked)\n",
		summary.OverallStatus, summary.Total, summary.Routed, summary.Blocked)

	dests := make([]string, 0, len(summary.ByDestination))
	for d := range summary.ByDestination {
		dests = append(dests, d)
	}
	sort.Strings(dests)
	for _, d := range dests {
		snap, err := a.router.Health().Snapshot(d)
		if err != nil {
			return envErr(err)
		}
		state := "healthy"
		switch {
		case snap.CircuitOpen:
			state = "circuit open"
		case snap.Throttled:
			state = "throttled"
		}
		fmt.Fprintf(out, "  %-16s %-12s block rate %.2f over %d event(s)\n",
			d, state, snap.BlockRate, snap.Total)
	}
	return nil
}
