package cli

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mbd888/fraudguard/internal/config"
	"github.com/mbd888/fraudguard/internal/ratelimit"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect rate-limit policies",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [FILE]",
		Short: "Validate a rate-limit policy file and print the effective rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := ratelimit.DefaultPolicy().WithIP(config.DefaultIPRateLimit, config.DefaultIPRateWindow)
			if len(args) == 1 {
				var err error
				if p, err = ratelimit.LoadPolicy(args[0], p); err != nil {
					return err
				}
			}

			cmd.Printf("ip: %s\n", formatRule(p.IP))
			cmd.Println("plans:")
			for _, plan := range slices.Sorted(maps.Keys(p.Plans)) {
				cmd.Printf("  %-12s %s\n", plan, formatRule(p.Plans[plan]))
			}
			cmd.Println("endpoints:")
			for _, name := range slices.Sorted(maps.Keys(p.Endpoints)) {
				r := p.Endpoints[name]
				cmd.Printf("  %-12s %s %v\n", name, formatRule(r), r.Routes)
			}
			return nil
		},
	})
	return cmd
}

func formatRule(r ratelimit.Rule) string {
	return fmt.Sprintf("%d per %s", r.Limit, r.Window)
}
