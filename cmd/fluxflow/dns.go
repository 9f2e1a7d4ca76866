package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxflowhq/fluxflow/internal/probe"
)

func newDNSCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dns",
		Short: "Print the system's first IPv4 DNS server",
		RunE: func(cmd *cobra.Command, args []string) error {
			server := probe.DiscoverSystemDNS(cmd.Context(), a.probeDeps())
			_, err := fmt.Fprintln(cmd.OutOrStdout(), server)
			return err
		},
	}
}
