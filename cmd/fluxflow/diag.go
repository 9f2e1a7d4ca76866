package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxflowhq/fluxflow/internal/diag"
	"github.com/fluxflowhq/fluxflow/internal/probe"
)

func newDiagCommand(a *app) *cobra.Command {
	var (
		output       string
		metricsURL   string
		noMetrics    bool
		includeSpool bool
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "diag",
		Short: "Write a support bundle with redacted config, spool summary and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := metricsURL
			if url == "" {
				scheme := "http"
				if a.cfg.Server.TLSCert != "" {
					scheme = "https"
				}
				url = scheme + "://" + a.cfg.Server.Addr + "/metrics"
			}
			if noMetrics {
				url = ""
			}
			deps := a.probeDeps()
			path, err := diag.Bundle(cmd.Context(), diag.Options{
				ConfigPath:     a.configPath,
				Config:         a.cfg,
				OutputPath:     output,
				IncludeSpool:   includeSpool,
				MetricsURL:     url,
				MetricsTimeout: timeout,
				SystemDNS:      func(ctx context.Context) string { return probe.DiscoverSystemDNS(ctx, deps) },
				Logger:         a.logger,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Bundle path (default fluxflow-diag-<timestamp>.tar.gz)")
	cmd.Flags().StringVar(&metricsURL, "metrics-url", "", "Metrics endpoint of a running server (default from server.addr)")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "Skip the metrics scrape")
	cmd.Flags().BoolVar(&includeSpool, "include-spool", true, "Include queued results from the spool")
	cmd.Flags().DurationVar(&timeout, "metrics-timeout", 3*time.Second, "HTTP timeout for the metrics scrape")
	return cmd
}
