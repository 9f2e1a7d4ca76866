package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fluxflowhq/fluxflow/internal/backfill"
	"github.com/fluxflowhq/fluxflow/internal/cli"
	"github.com/fluxflowhq/fluxflow/internal/events"
	"github.com/fluxflowhq/fluxflow/internal/runner"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

type runOptions struct {
	probes        string
	skip          string
	jitterSamples int
	noProgress    bool
	noColor       bool
	jsonOut       bool
}

func newRunCommand(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the diagnostics suite once and save the result",
		Long: "Run the enabled probes in order (download, upload, jitter, ping, dns, location),\n" +
			"print progress and diagnostics, and save the aggregated result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := resolveSelection(a.cfg.Probes.Selection(), opts)
			if err != nil {
				return err
			}
			return runOnce(cmd, a, sel, opts)
		},
	}
	cmd.Flags().StringVar(&opts.probes, "probes", "", "Comma-separated probes to run instead of the configured set ("+strings.Join(probeNames(), ",")+")")
	cmd.Flags().StringVar(&opts.skip, "skip", "", "Comma-separated probes to leave out")
	cmd.Flags().IntVar(&opts.jitterSamples, "jitter-samples", 0, "Jitter samples (3-30)")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Hide the progress bar")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the result as JSON instead of the summary")
	return cmd
}

func probeNames() []string {
	names := make([]string, 0, len(types.ProbeOrder))
	for _, p := range types.ProbeOrder {
		names = append(names, string(p))
	}
	return names
}

func parseProbeList(list string) (map[types.Probe]bool, error) {
	out := make(map[types.Probe]bool)
	for _, raw := range strings.Split(list, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if name == "all" {
			for _, p := range types.ProbeOrder {
				out[p] = true
			}
			continue
		}
		known := false
		for _, p := range types.ProbeOrder {
			if string(p) == name {
				out[p] = true
				known = true
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown probe %q (want one of %s)", raw, strings.Join(probeNames(), ", "))
		}
	}
	return out, nil
}

// resolveSelection applies the run flags on top of the configured selection.
func resolveSelection(base types.ProbeSelection, opts runOptions) (types.ProbeSelection, error) {
	sel := base
	if strings.TrimSpace(opts.probes) != "" {
		only, err := parseProbeList(opts.probes)
		if err != nil {
			return sel, err
		}
		sel = types.ProbeSelection{JitterSamples: base.JitterSamples}
		setProbes(&sel, only, true)
	}
	if strings.TrimSpace(opts.skip) != "" {
		skip, err := parseProbeList(opts.skip)
		if err != nil {
			return sel, err
		}
		setProbes(&sel, skip, false)
	}
	if opts.jitterSamples != 0 {
		sel.JitterSamples = opts.jitterSamples
	}
	return sel.Normalize(), nil
}

func setProbes(sel *types.ProbeSelection, probes map[types.Probe]bool, value bool) {
	for p := range probes {
		switch p {
		case types.ProbeDownload:
			sel.Download = value
		case types.ProbeUpload:
			sel.Upload = value
		case types.ProbeJitter:
			sel.Jitter = value
		case types.ProbePing:
			sel.Ping = value
		case types.ProbeDNS:
			sel.DNS = value
		case types.ProbeLocation:
			sel.Location = value
		}
	}
}

func runOnce(cmd *cobra.Command, a *app, sel types.ProbeSelection, opts runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	sp, err := a.openSpool()
	if err != nil {
		return err
	}

	suite, cleanup, err := a.suite(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	var sink events.Sink = cli.NewRenderer(out, cli.Options{
		NoColor:    opts.noColor || opts.jsonOut,
		NoProgress: opts.noProgress || opts.jsonOut,
	})
	if opts.jsonOut {
		errOut := cmd.ErrOrStderr()
		sink = events.SinkFunc(func(ev types.Event) {
			if ev.Type == types.EventFatal {
				fmt.Fprintf(errOut, "Error: %s\n", ev.Text)
			}
		})
	}

	r := runner.New(suite, st,
		runner.WithSpool(sp),
		runner.WithLogger(a.logger),
	)
	res, err := r.Run(ctx, "", sel, sink)
	if err != nil {
		code := 1
		if errors.Is(err, context.Canceled) {
			code = 130
		}
		return &exitError{code: code, err: err}
	}

	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}

	// Replay results that earlier runs could not save.
	if sp.Len() > 0 {
		ctrl := backfill.New(sp, st, backfill.WithLogger(a.logger), backfill.WithRate(a.cfg.Spool.ReplayPerSec, 0))
		if n, err := ctrl.Flush(ctx); err != nil {
			a.logger.WithError(err).Warn("spool replay incomplete")
		} else if n > 0 {
			a.logger.WithField("replayed", n).Info("replayed spooled results")
		}
	}
	return nil
}
