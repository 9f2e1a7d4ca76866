package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxflowhq/fluxflow/internal/cli"
	"github.com/fluxflowhq/fluxflow/internal/store"
)

type historyOptions struct {
	from    string
	to      string
	search  string
	limit   int
	offset  int
	jsonOut bool
}

func newHistoryCommand(a *app) *cobra.Command {
	var opts historyOptions
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List saved results, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := opts.filter()
			if err != nil {
				return err
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			results, err := st.Query(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("query history: %w", err)
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return cli.PrintHistory(out, results)
		},
	}
	cmd.Flags().StringVar(&opts.from, "from", "", "Earliest date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&opts.to, "to", "", "Latest date, inclusive (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVarP(&opts.search, "search", "q", "", "Case-insensitive match on country or ISP")
	cmd.Flags().IntVar(&opts.limit, "limit", store.DefaultLimit, "Maximum rows")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Rows to skip")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print JSON")
	return cmd
}

func (o historyOptions) filter() (store.Filter, error) {
	from, err := store.ParseBound(o.from, false)
	if err != nil {
		return store.Filter{}, err
	}
	to, err := store.ParseBound(o.to, true)
	if err != nil {
		return store.Filter{}, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return store.Filter{}, fmt.Errorf("--to %s is before --from %s", o.to, o.from)
	}
	if o.limit < 0 || o.offset < 0 {
		return store.Filter{}, fmt.Errorf("--limit and --offset must not be negative")
	}
	return store.Filter{
		From:   from,
		To:     to,
		Text:   o.search,
		Limit:  o.limit,
		Offset: o.offset,
	}.Normalize(), nil
}
