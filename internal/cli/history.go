package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// PrintHistory writes results as an aligned table, newest first as given.
func PrintHistory(w io.Writer, results []types.AggregatedResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No results.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDOWN Mbps\tUP Mbps\tJITTER ms\tPING ms\tLOSS %\tDNS ms\tDNS SERVER\tCOUNTRY\tISP")
	for _, res := range results {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%s\t%s\t%s\t%s\n",
			res.Timestamp.Local().Format("2006-01-02 15:04"),
			res.DownloadMbps,
			res.UploadMbps,
			res.JitterMs,
			res.PingMs,
			res.PacketLossPct,
			historyDNS(res.DNSMs),
			res.DNSServer,
			res.Country,
			res.ISP,
		)
	}
	return tw.Flush()
}

func historyDNS(ms float64) string {
	if ms <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f", ms)
}
