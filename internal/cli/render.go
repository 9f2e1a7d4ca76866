package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/fluxflowhq/fluxflow/internal/probe"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// Options tune the terminal renderer.
type Options struct {
	NoColor    bool
	NoProgress bool
}

// Renderer is an event sink that draws a run on a terminal: diagnostic lines
// scroll above a progress bar.
type Renderer struct {
	out  io.Writer
	opts Options

	mu  sync.Mutex
	bar *progressbar.ProgressBar

	info  *color.Color
	warn  *color.Color
	fail  *color.Color
	good  *color.Color
	label *color.Color
}

func NewRenderer(out io.Writer, opts Options) *Renderer {
	r := &Renderer{
		out:   out,
		opts:  opts,
		info:  color.New(color.FgCyan),
		warn:  color.New(color.FgYellow),
		fail:  color.New(color.FgRed, color.Bold),
		good:  color.New(color.FgGreen, color.Bold),
		label: color.New(color.Bold),
	}
	if opts.NoColor {
		for _, c := range []*color.Color{r.info, r.warn, r.fail, r.good, r.label} {
			c.DisableColor()
		}
	}
	return r
}

func (r *Renderer) Record(ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case types.EventOutput:
		r.clearBar()
		r.println(r.styleLine(ev.Text))
		r.redrawBar()
	case types.EventProgress:
		if r.opts.NoProgress {
			return
		}
		if r.bar == nil {
			r.bar = r.newBar()
		}
		r.bar.Describe(ev.Stage)
		_ = r.bar.Set(ev.Percent)
	case types.EventFatal:
		r.finishBar()
		r.println(r.fail.Sprintf("Error: %s", ev.Text))
	case types.EventCompleted:
		r.finishBar()
		if ev.Result != nil {
			PrintResult(r.out, *ev.Result, r.label)
		}
	}
}

func (r *Renderer) newBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionEnableColorCodes(!r.opts.NoColor),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(r.out, "\n")
		}),
	)
}

func (r *Renderer) clearBar() {
	if r.bar != nil {
		_ = r.bar.Clear()
	}
}

func (r *Renderer) redrawBar() {
	if r.bar != nil {
		_ = r.bar.RenderBlank()
	}
}

func (r *Renderer) finishBar() {
	if r.bar == nil {
		return
	}
	_ = r.bar.Finish()
	r.bar = nil
}

func (r *Renderer) println(line string) {
	fmt.Fprintln(r.out, line)
}

// styleLine colors a diagnostic line by what it reports.
func (r *Renderer) styleLine(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "failed"):
		return r.warn.Sprint(line)
	case strings.HasPrefix(lower, "test completed"), strings.Contains(lower, "verified"):
		return r.good.Sprint(line)
	default:
		return r.info.Sprint(line)
	}
}

// PrintResult writes a result summary block. A nil label prints plain text.
func PrintResult(w io.Writer, res types.AggregatedResult, label *color.Color) {
	if label == nil {
		label = color.New()
		label.DisableColor()
	}
	row := func(name, value string) {
		fmt.Fprintf(w, "  %s %s\n", label.Sprintf("%-13s", name+":"), value)
	}

	fmt.Fprintln(w)
	row("Run", res.RunID)
	row("Time", res.Timestamp.Local().Format("2006-01-02 15:04:05"))
	row("Download", fmt.Sprintf("%.2f Mbps", res.DownloadMbps))
	row("Upload", fmt.Sprintf("%.2f Mbps", res.UploadMbps))
	row("Jitter", fmt.Sprintf("%.2f ms", res.JitterMs))
	row("Ping", fmt.Sprintf("%.2f ms", res.PingMs))
	row("Packet loss", fmt.Sprintf("%.2f%%", res.PacketLossPct))
	row("DNS", formatDNS(res.DNSMs))
	row("DNS server", res.DNSServer)
	row("Country", strings.TrimSpace(res.Country+" "+probe.Flag(res.Country)))
	row("ISP", res.ISP)
	row("Public IP", res.IPAddress)
	for _, p := range res.Probes {
		if p.Status == types.StatusOK || p.Status == types.StatusSkipped {
			continue
		}
		detail := p.Detail
		if detail == "" {
			detail = string(p.Status)
		}
		row("Note", fmt.Sprintf("%s %s: %s", p.Probe, p.Status, detail))
	}
}

func formatDNS(ms float64) string {
	switch {
	case ms <= 0:
		return "N/A"
	case ms == types.DNSUnresolvedMs:
		return "failed"
	default:
		return fmt.Sprintf("%.1f ms", ms)
	}
}
