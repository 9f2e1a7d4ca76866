package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fluxflowhq/fluxflow/internal/events"
	"github.com/fluxflowhq/fluxflow/internal/metrics"
	"github.com/fluxflowhq/fluxflow/internal/probe"
	"github.com/fluxflowhq/fluxflow/internal/store"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

type fakeProbes struct {
	preflightErr error
	calls        []types.Probe
	samples      int
	// afterProbe runs once the named probe returns.
	afterProbe map[types.Probe]func()
}

func (f *fakeProbes) Preflight(context.Context) error { return f.preflightErr }

func (f *fakeProbes) record(p types.Probe, out probe.Output, line string) {
	f.calls = append(f.calls, p)
	out(line)
	if fn := f.afterProbe[p]; fn != nil {
		fn()
	}
}

func ok(source string) probe.Report {
	return probe.Report{Status: types.StatusOK, Source: source}
}

func (f *fakeProbes) Download(_ context.Context, out probe.Output) probe.Throughput {
	f.record(types.ProbeDownload, out, "Download via Cloudflare: 95.50 Mbps")
	return probe.Throughput{Report: ok("Cloudflare"), Mbps: 95.5}
}

func (f *fakeProbes) Upload(_ context.Context, out probe.Output) probe.Throughput {
	f.record(types.ProbeUpload, out, "Upload failed on all servers.")
	return probe.Throughput{Report: probe.Report{Status: types.StatusFailed}}
}

func (f *fakeProbes) Jitter(_ context.Context, samples int, out probe.Output) probe.JitterResult {
	f.samples = samples
	f.record(types.ProbeJitter, out, "Jitter: 3.20 ms")
	return probe.JitterResult{Report: ok("api.ipify.org"), JitterMs: 3.2}
}

func (f *fakeProbes) Ping(_ context.Context, out probe.Output) probe.PingResult {
	f.record(types.ProbePing, out, "Average ping: 12.00 ms")
	return probe.PingResult{Report: ok("1.1.1.1"), AvgMs: 12, LossPct: 10}
}

func (f *fakeProbes) DNS(_ context.Context, out probe.Output) probe.DNSResult {
	f.record(types.ProbeDNS, out, "DNS response time: 8.0 ms")
	return probe.DNSResult{Report: ok("9.9.9.9"), Ms: 8, Server: "9.9.9.9"}
}

func (f *fakeProbes) Location(_ context.Context, out probe.Output) probe.Location {
	f.record(types.ProbeLocation, out, "Location detected via ipapi.co:")
	return probe.Location{Report: ok("ipapi.co"), ISP: "Acme", Country: "Germany", IP: "203.0.113.9"}
}

func fixedClock() func() time.Time {
	t := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func progressPercents(buf *events.Buffer) []int {
	var out []int
	for _, ev := range buf.Filter(types.EventProgress) {
		out = append(out, ev.Percent)
	}
	return out
}

func terminalEvents(buf *events.Buffer) []types.Event {
	var out []types.Event
	for _, ev := range buf.Events() {
		if ev.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunAllProbes(t *testing.T) {
	fake := &fakeProbes{}
	mem := store.NewMemoryStore()
	rec := metrics.NewStore()
	r := New(fake, mem, WithClock(fixedClock()), WithMetrics(rec))

	buf := &events.Buffer{}
	res, err := r.Run(context.Background(), "run-1", types.DefaultSelection(), buf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diff := cmp.Diff(types.ProbeOrder, fake.calls); diff != "" {
		t.Fatalf("probe order mismatch (-want +got):\n%s", diff)
	}
	if fake.samples != 10 {
		t.Fatalf("expected default jitter samples 10 got %d", fake.samples)
	}

	want := types.AggregatedResult{
		RunID:         "run-1",
		DownloadMbps:  95.5,
		JitterMs:      3.2,
		PingMs:        12,
		PacketLossPct: 10,
		DNSMs:         8,
		DNSServer:     "9.9.9.9",
		Country:       "Germany",
		ISP:           "Acme",
		IPAddress:     "203.0.113.9",
	}
	got := res
	got.Timestamp = time.Time{}
	got.Probes = nil
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if res.Timestamp.IsZero() || res.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", res.Timestamp)
	}
	if len(res.Probes) != 6 || res.Probes[1].Status != types.StatusFailed {
		t.Fatalf("unexpected probe outcomes: %+v", res.Probes)
	}

	wantProgress := []int{0, 25, 25, 50, 50, 75, 75, 90, 90, 95, 95, 100, 100}
	if diff := cmp.Diff(wantProgress, progressPercents(buf)); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}

	terms := terminalEvents(buf)
	if len(terms) != 1 || terms[0].Type != types.EventCompleted || terms[0].Result == nil {
		t.Fatalf("expected one completed event, got %+v", terms)
	}
	if terms[0].Result.RunID != "run-1" {
		t.Fatalf("unexpected completed result: %+v", terms[0].Result)
	}
	for _, ev := range buf.Events() {
		if ev.RunID != "run-1" {
			t.Fatalf("event missing run id: %+v", ev)
		}
	}

	saved, err := mem.Query(context.Background(), store.Filter{})
	if err != nil || len(saved) != 1 {
		t.Fatalf("expected one saved result, got %d (%v)", len(saved), err)
	}
	if snap := rec.Snapshot(); snap.LastOutcome != "completed" || snap.Running {
		t.Fatalf("unexpected metrics snapshot: %+v", snap)
	}
}

func TestRunPartialSelectionProgress(t *testing.T) {
	fake := &fakeProbes{}
	r := New(fake, store.NewMemoryStore(), WithClock(fixedClock()))

	sel := types.ProbeSelection{Ping: true, DNS: true, Location: true, JitterSamples: 50}
	buf := &events.Buffer{}
	res, err := r.Run(context.Background(), "", sel, buf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RunID == "" {
		t.Fatalf("expected generated run id")
	}

	// total weight 25: ping 15, dns 5, location 5
	wantProgress := []int{0, 60, 60, 80, 80, 100, 100}
	if diff := cmp.Diff(wantProgress, progressPercents(buf)); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
	if res.DownloadMbps != 0 || res.UploadMbps != 0 || res.JitterMs != 0 {
		t.Fatalf("disabled probes should keep defaults: %+v", res)
	}
	if res.Probes[0].Status != types.StatusSkipped {
		t.Fatalf("expected download skipped, got %+v", res.Probes[0])
	}
}

func TestRunDNSDisabledKeepsZero(t *testing.T) {
	fake := &fakeProbes{}
	r := New(fake, nil)
	sel := types.ProbeSelection{Download: true}
	res, err := r.Run(context.Background(), "r", sel, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.DNSMs != 0 || res.DNSServer != types.Unknown {
		t.Fatalf("expected dns defaults, got %v %q", res.DNSMs, res.DNSServer)
	}
}

func TestRunNoConnectivity(t *testing.T) {
	fake := &fakeProbes{preflightErr: errors.New("dial tcp: no route to host")}
	mem := store.NewMemoryStore()
	r := New(fake, mem)

	buf := &events.Buffer{}
	_, err := r.Run(context.Background(), "r", types.DefaultSelection(), buf)
	if !errors.Is(err, ErrNoConnectivity) {
		t.Fatalf("expected ErrNoConnectivity got %v", err)
	}
	if len(fake.calls) != 0 {
		t.Fatalf("expected no probes to run, got %v", fake.calls)
	}
	terms := terminalEvents(buf)
	if len(terms) != 1 || terms[0].Kind != types.FatalNoConnectivity {
		t.Fatalf("unexpected terminal events: %+v", terms)
	}
	if len(buf.Filter(types.EventProgress)) != 0 {
		t.Fatalf("expected no progress events")
	}
}

func TestRunNoProbesSelected(t *testing.T) {
	fake := &fakeProbes{}
	mem := store.NewMemoryStore()
	r := New(fake, mem)

	buf := &events.Buffer{}
	_, err := r.Run(context.Background(), "r", types.ProbeSelection{}, buf)
	if !errors.Is(err, ErrNoProbesSelected) {
		t.Fatalf("expected ErrNoProbesSelected got %v", err)
	}
	terms := terminalEvents(buf)
	if len(terms) != 1 || terms[0].Kind != types.FatalNoProbesSelected {
		t.Fatalf("unexpected terminal events: %+v", terms)
	}
	saved, _ := mem.Query(context.Background(), store.Filter{})
	if len(saved) != 0 {
		t.Fatalf("expected nothing persisted")
	}
}

func TestRunCancelledBetweenProbes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &fakeProbes{afterProbe: map[types.Probe]func(){types.ProbeUpload: cancel}}
	mem := store.NewMemoryStore()
	r := New(fake, mem)

	buf := &events.Buffer{}
	_, err := r.Run(ctx, "r", types.DefaultSelection(), buf)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
	if diff := cmp.Diff([]types.Probe{types.ProbeDownload, types.ProbeUpload}, fake.calls); diff != "" {
		t.Fatalf("unexpected probes run (-want +got):\n%s", diff)
	}
	terms := terminalEvents(buf)
	if len(terms) != 1 || terms[0].Kind != types.FatalCancelled {
		t.Fatalf("unexpected terminal events: %+v", terms)
	}
	saved, _ := mem.Query(context.Background(), store.Filter{})
	if len(saved) != 0 {
		t.Fatalf("cancelled run must not persist")
	}
}

type recordingSpool struct {
	results []types.AggregatedResult
}

func (s *recordingSpool) Append(res types.AggregatedResult) error {
	s.results = append(s.results, res)
	return nil
}

func TestRunSaveFailureSpoolsAndCompletes(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.SetSaveError(errors.New("disk I/O error"))
	sp := &recordingSpool{}
	rec := metrics.NewStore()
	var observed error
	r := New(&fakeProbes{}, mem,
		WithSpool(sp),
		WithMetrics(rec),
		WithStoreObserver(func(err error) { observed = err }),
	)

	buf := &events.Buffer{}
	res, err := r.Run(context.Background(), "r", types.DefaultSelection(), buf)
	if err != nil {
		t.Fatalf("save failure must not fail the run: %v", err)
	}
	if len(sp.results) != 1 || sp.results[0].RunID != res.RunID {
		t.Fatalf("expected result spooled, got %+v", sp.results)
	}
	if observed == nil {
		t.Fatalf("expected store observer to see the failure")
	}
	terms := terminalEvents(buf)
	if len(terms) != 1 || terms[0].Type != types.EventCompleted {
		t.Fatalf("expected completed event, got %+v", terms)
	}
	found := false
	for _, ev := range buf.Filter(types.EventOutput) {
		if ev.Text == "Failed to save result: disk I/O error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected save failure output line")
	}
	if rec.Snapshot().SaveFailuresTotal != 1 {
		t.Fatalf("expected save failure metric")
	}
}

func TestPercent(t *testing.T) {
	cases := []struct {
		done, total, want int
	}{
		{0, 0, 0},
		{0, 100, 0},
		{25, 30, 83},
		{30, 30, 100},
		{40, 30, 100},
	}
	for _, tc := range cases {
		if got := Percent(tc.done, tc.total); got != tc.want {
			t.Fatalf("Percent(%d,%d)=%d want %d", tc.done, tc.total, got, tc.want)
		}
	}
	if got := TotalWeight(types.DefaultSelection()); got != 100 {
		t.Fatalf("expected total weight 100 got %d", got)
	}
}
