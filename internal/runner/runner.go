package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fluxflowhq/fluxflow/internal/events"
	"github.com/fluxflowhq/fluxflow/internal/logging"
	"github.com/fluxflowhq/fluxflow/internal/metrics"
	"github.com/fluxflowhq/fluxflow/internal/probe"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

var (
	ErrNoConnectivity   = errors.New("no internet connection")
	ErrNoProbesSelected = errors.New("no probes selected")
)

// Probes is the suite the runner drives. *probe.Suite satisfies it.
type Probes interface {
	Preflight(ctx context.Context) error
	Download(ctx context.Context, out probe.Output) probe.Throughput
	Upload(ctx context.Context, out probe.Output) probe.Throughput
	Jitter(ctx context.Context, samples int, out probe.Output) probe.JitterResult
	Ping(ctx context.Context, out probe.Output) probe.PingResult
	DNS(ctx context.Context, out probe.Output) probe.DNSResult
	Location(ctx context.Context, out probe.Output) probe.Location
}

// Saver persists a finished result.
type Saver interface {
	Save(ctx context.Context, res types.AggregatedResult) error
}

// Spooler keeps results whose save failed.
type Spooler interface {
	Append(res types.AggregatedResult) error
}

var weights = map[types.Probe]int{
	types.ProbeDownload: 25,
	types.ProbeUpload:   25,
	types.ProbeJitter:   25,
	types.ProbePing:     15,
	types.ProbeDNS:      5,
	types.ProbeLocation: 5,
}

var stages = map[types.Probe]string{
	types.ProbeDownload: "Testing download...",
	types.ProbeUpload:   "Testing upload...",
	types.ProbeJitter:   "Computing jitter...",
	types.ProbePing:     "Pinging...",
	types.ProbeDNS:      "Testing DNS...",
	types.ProbeLocation: "Detecting location...",
}

var doneStages = map[types.Probe]string{
	types.ProbeDownload: "Download complete.",
	types.ProbeUpload:   "Upload complete.",
	types.ProbeJitter:   "Jitter computed.",
	types.ProbePing:     "Ping complete.",
	types.ProbeDNS:      "DNS complete.",
	types.ProbeLocation: "Location complete.",
}

// Weight returns the progress weight of a probe.
func Weight(p types.Probe) int {
	return weights[p]
}

// TotalWeight sums the weights of the probes enabled in sel.
func TotalWeight(sel types.ProbeSelection) int {
	total := 0
	for _, p := range types.ProbeOrder {
		if sel.Enabled(p) {
			total += weights[p]
		}
	}
	return total
}

// Percent is floor(100 * done / total), clamped to 0..100.
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	pct := 100 * done / total
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// Runner executes diagnostics runs.
type Runner struct {
	probes  Probes
	store   Saver
	spool   Spooler
	metrics metrics.RunRecorder
	logger  logrus.FieldLogger
	now     func() time.Time
	onStore func(error)
}

type Option func(*Runner)

func WithSpool(s Spooler) Option {
	return func(r *Runner) {
		r.spool = s
	}
}

func WithMetrics(rec metrics.RunRecorder) Option {
	return func(r *Runner) {
		if rec != nil {
			r.metrics = rec
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStoreObserver registers a callback told about every save outcome.
func WithStoreObserver(fn func(error)) Option {
	return func(r *Runner) {
		r.onStore = fn
	}
}

func New(probes Probes, store Saver, opts ...Option) *Runner {
	r := &Runner{
		probes:  probes,
		store:   store,
		metrics: metrics.NoopRunRecorder{},
		logger:  logging.Discard(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run carries the per-run state threaded through the probe steps.
type run struct {
	*Runner
	ctx   context.Context
	id    string
	sink  events.Sink
	log   logrus.FieldLogger
	total int
	done  int
	last  int
}

// Run executes one diagnostics run and emits exactly one terminal event on
// sink. An empty runID gets a fresh UUID.
func (r *Runner) Run(ctx context.Context, runID string, sel types.ProbeSelection, sink events.Sink) (types.AggregatedResult, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if sink == nil {
		sink = events.NoopSink{}
	}
	sel = sel.Normalize()
	start := r.now()
	st := &run{
		Runner: r,
		ctx:    ctx,
		id:     runID,
		sink:   sink,
		log:    r.logger.WithField("run_id", runID),
		total:  TotalWeight(sel),
	}
	r.metrics.RunStarted()
	st.log.Info("diagnostics run started")

	if err := r.probes.Preflight(ctx); err != nil {
		st.log.WithError(err).Warn("preflight failed")
		if ctx.Err() != nil {
			return st.cancelled(start)
		}
		return st.fatal(types.FatalNoConnectivity, "No internet connection.", ErrNoConnectivity, start)
	}
	st.output("Network connection verified.")

	if st.total == 0 {
		return st.fatal(types.FatalNoProbesSelected, "No tests selected.", ErrNoProbesSelected, start)
	}

	res := types.NewAggregatedResult(runID, time.Time{})
	for _, p := range types.ProbeOrder {
		if !sel.Enabled(p) {
			res.Probes = append(res.Probes, types.ProbeOutcome{Probe: p, Status: types.StatusSkipped})
			continue
		}
		if ctx.Err() != nil {
			return st.cancelled(start)
		}
		st.progress(stages[p])
		res.Probes = append(res.Probes, st.execute(p, sel, &res))
		st.done += weights[p]
		st.progress(doneStages[p])
	}
	if ctx.Err() != nil {
		return st.cancelled(start)
	}

	res.Timestamp = r.now().UTC()
	st.emit(types.Event{Type: types.EventProgress, Percent: 100, Stage: "Complete."})
	st.persist(res)
	st.output(fmt.Sprintf("Test completed at: %s", r.now().Format("15:04:05")))

	final := res
	st.emit(types.Event{Type: types.EventCompleted, Percent: 100, Result: &final})
	r.metrics.ObserveRun("completed", &res, r.now().Sub(start))
	st.log.WithField("elapsed", r.now().Sub(start).Round(time.Millisecond)).Info("diagnostics run completed")
	return res, nil
}

func (st *run) execute(p types.Probe, sel types.ProbeSelection, res *types.AggregatedResult) types.ProbeOutcome {
	out := probe.Output(st.output)
	began := st.now()

	var rep probe.Report
	switch p {
	case types.ProbeDownload:
		t := st.probes.Download(st.ctx, out)
		res.DownloadMbps, rep = t.Mbps, t.Report
	case types.ProbeUpload:
		t := st.probes.Upload(st.ctx, out)
		res.UploadMbps, rep = t.Mbps, t.Report
	case types.ProbeJitter:
		j := st.probes.Jitter(st.ctx, sel.JitterSamples, out)
		res.JitterMs, rep = j.JitterMs, j.Report
	case types.ProbePing:
		pr := st.probes.Ping(st.ctx, out)
		res.PingMs, res.PacketLossPct, rep = pr.AvgMs, pr.LossPct, pr.Report
	case types.ProbeDNS:
		d := st.probes.DNS(st.ctx, out)
		res.DNSMs, res.DNSServer, rep = d.Ms, orUnknown(d.Server), d.Report
	case types.ProbeLocation:
		loc := st.probes.Location(st.ctx, out)
		res.ISP, res.Country, res.IPAddress = orUnknown(loc.ISP), orUnknown(loc.Country), orUnknown(loc.IP)
		rep = loc.Report
	}

	elapsed := st.now().Sub(began)
	if rep.Status == "" {
		rep.Status = types.StatusOK
	}
	st.metrics.ObserveProbe(p, rep.Status, elapsed)
	st.log.WithFields(logrus.Fields{
		"probe":  p,
		"status": rep.Status,
		"source": rep.Source,
	}).Debug("probe finished")
	return types.ProbeOutcome{
		Probe:    p,
		Status:   rep.Status,
		Source:   rep.Source,
		Detail:   rep.Detail,
		Duration: elapsed,
	}
}

func (st *run) persist(res types.AggregatedResult) {
	var err error
	if st.store != nil {
		err = st.store.Save(st.ctx, res)
	}
	if st.onStore != nil {
		st.onStore(err)
	}
	if err == nil {
		return
	}

	st.metrics.IncSaveFailures()
	st.log.WithError(err).Error("save result failed")
	st.output(fmt.Sprintf("Failed to save result: %v", err))
	if st.spool == nil {
		return
	}
	if serr := st.spool.Append(res); serr != nil {
		st.log.WithError(serr).Error("spool result failed")
		return
	}
	st.output("Result queued for a later save.")
}

func (st *run) fatal(kind types.FatalKind, text string, err error, start time.Time) (types.AggregatedResult, error) {
	st.emit(types.Event{Type: types.EventFatal, Kind: kind, Text: text})
	st.metrics.ObserveRun(string(kind), nil, st.now().Sub(start))
	return types.AggregatedResult{}, err
}

func (st *run) cancelled(start time.Time) (types.AggregatedResult, error) {
	st.log.Info("diagnostics run cancelled")
	st.emit(types.Event{Type: types.EventFatal, Kind: types.FatalCancelled, Text: "Test cancelled."})
	st.metrics.ObserveRun(string(types.FatalCancelled), nil, st.now().Sub(start))
	return types.AggregatedResult{}, context.Canceled
}

func (st *run) output(line string) {
	st.emit(types.Event{Type: types.EventOutput, Text: line})
}

// progress never reports less than it already has.
func (st *run) progress(stage string) {
	pct := Percent(st.done, st.total)
	if pct < st.last {
		pct = st.last
	}
	st.last = pct
	st.emit(types.Event{Type: types.EventProgress, Percent: pct, Stage: stage})
}

func (st *run) emit(ev types.Event) {
	ev.RunID = st.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = st.now().UTC()
	}
	st.sink.Record(ev)
}

func orUnknown(v string) string {
	if v == "" {
		return types.Unknown
	}
	return v
}
