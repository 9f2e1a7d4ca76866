package metrics

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const namespace = "fluxflow"

// Store owns the Prometheus collectors and keeps a few values in atomics so
// readiness checks can read them without scraping.
type Store struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	running         prometheus.Gauge
	probeDuration   *prometheus.HistogramVec
	probeOutcomes   *prometheus.CounterVec
	lastValue       *prometheus.GaugeVec
	lastRunTime     prometheus.Gauge
	saveFailures    prometheus.Counter
	pendingBytes    prometheus.Gauge
	replayedTotal   prometheus.Counter
	ready           prometheus.Gauge
	readyCategories *prometheus.CounterVec

	runningFlag       atomic.Bool
	pendingBytesValue atomic.Int64
	replayedValue     atomic.Uint64
	saveFailureValue  atomic.Uint64
	readinessState    atomic.Int64

	mu                sync.RWMutex
	lastOutcome       string
	lastRunAt         time.Time
	readyReason       string
	readyCategoryList []ReadinessCategory
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	Running           bool
	LastOutcome       string
	LastRunAt         time.Time
	SaveFailuresTotal uint64
	PendingBytes      int64
	ReplayedTotal     uint64
	Ready             bool
	ReadyReason       string
	ReadyCategories   []ReadinessCategory
}

// NewStore registers every collector on a private registry.
func NewStore() *Store {
	s := &Store{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Diagnostics runs by terminal outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall time of diagnostics runs.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 8),
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_in_progress",
			Help: "1 while a diagnostics run is executing.",
		}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "probe_duration_seconds",
			Help:    "Wall time of individual probes.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"probe"}),
		probeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "probe_outcomes_total",
			Help: "Probe completions by status.",
		}, []string{"probe", "status"}),
		lastValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_result",
			Help: "Measurements of the most recent completed run.",
		}, []string{"metric"}),
		lastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_timestamp_seconds",
			Help: "Unix time of the most recent terminal run event.",
		}),
		saveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_save_failures_total",
			Help: "Results that could not be persisted on first attempt.",
		}),
		pendingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "spool_pending_bytes",
			Help: "Bytes of results waiting in the spool.",
		}),
		replayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "spool_replayed_total",
			Help: "Spooled results replayed into the store.",
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ready",
			Help: "1 when the readiness check passes.",
		}),
		readyCategories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "not_ready_transitions_total",
			Help: "Transitions to not-ready by reason category.",
		}, []string{"category", "severity"}),
	}
	s.registry.MustRegister(
		s.runsTotal, s.runDuration, s.running, s.probeDuration, s.probeOutcomes,
		s.lastValue, s.lastRunTime, s.saveFailures, s.pendingBytes, s.replayedTotal,
		s.ready, s.readyCategories,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Registry exposes the underlying registry for tests and extra collectors.
func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	categories := make([]ReadinessCategory, len(s.readyCategoryList))
	copy(categories, s.readyCategoryList)
	return Snapshot{
		Running:           s.runningFlag.Load(),
		LastOutcome:       s.lastOutcome,
		LastRunAt:         s.lastRunAt,
		SaveFailuresTotal: s.saveFailureValue.Load(),
		PendingBytes:      s.pendingBytesValue.Load(),
		ReplayedTotal:     s.replayedValue.Load(),
		Ready:             s.readinessState.Load() == 1,
		ReadyReason:       s.readyReason,
		ReadyCategories:   categories,
	}
}

func (s *Store) RunStarted() {
	s.runningFlag.Store(true)
	s.running.Set(1)
}

func (s *Store) ObserveProbe(probe types.Probe, status types.ProbeStatus, elapsed time.Duration) {
	s.probeDuration.WithLabelValues(string(probe)).Observe(elapsed.Seconds())
	s.probeOutcomes.WithLabelValues(string(probe), string(status)).Inc()
}

func (s *Store) ObserveRun(outcome string, res *types.AggregatedResult, elapsed time.Duration) {
	s.runningFlag.Store(false)
	s.running.Set(0)
	s.runsTotal.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		s.runDuration.Observe(elapsed.Seconds())
	}

	now := time.Now()
	s.lastRunTime.Set(float64(now.Unix()))
	s.mu.Lock()
	s.lastOutcome = outcome
	s.lastRunAt = now
	s.mu.Unlock()

	if res == nil {
		return
	}
	s.lastValue.WithLabelValues("download_mbps").Set(res.DownloadMbps)
	s.lastValue.WithLabelValues("upload_mbps").Set(res.UploadMbps)
	s.lastValue.WithLabelValues("jitter_ms").Set(res.JitterMs)
	s.lastValue.WithLabelValues("ping_ms").Set(res.PingMs)
	s.lastValue.WithLabelValues("packet_loss_percent").Set(res.PacketLossPct)
	if res.DNSResolved() {
		s.lastValue.WithLabelValues("dns_ms").Set(res.DNSMs)
	}
}

func (s *Store) IncSaveFailures() {
	s.saveFailureValue.Add(1)
	s.saveFailures.Inc()
}

func (s *Store) ObservePendingBytes(bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	s.pendingBytesValue.Store(bytes)
	s.pendingBytes.Set(float64(bytes))
}

func (s *Store) AddReplayed(n int) {
	if n <= 0 {
		return
	}
	s.replayedValue.Add(uint64(n))
	s.replayedTotal.Add(float64(n))
}

func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	prev := s.readinessState.Load()
	if ready {
		s.readinessState.Store(1)
		s.ready.Set(1)
		s.mu.Lock()
		s.readyReason = ""
		s.readyCategoryList = nil
		s.mu.Unlock()
		return
	}

	s.readinessState.Store(0)
	s.ready.Set(0)
	deduped := dedupeCategories(categories)
	s.mu.Lock()
	s.readyReason = reason
	s.readyCategoryList = deduped
	s.mu.Unlock()
	if prev == 1 {
		for _, cat := range deduped {
			s.readyCategories.WithLabelValues(cat.Name, cat.Severity).Inc()
		}
	}
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[ReadinessCategory]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		key := ReadinessCategory{Name: name, Severity: normalizeSeverity(c.Severity)}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, key)
	}
	return result
}

func normalizeSeverity(severity string) string {
	switch strings.TrimSpace(strings.ToLower(severity)) {
	case "info", "informational":
		return "info"
	case "warn", "warning":
		return "warning"
	case "critical", "crit":
		return "critical"
	case "":
		return "unknown"
	default:
		return strings.TrimSpace(strings.ToLower(severity))
	}
}
