package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxflowhq/fluxflow/internal/config"
	"github.com/fluxflowhq/fluxflow/internal/logging"
	"github.com/fluxflowhq/fluxflow/internal/worker"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const minInterval = time.Minute

// Submitter accepts runs. *worker.Pool satisfies it.
type Submitter interface {
	Submit(job worker.Job) (<-chan worker.Outcome, error)
}

// Scheduler triggers periodic runs. A due schedule that finds the pool busy
// is skipped until its next slot rather than queued.
type Scheduler struct {
	pool           Submitter
	tickResolution time.Duration
	selection      func() types.ProbeSelection
	logger         logrus.FieldLogger

	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	spec    config.ScheduleConfig
	next    time.Time
	skipped int
}

type Option func(*Scheduler)

func WithTickResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickResolution = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSelection supplies the probe selection for schedules that do not
// carry their own. It is read at every trigger so config reloads apply.
func WithSelection(fn func() types.ProbeSelection) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.selection = fn
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(pool Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		pool:           pool,
		tickResolution: time.Second,
		selection:      types.DefaultSelection,
		logger:         logging.Discard(),
		now:            time.Now,
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func interval(spec config.ScheduleConfig) time.Duration {
	if spec.Interval < minInterval {
		return minInterval
	}
	return spec.Interval
}

// Update replaces the schedule set. Schedules whose interval is unchanged
// keep their next trigger time.
func (s *Scheduler) Update(specs []config.ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	nextEntries := make(map[string]*entry, len(specs))
	for _, spec := range specs {
		if prev, ok := s.entries[spec.Name]; ok && prev.spec.Interval == spec.Interval {
			prev.spec = spec
			nextEntries[spec.Name] = prev
			continue
		}
		nextEntries[spec.Name] = &entry{
			spec: spec,
			next: now.Add(interval(spec)),
		}
	}
	s.entries = nextEntries
}

// Next reports the next trigger time of every active schedule.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, e := range s.entries {
		if e.spec.Paused {
			continue
		}
		out[name] = e.next
	}
	return out
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := s.entries[name]
		if e.spec.Paused || now.Before(e.next) {
			continue
		}

		sel := s.selection()
		if e.spec.Probes != nil {
			sel = e.spec.Probes.Selection()
		}
		log := s.logger.WithField("schedule", name)
		_, err := s.pool.Submit(worker.Job{
			Selection: sel,
			Trigger:   worker.TriggerSchedule,
			Schedule:  name,
		})
		switch {
		case err == nil:
			log.Info("scheduled run started")
		case errors.Is(err, worker.ErrBusy):
			e.skipped++
			log.WithField("skipped", e.skipped).Warn("run in progress, skipping scheduled run")
		default:
			log.WithError(err).Warn("scheduled run not started")
		}

		step := interval(e.spec)
		for !now.Before(e.next) {
			e.next = e.next.Add(step)
		}
	}
}
