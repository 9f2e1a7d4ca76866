package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fluxflowhq/fluxflow/internal/events"
	"github.com/fluxflowhq/fluxflow/internal/logging"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

var (
	// ErrBusy is returned by Submit while another run holds the slot.
	ErrBusy = errors.New("a diagnostics run is already in progress")
	// ErrStopped is returned by Submit before Start or after shutdown.
	ErrStopped = errors.New("worker pool is not running")
)

// RunFunc executes one run. *runner.Runner's Run method satisfies it.
type RunFunc func(ctx context.Context, runID string, sel types.ProbeSelection, sink events.Sink) (types.AggregatedResult, error)

type pending struct {
	job     Job
	ctx     context.Context
	cancel  context.CancelFunc
	outcome chan Outcome
}

// Pool executes diagnostics runs one at a time. A submission while a run is
// active is rejected rather than queued.
type Pool struct {
	run    RunFunc
	sink   events.Sink
	logger logrus.FieldLogger
	now    func() time.Time

	jobs chan *pending

	mu      sync.Mutex
	base    context.Context
	stopped bool
	active  *ActiveRun
	cancel  context.CancelFunc
}

type PoolOption func(*Pool)

// WithSink adds a sink that observes every run, such as the websocket hub.
func WithSink(sink events.Sink) PoolOption {
	return func(p *Pool) {
		if sink != nil {
			p.sink = sink
		}
	}
}

func WithLogger(logger logrus.FieldLogger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPool(run RunFunc, opts ...PoolOption) *Pool {
	p := &Pool{
		run:    run,
		sink:   events.NoopSink{},
		logger: logging.Discard(),
		now:    time.Now,
		jobs:   make(chan *pending, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the single worker. Runs inherit ctx; cancelling it cancels
// the active run and stops the pool.
func (p *Pool) Start(ctx context.Context) *sync.WaitGroup {
	p.mu.Lock()
	p.base = ctx
	p.stopped = false
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runWorker(ctx)
	}()
	return &wg
}

// Submit claims the slot for job. The returned channel yields exactly one
// Outcome and is then closed.
func (p *Pool) Submit(job Job) (<-chan Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.base == nil || p.stopped || p.base.Err() != nil {
		return nil, ErrStopped
	}
	if p.active != nil {
		return nil, ErrBusy
	}
	if job.RunID == "" {
		job.RunID = uuid.NewString()
	}
	if job.Trigger == "" {
		job.Trigger = TriggerAPI
	}

	ctx, cancel := context.WithCancel(p.base)
	item := &pending{job: job, ctx: ctx, cancel: cancel, outcome: make(chan Outcome, 1)}
	p.active = &ActiveRun{
		RunID:     job.RunID,
		Trigger:   job.Trigger,
		Schedule:  job.Schedule,
		StartedAt: p.now().UTC(),
	}
	p.cancel = cancel
	p.jobs <- item
	return item.outcome, nil
}

// Active returns the run holding the slot, if any.
func (p *Pool) Active() (ActiveRun, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return ActiveRun{}, false
	}
	return *p.active, true
}

// Cancel cancels the active run when its id matches runID, or any active run
// when runID is empty.
func (p *Pool) Cancel(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil || p.cancel == nil {
		return false
	}
	if runID != "" && p.active.RunID != runID {
		return false
	}
	p.cancel()
	return true
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.jobs:
			p.handleJob(item)
		}
	}
}

func (p *Pool) handleJob(item *pending) {
	defer item.cancel()
	job := item.job
	log := p.logger.WithFields(logrus.Fields{"run_id": job.RunID, "trigger": job.Trigger})
	if job.Schedule != "" {
		log = log.WithField("schedule", job.Schedule)
	}

	sink := p.sink
	if job.Sink != nil {
		sink = events.NewMulti(p.sink, job.Sink)
	}
	res, err := p.run(item.ctx, job.RunID, job.Selection, sink)
	if err != nil {
		log.WithError(err).Info("run ended without a result")
	}

	p.release()
	item.outcome <- Outcome{RunID: job.RunID, Result: res, Err: err}
	close(item.outcome)
}

func (p *Pool) release() {
	p.mu.Lock()
	p.active = nil
	p.cancel = nil
	p.mu.Unlock()
}

// stop rejects new work and fails a job that was accepted but never picked up.
func (p *Pool) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	select {
	case item := <-p.jobs:
		item.cancel()
		p.release()
		item.outcome <- Outcome{RunID: item.job.RunID, Err: ErrStopped}
		close(item.outcome)
	default:
	}
}
