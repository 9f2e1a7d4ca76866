package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fluxflowhq/fluxflow/internal/metrics"
	"github.com/fluxflowhq/fluxflow/internal/spool"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const (
	defaultInterval = 30 * time.Second
	defaultMaxBatch = 64
)

// Saver persists a replayed result.
type Saver interface {
	Save(ctx context.Context, res types.AggregatedResult) error
}

// Controller replays spooled results into the result store at a bounded rate.
type Controller struct {
	spool    *spool.Spool
	store    Saver
	limiter  *rate.Limiter
	maxBatch int
	interval time.Duration
	metrics  metrics.BackfillRecorder
	logger   logrus.FieldLogger
	onStore  func(error)
}

type Option func(*Controller)

func WithRate(opsPerSecond float64, burst int) Option {
	return func(c *Controller) {
		if opsPerSecond > 0 {
			if burst <= 0 {
				burst = int(opsPerSecond)
			}
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(opsPerSecond), burst)
		}
	}
}

func WithMaxBatch(size int) Option {
	return func(c *Controller) {
		if size > 0 {
			c.maxBatch = size
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithMetrics(rec metrics.BackfillRecorder) Option {
	return func(c *Controller) {
		if rec != nil {
			c.metrics = rec
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStoreObserver registers a callback told about every save outcome, used
// to feed readiness.
func WithStoreObserver(fn func(error)) Option {
	return func(c *Controller) {
		c.onStore = fn
	}
}

func New(sp *spool.Spool, store Saver, opts ...Option) *Controller {
	c := &Controller{
		spool:    sp,
		store:    store,
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		maxBatch: defaultMaxBatch,
		interval: defaultInterval,
		metrics:  metrics.NoopBackfillRecorder{},
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.recordPending()
	return c
}

// Flush replays one batch. It stops at the first save failure and keeps the
// failed result and everything after it spooled.
func (c *Controller) Flush(ctx context.Context) (int, error) {
	if c.spool == nil || c.store == nil {
		return 0, nil
	}
	batch, err := c.spool.ReadBatch(c.maxBatch)
	if err != nil {
		return 0, err
	}
	defer c.recordPending()

	saved := 0
	var saveErr error
	for _, res := range batch.Results {
		if err := c.limiter.Wait(ctx); err != nil {
			saveErr = err
			break
		}
		if err := c.store.Save(ctx, res); err != nil {
			saveErr = fmt.Errorf("replay %s: %w", res.RunID, err)
			break
		}
		saved++
	}
	if c.onStore != nil && len(batch.Results) > 0 {
		c.onStore(saveErr)
	}

	if err := c.spool.Ack(batch.Head(saved)); err != nil {
		return saved, err
	}
	c.metrics.AddReplayed(saved)
	return saved, saveErr
}

// Run flushes the spool on every interval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Controller) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := c.Flush(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WithError(err).Warn("spool replay stopped")
			}
			return
		}
		if n > 0 {
			c.logger.WithField("replayed", n).Info("replayed spooled results")
		}
		if n < c.maxBatch {
			return
		}
	}
}

func (c *Controller) PendingBytes() int64 {
	if c.spool == nil {
		return 0
	}
	return c.spool.SizeBytes()
}

func (c *Controller) AllowAt(t time.Time, n int) bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.AllowN(t, n)
}

func (c *Controller) recordPending() {
	if c.metrics == nil || c.spool == nil {
		return
	}
	c.metrics.ObservePendingBytes(c.spool.SizeBytes())
}
