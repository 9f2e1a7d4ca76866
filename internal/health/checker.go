package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fluxflowhq/fluxflow/internal/metrics"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const defaultPingTimeout = 2 * time.Second

const (
	categorySpoolPressure = "SPOOL_PRESSURE"
	categoryStoreError    = "STORE_ERROR"
	categoryRunFatal      = "RUN_FATAL"
)

const (
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Pinger is the part of a result store the checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker evaluates readiness conditions for the engine.
type Checker struct {
	metrics     *metrics.Store
	store       Pinger
	spoolCap    int64
	pingTimeout time.Duration

	mu       sync.RWMutex
	storeErr string
}

// NewChecker constructs a readiness checker bound to the provided metrics store.
// A spoolCap of zero disables the spool pressure check.
func NewChecker(m *metrics.Store, store Pinger, spoolCap int64) *Checker {
	return &Checker{
		metrics:     m,
		store:       store,
		spoolCap:    spoolCap,
		pingTimeout: defaultPingTimeout,
	}
}

// ObserveStore records the outcome of a store operation performed elsewhere,
// such as a save or a backfill flush.
func (c *Checker) ObserveStore(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.storeErr = err.Error()
		return
	}
	c.storeErr = ""
}

// Ready evaluates all readiness conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(ctx context.Context) (bool, []string) {
	reasons := make([]string, 0, 3)
	categories := make([]metrics.ReadinessCategory, 0, 3)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	if c.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
		err := c.store.Ping(pingCtx)
		cancel()
		c.ObserveStore(err)
	}
	c.mu.RLock()
	storeErr := c.storeErr
	c.mu.RUnlock()
	if storeErr != "" {
		reasons = append(reasons, fmt.Sprintf("result store failing: %s", storeErr))
		appendCategory(categoryStoreError, severityCritical)
	}

	if c.metrics != nil {
		snap := c.metrics.Snapshot()
		if fatalOutcome(snap.LastOutcome) {
			reasons = append(reasons, fmt.Sprintf("last run ended fatally (%s)", snap.LastOutcome))
			appendCategory(categoryRunFatal, severityWarning)
		}
		if c.spoolCap > 0 && snap.PendingBytes >= c.spoolCap {
			reasons = append(reasons, "spool capacity exceeded")
			appendCategory(categorySpoolPressure, severityWarning)
		}
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}

// fatalOutcome reports whether a run outcome should fail readiness. A
// cancellation is an operator action, not a fault.
func fatalOutcome(outcome string) bool {
	switch types.FatalKind(outcome) {
	case types.FatalNoConnectivity, types.FatalNoProbesSelected:
		return true
	default:
		return false
	}
}
