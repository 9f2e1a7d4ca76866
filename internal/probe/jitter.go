package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/time/rate"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

type JitterResult struct {
	Report
	JitterMs  float64
	Samples   int
	Successes int
}

// Jitter times repeated small requests and reports the sample standard
// deviation of their latencies in milliseconds.
func (s *Suite) Jitter(ctx context.Context, samples int, out Output) JitterResult {
	if out == nil {
		out = discard
	}
	samples = types.ProbeSelection{JitterSamples: samples}.Normalize().JitterSamples

	limit := rate.Inf
	if s.jitterInterval > 0 {
		limit = rate.Every(s.jitterInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	latencies := make([]float64, 0, samples)
	for i := 0; i < samples; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if ms, err := s.sample(ctx); err == nil {
			latencies = append(latencies, ms)
		} else {
			s.deps.Logger.WithError(err).Debug("jitter sample failed")
		}
	}

	res := JitterResult{Samples: samples, Successes: len(latencies)}
	res.Source = s.catalog.JitterURL
	if len(latencies) < 2 {
		res.Status = types.StatusFailed
		res.Detail = fmt.Sprintf("%d of %d samples succeeded", len(latencies), samples)
		out("Jitter: not enough successful samples.")
		return res
	}

	jitter, err := stats.StandardDeviationSample(latencies)
	if err != nil {
		res.Status = types.StatusFailed
		res.Detail = err.Error()
		return res
	}
	res.JitterMs = jitter
	res.Status = types.StatusOK
	if len(latencies) < samples {
		res.Status = types.StatusDegraded
		res.Detail = fmt.Sprintf("%d of %d samples succeeded", len(latencies), samples)
	}
	out(fmt.Sprintf("Jitter: %.2f ms", jitter))
	return res
}

func (s *Suite) sample(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout(types.ProbeJitter))
	defer cancel()

	start := time.Now()
	if _, err := s.get(ctx, s.catalog.JitterURL); err != nil {
		return 0, err
	}
	return float64(time.Since(start)) / float64(time.Millisecond), nil
}
