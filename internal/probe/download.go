package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// Throughput is the outcome of the download or upload probe.
type Throughput struct {
	Report
	Mbps  float64
	Bytes int64
}

type transfer struct {
	bytes   int64
	elapsed time.Duration
}

func (s *Suite) Download(ctx context.Context, out Output) Throughput {
	if out == nil {
		out = discard
	}
	candidates := make([]Candidate[transfer], 0, len(s.catalog.Download))
	for _, ep := range s.catalog.Download {
		ep := ep
		candidates = append(candidates, Candidate[transfer]{
			Name:    ep.Name,
			Attempt: func(ctx context.Context) (transfer, error) { return s.fetch(ctx, ep.URL) },
		})
	}

	accept := func(t transfer) bool { return t.bytes > s.downloadMin && t.elapsed > 0 }
	got, source := Failover(ctx, candidates, accept, transfer{}, func(name string, err error) {
		s.deps.Logger.WithError(err).WithField("server", name).Debug("download candidate failed")
		out(fmt.Sprintf("%s failed: %s, trying next", name, shorten(err)))
	})
	if source == "" {
		out("All download servers failed.")
		return Throughput{Report: Report{Status: types.StatusFailed, Detail: "all download servers failed"}}
	}

	mbps := Mbps(got.bytes, got.elapsed)
	out(fmt.Sprintf("Download: %.2f Mbps (%.1f MB) via %s", mbps, float64(got.bytes)/(1<<20), source))
	return Throughput{
		Report: Report{Status: types.StatusOK, Source: source},
		Mbps:   mbps,
		Bytes:  got.bytes,
	}
}

// fetch streams url until the byte cap, EOF or the probe deadline. Running
// out of time mid-body still counts the bytes already received.
func (s *Suite) fetch(ctx context.Context, url string) (transfer, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout(types.ProbeDownload))
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return transfer{}, fmt.Errorf("build request %q: %w", url, err)
	}
	resp, err := s.deps.HTTPClient.Do(req)
	if err != nil {
		return transfer{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return transfer{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	buf := make([]byte, downloadChunk)
	var total int64
	for total < s.downloadMax {
		n, err := resp.Body.Read(buf)
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil && total > 0 {
				break
			}
			return transfer{}, fmt.Errorf("read body: %w", err)
		}
	}
	return transfer{bytes: total, elapsed: time.Since(start)}, nil
}
