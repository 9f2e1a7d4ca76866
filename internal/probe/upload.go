package probe

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

func (s *Suite) Upload(ctx context.Context, out Output) Throughput {
	if out == nil {
		out = discard
	}
	payload := make([]byte, s.uploadSize)
	if _, err := rand.Read(payload); err != nil {
		out("Upload skipped: could not generate payload.")
		return Throughput{Report: Report{Status: types.StatusFailed, Detail: err.Error()}}
	}

	candidates := make([]Candidate[time.Duration], 0, len(s.catalog.Upload))
	for _, ep := range s.catalog.Upload {
		ep := ep
		candidates = append(candidates, Candidate[time.Duration]{
			Name:    ep.Name,
			Attempt: func(ctx context.Context) (time.Duration, error) { return s.post(ctx, ep.URL, payload) },
		})
	}

	accept := func(d time.Duration) bool { return d > 0 }
	elapsed, source := Failover(ctx, candidates, accept, 0, func(name string, err error) {
		s.deps.Logger.WithError(err).WithField("server", name).Debug("upload candidate failed")
	})
	if source == "" {
		out("All upload servers failed.")
		return Throughput{Report: Report{Status: types.StatusFailed, Detail: "all upload servers failed"}}
	}

	mbps := Mbps(int64(len(payload)), elapsed)
	out(fmt.Sprintf("Upload: %.2f Mbps (%.0f MB) via %s", mbps, float64(len(payload))/(1<<20), source))
	return Throughput{
		Report: Report{Status: types.StatusOK, Source: source},
		Mbps:   mbps,
		Bytes:  int64(len(payload)),
	}
}

func (s *Suite) post(ctx context.Context, url string, payload []byte) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout(types.ProbeUpload))
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request %q: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.deps.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}
