package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Mbps converts a transfer into megabits per second. Zero elapsed time
// yields zero.
func Mbps(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (secs * 1_000_000)
}

// get issues a GET and returns the body, failing on non-2xx statuses.
func (s *Suite) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %q: %w", url, err)
	}
	resp, err := s.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d from %q", resp.StatusCode, url)
	}
	return body, nil
}

func shorten(err error) string {
	msg := err.Error()
	if len(msg) > 80 {
		return msg[:80] + "..."
	}
	return msg
}
