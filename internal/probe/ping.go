package probe

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

type PingResult struct {
	Report
	AvgMs    float64
	LossPct  float64
	Sent     int
	Received int
}

// Ping shells out to the system ping binary. Any failure to run or finish it
// reports 0 ms and 100% loss.
func (s *Suite) Ping(ctx context.Context, out Output) PingResult {
	if out == nil {
		out = discard
	}
	count := s.catalog.PingCount
	countFlag := "-c"
	if s.deps.GOOS == "windows" {
		countFlag = "-n"
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout(types.ProbePing))
	defer cancel()

	raw, err := s.deps.RunCommand(ctx, "ping", countFlag, strconv.Itoa(count), s.catalog.PingHost)
	if err != nil {
		s.deps.Logger.WithError(err).WithField("host", s.catalog.PingHost).Debug("ping command failed")
		out("Ping failed.")
		return PingResult{
			Report:  Report{Status: types.StatusFailed, Source: s.catalog.PingHost, Detail: shorten(err)},
			LossPct: 100,
			Sent:    count,
		}
	}

	parsed := ParsePing(string(raw), count)
	out(fmt.Sprintf("Ping results: Sent %d, Received %d", parsed.Sent, parsed.Received))
	out(fmt.Sprintf("Average ping: %.1f ms | Packet Loss: %.2f%%", parsed.AvgMs, parsed.LossPct))

	res := PingResult{
		Report:   Report{Status: types.StatusOK, Source: s.catalog.PingHost, Detail: parsed.Method},
		AvgMs:    parsed.AvgMs,
		LossPct:  parsed.LossPct,
		Sent:     parsed.Sent,
		Received: parsed.Received,
	}
	if parsed.LossPct > 0 || parsed.AvgMs == 0 {
		res.Status = types.StatusDegraded
	}
	return res
}
