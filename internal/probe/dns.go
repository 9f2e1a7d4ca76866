package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/montanaflynn/stats"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

type DNSResult struct {
	Report
	// Ms is the mean latency, or types.DNSUnresolvedMs when every query failed.
	Ms        float64
	Server    string
	Queries   int
	Successes int
}

// DNS times A lookups against the system resolver, falling back to the
// catalog's public resolver when none is configured.
func (s *Suite) DNS(ctx context.Context, out Output) DNSResult {
	if out == nil {
		out = discard
	}
	server := DiscoverSystemDNS(ctx, s.deps)
	target := server
	if target == types.Unknown {
		target = s.catalog.DNSFallback
	}
	addr := net.JoinHostPort(target, "53")

	var latencies []float64
	for i := 0; i < s.catalog.DNSQueries; i++ {
		if ctx.Err() != nil {
			break
		}
		ms, err := s.resolve(ctx, addr)
		if err != nil {
			s.deps.Logger.WithError(err).WithField("server", target).Debug("dns query failed")
			continue
		}
		latencies = append(latencies, ms)
	}

	res := DNSResult{
		Report:    Report{Source: target},
		Server:    server,
		Queries:   s.catalog.DNSQueries,
		Successes: len(latencies),
	}
	mean, err := stats.Mean(latencies)
	if err != nil {
		res.Ms = types.DNSUnresolvedMs
		res.Status = types.StatusFailed
		res.Detail = "no query succeeded"
		out(fmt.Sprintf("DNS test failed (Server: %s).", server))
		return res
	}

	res.Ms = mean
	res.Status = types.StatusOK
	if len(latencies) < s.catalog.DNSQueries {
		res.Status = types.StatusDegraded
		res.Detail = fmt.Sprintf("%d of %d queries succeeded", len(latencies), s.catalog.DNSQueries)
	}
	out(fmt.Sprintf("DNS response time: %.1f ms (Server: %s)", mean, server))
	return res
}

func (s *Suite) resolve(ctx context.Context, addr string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout(types.ProbeDNS))
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(s.catalog.DNSQueryName), dns.TypeA)

	start := time.Now()
	resp, _, err := s.deps.DNS.ExchangeContext(ctx, msg, addr)
	if err != nil {
		return 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return 0, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if _, ok := rr.(*dns.A); ok {
			return float64(time.Since(start)) / float64(time.Millisecond), nil
		}
	}
	return 0, fmt.Errorf("no A record for %s", s.catalog.DNSQueryName)
}
