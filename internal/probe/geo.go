package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fluxflowhq/fluxflow/internal/targets"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// Location is the outcome of the geolocation probe.
type Location struct {
	Report
	ISP     string
	Country string
	IP      string
}

func unknownLocation() Location {
	return Location{ISP: types.Unknown, Country: types.Unknown, IP: types.Unknown}
}

// Resolved reports whether either the ISP or the country is known.
func (l Location) Resolved() bool {
	return l.ISP != types.Unknown || l.Country != types.Unknown
}

// GeoSource is one geolocation provider in failover order.
type GeoSource interface {
	Name() string
	Locate(ctx context.Context) (Location, error)
}

func (s *Suite) Location(ctx context.Context, out Output) Location {
	if out == nil {
		out = discard
	}

	// Providers that only return an IP still contribute it.
	best := unknownLocation()
	candidates := make([]Candidate[Location], 0, len(s.geo))
	for _, src := range s.geo {
		src := src
		candidates = append(candidates, Candidate[Location]{
			Name: src.Name(),
			Attempt: func(ctx context.Context) (Location, error) {
				loc, err := src.Locate(ctx)
				if err == nil && loc.IP != types.Unknown {
					best.IP = loc.IP
				}
				return loc, err
			},
		})
	}

	loc, source := Failover(ctx, candidates, Location.Resolved, best, func(name string, err error) {
		s.deps.Logger.WithError(err).WithField("provider", name).Debug("geolocation provider failed")
		out(fmt.Sprintf("%s failed, trying next...", name))
	})
	if source == "" {
		loc = best
		loc.Status = types.StatusFailed
		loc.Detail = "all location services failed"
		out("All location services failed.")
		return loc
	}

	if loc.IP == types.Unknown {
		loc.IP = best.IP
	}
	loc.Status = types.StatusOK
	loc.Source = source
	out(fmt.Sprintf("Location detected via %s:", source))
	out(fmt.Sprintf("Country: %s %s", loc.Country, Flag(loc.Country)))
	out(fmt.Sprintf("ISP: %s", loc.ISP))
	out(fmt.Sprintf("Public IP: %s", loc.IP))
	return loc
}

type httpGeo struct {
	provider targets.GeoProvider
	suite    *Suite
}

func newHTTPGeo(provider targets.GeoProvider, s *Suite) GeoSource {
	return &httpGeo{provider: provider, suite: s}
}

func (h *httpGeo) Name() string { return h.provider.Name }

func (h *httpGeo) Locate(ctx context.Context) (Location, error) {
	ctx, cancel := context.WithTimeout(ctx, h.suite.timeout(types.ProbeLocation))
	defer cancel()

	body, err := h.suite.get(ctx, h.provider.URL)
	if err != nil {
		return Location{}, err
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Location{}, fmt.Errorf("decode %s response: %w", h.provider.Name, err)
	}
	return NormalizeGeo(doc, h.provider), nil
}

// NormalizeGeo maps a provider's JSON document onto a Location using the
// provider's key priority lists.
func NormalizeGeo(doc map[string]any, provider targets.GeoProvider) Location {
	return Location{
		ISP:     firstString(doc, provider.ISPKeys),
		Country: firstString(doc, provider.CountryKeys),
		IP:      firstString(doc, provider.IPKeys),
	}
}

func firstString(doc map[string]any, keys []string) string {
	for _, key := range keys {
		if v := lookupPath(doc, key); v != "" {
			return v
		}
	}
	return types.Unknown
}

func lookupPath(doc map[string]any, path string) string {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	s, ok := cur.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}
