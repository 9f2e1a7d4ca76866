package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/fluxflowhq/fluxflow/internal/logging"
	"github.com/fluxflowhq/fluxflow/internal/targets"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// Output receives one human-readable diagnostic line.
type Output func(line string)

// Exchanger sends a single DNS query. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	HTTPClient *http.Client
	RunCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
	ReadFile   func(path string) ([]byte, error)
	DNS        Exchanger
	GOOS       string
	Logger     logrus.FieldLogger
}

func (d Dependencies) withDefaults() Dependencies {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{}
	}
	if d.RunCommand == nil {
		d.RunCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			return cmd.CombinedOutput()
		}
	}
	if d.ReadFile == nil {
		d.ReadFile = os.ReadFile
	}
	if d.DNS == nil {
		d.DNS = &dns.Client{Net: "udp", Timeout: dnsQueryTimeout}
	}
	if d.GOOS == "" {
		d.GOOS = runtime.GOOS
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return d
}

// Report carries the status shared by every probe result.
type Report struct {
	Status types.ProbeStatus
	Source string
	Detail string
}

const (
	preflightTimeout    = 5 * time.Second
	preflightDrainBytes = 4 << 10
	downloadTimeout     = 45 * time.Second
	uploadTimeout       = 60 * time.Second
	jitterTimeout       = 20 * time.Second
	pingTimeout         = 45 * time.Second
	dnsQueryTimeout     = 10 * time.Second
	geoTimeout          = 10 * time.Second

	downloadChunk    = 1 << 20
	downloadMaxBytes = 20_000_000
	downloadMinBytes = 5_000_000
	uploadBytes      = 2 << 20
)

// Suite runs the individual probes against a target catalog.
type Suite struct {
	catalog targets.Catalog
	deps    Dependencies
	geo     []GeoSource

	downloadMin    int64
	downloadMax    int64
	uploadSize     int
	jitterInterval time.Duration
	timeouts       map[types.Probe]time.Duration
}

type Option func(*Suite)

// WithDownloadBounds overrides the minimum bytes a download must reach and
// the point at which it stops reading.
func WithDownloadBounds(min, max int64) Option {
	return func(s *Suite) {
		if min >= 0 && max > 0 {
			s.downloadMin = min
			s.downloadMax = max
		}
	}
}

func WithUploadSize(n int) Option {
	return func(s *Suite) {
		if n > 0 {
			s.uploadSize = n
		}
	}
}

// WithJitterInterval paces jitter samples. Zero disables pacing.
func WithJitterInterval(d time.Duration) Option {
	return func(s *Suite) {
		if d >= 0 {
			s.jitterInterval = d
		}
	}
}

func WithTimeout(p types.Probe, d time.Duration) Option {
	return func(s *Suite) {
		if d > 0 {
			s.timeouts[p] = d
		}
	}
}

// WithGeoSources appends extra geolocation sources after the catalog's HTTP
// providers.
func WithGeoSources(sources ...GeoSource) Option {
	return func(s *Suite) {
		for _, src := range sources {
			if src != nil {
				s.geo = append(s.geo, src)
			}
		}
	}
}

// WithMaxMind appends an offline GeoLite2 source after the HTTP providers.
func WithMaxMind(m *MaxMindSource) Option {
	return func(s *Suite) {
		if m != nil {
			m.suite = s
			s.geo = append(s.geo, m)
		}
	}
}

func NewSuite(catalog targets.Catalog, deps Dependencies, opts ...Option) *Suite {
	s := &Suite{
		catalog:        catalog,
		deps:           deps.withDefaults(),
		downloadMin:    downloadMinBytes,
		downloadMax:    downloadMaxBytes,
		uploadSize:     uploadBytes,
		jitterInterval: 250 * time.Millisecond,
		timeouts: map[types.Probe]time.Duration{
			types.ProbeDownload: downloadTimeout,
			types.ProbeUpload:   uploadTimeout,
			types.ProbeJitter:   jitterTimeout,
			types.ProbePing:     pingTimeout,
			types.ProbeDNS:      dnsQueryTimeout,
			types.ProbeLocation: geoTimeout,
		},
	}
	for _, provider := range catalog.Geo {
		s.geo = append(s.geo, newHTTPGeo(provider, s))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Suite) timeout(p types.Probe) time.Duration {
	return s.timeouts[p]
}

// Preflight checks that the internet is reachable at all. Any HTTP response
// counts, whatever its status; only transport failures are errors.
func (s *Suite) Preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.catalog.PreflightURL, nil)
	if err != nil {
		return fmt.Errorf("build preflight request: %w", err)
	}
	resp, err := s.deps.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, preflightDrainBytes))
	resp.Body.Close()
	s.deps.Logger.WithField("status", resp.StatusCode).Debug("preflight reachable")
	return nil
}

func discard(string) {}
