package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// MaxMindSource resolves the public IP over HTTP and looks it up in local
// GeoLite2 databases. It works when the HTTP geolocation APIs are blocked
// or rate limited.
type MaxMindSource struct {
	country *geoip2.Reader
	asn     *geoip2.Reader
	suite   *Suite
}

// OpenMaxMind opens a Country or City database and an optional ASN database.
func OpenMaxMind(countryDB, asnDB string) (*MaxMindSource, error) {
	if countryDB == "" && asnDB == "" {
		return nil, errors.New("no geoip database configured")
	}
	m := &MaxMindSource{}
	if countryDB != "" {
		r, err := geoip2.Open(countryDB)
		if err != nil {
			return nil, fmt.Errorf("open geoip database %q: %w", countryDB, err)
		}
		m.country = r
	}
	if asnDB != "" {
		r, err := geoip2.Open(asnDB)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("open asn database %q: %w", asnDB, err)
		}
		m.asn = r
	}
	return m, nil
}

func (m *MaxMindSource) Close() error {
	var errs []error
	if m.country != nil {
		errs = append(errs, m.country.Close())
	}
	if m.asn != nil {
		errs = append(errs, m.asn.Close())
	}
	return errors.Join(errs...)
}

func (m *MaxMindSource) Name() string { return "GeoLite2" }

func (m *MaxMindSource) Locate(ctx context.Context) (Location, error) {
	if m.suite == nil {
		return Location{}, errors.New("geoip source not bound to a suite")
	}
	ctx, cancel := context.WithTimeout(ctx, m.suite.timeout(types.ProbeLocation))
	defer cancel()

	body, err := m.suite.get(ctx, m.suite.catalog.PublicIPURL)
	if err != nil {
		return Location{}, fmt.Errorf("discover public ip: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return Location{}, fmt.Errorf("public ip service returned %q", strings.TrimSpace(string(body)))
	}
	return m.Lookup(ip)
}

// Lookup resolves ip against the opened databases.
func (m *MaxMindSource) Lookup(ip net.IP) (Location, error) {
	loc := unknownLocation()
	loc.IP = ip.String()

	if m.country != nil {
		rec, err := m.country.Country(ip)
		if err != nil {
			return loc, fmt.Errorf("country lookup %s: %w", ip, err)
		}
		if name := rec.Country.Names["en"]; name != "" {
			loc.Country = name
		}
	}
	if m.asn != nil {
		rec, err := m.asn.ASN(ip)
		if err != nil {
			return loc, fmt.Errorf("asn lookup %s: %w", ip, err)
		}
		if rec.AutonomousSystemOrganization != "" {
			loc.ISP = rec.AutonomousSystemOrganization
		}
	}
	return loc, nil
}
