package targets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Endpoint is one failover candidate.
type Endpoint struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// GeoProvider describes a public geolocation API. Each key list is tried in
// order; dotted keys address nested objects.
type GeoProvider struct {
	Name        string   `yaml:"name" json:"name"`
	URL         string   `yaml:"url" json:"url"`
	ISPKeys     []string `yaml:"isp_keys" json:"isp_keys"`
	CountryKeys []string `yaml:"country_keys" json:"country_keys"`
	IPKeys      []string `yaml:"ip_keys" json:"ip_keys"`
}

// Catalog lists every remote endpoint the probes talk to.
type Catalog struct {
	PreflightURL string        `yaml:"preflight_url" json:"preflight_url"`
	Download     []Endpoint    `yaml:"download" json:"download"`
	Upload       []Endpoint    `yaml:"upload" json:"upload"`
	JitterURL    string        `yaml:"jitter_url" json:"jitter_url"`
	PublicIPURL  string        `yaml:"public_ip_url" json:"public_ip_url"`
	PingHost     string        `yaml:"ping_host" json:"ping_host"`
	PingCount    int           `yaml:"ping_count" json:"ping_count"`
	DNSQueryName string        `yaml:"dns_query_name" json:"dns_query_name"`
	DNSFallback  string        `yaml:"dns_fallback" json:"dns_fallback"`
	DNSQueries   int           `yaml:"dns_queries" json:"dns_queries"`
	Geo          []GeoProvider `yaml:"geo" json:"geo"`
}

func Default() Catalog {
	return Catalog{
		PreflightURL: "https://www.google.com",
		Download: []Endpoint{
			{Name: "Cloudflare", URL: "https://speed.cloudflare.com/__down?bytes=25000000"},
			{Name: "OVH", URL: "https://proof.ovh.net/files/10Mb.dat"},
			{Name: "TadServer", URL: "https://speed.tadserver.com/100MB.test"},
			{Name: "ThinkBroadband", URL: "http://ipv4.download.thinkbroadband.com/20MB.zip"},
		},
		Upload: []Endpoint{
			{Name: "httpbin", URL: "https://httpbin.org/post"},
			{Name: "postman-echo", URL: "https://postman-echo.com/post"},
			{Name: "bin.org", URL: "https://bin.org/post"},
		},
		JitterURL:    "https://api.ipify.org",
		PublicIPURL:  "https://api.ipify.org",
		PingHost:     "1.1.1.1",
		PingCount:    10,
		DNSQueryName: "google.com",
		DNSFallback:  "1.1.1.1",
		DNSQueries:   5,
		Geo: []GeoProvider{
			{
				Name:        "ipapi.co",
				URL:         "https://ipapi.co/json/",
				ISPKeys:     []string{"org", "isp", "connection.org"},
				CountryKeys: []string{"country_name", "country"},
				IPKeys:      []string{"ip", "query", "ip_address"},
			},
			{
				Name:        "FreeIPAPI",
				URL:         "https://freeipapi.com/api/json",
				ISPKeys:     []string{"isp", "org", "asnOrganization", "connection.org"},
				CountryKeys: []string{"countryName", "country_name", "country"},
				IPKeys:      []string{"ipAddress", "ip", "query"},
			},
			{
				Name:        "IPWho",
				URL:         "https://ipwho.is/",
				ISPKeys:     []string{"connection.isp", "connection.org", "org", "isp"},
				CountryKeys: []string{"country", "country_name"},
				IPKeys:      []string{"ip", "query", "ip_address"},
			},
		},
	}
}

// Load reads a catalog file and fills anything it leaves out from Default.
// When verifier is non-nil the file must carry a valid detached signature at
// sigPath, or at path+".minisig" when sigPath is empty.
func Load(ctx context.Context, path, sigPath string, verifier *Verifier) (Catalog, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog %q: %w", path, err)
	}

	if verifier != nil {
		if sigPath == "" {
			sigPath = path + ".minisig"
		}
		if err := verifier.Verify(ctx, data, sigPath); err != nil {
			return Catalog{}, fmt.Errorf("verify catalog %q: %w", path, err)
		}
	}

	var file Catalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog %q: %w", path, err)
	}
	return file.merge(Default()), nil
}

func (c Catalog) merge(base Catalog) Catalog {
	if c.PreflightURL == "" {
		c.PreflightURL = base.PreflightURL
	}
	if len(c.Download) == 0 {
		c.Download = base.Download
	}
	if len(c.Upload) == 0 {
		c.Upload = base.Upload
	}
	if c.JitterURL == "" {
		c.JitterURL = base.JitterURL
	}
	if c.PublicIPURL == "" {
		c.PublicIPURL = base.PublicIPURL
	}
	if c.PingHost == "" {
		c.PingHost = base.PingHost
	}
	if c.PingCount <= 0 {
		c.PingCount = base.PingCount
	}
	if c.DNSQueryName == "" {
		c.DNSQueryName = base.DNSQueryName
	}
	if c.DNSFallback == "" {
		c.DNSFallback = base.DNSFallback
	}
	if c.DNSQueries <= 0 {
		c.DNSQueries = base.DNSQueries
	}
	if len(c.Geo) == 0 {
		c.Geo = base.Geo
	}
	return c
}
