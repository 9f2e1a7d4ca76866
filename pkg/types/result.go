package types

import "time"

// Unknown is the placeholder for text fields no probe could resolve.
const Unknown = "Unknown"

// DNSUnresolvedMs is recorded when the DNS probe ran but every query failed.
const DNSUnresolvedMs = 9999.0

// Probe identifies one member of the diagnostics suite.
type Probe string

const (
	ProbeDownload Probe = "download"
	ProbeUpload   Probe = "upload"
	ProbeJitter   Probe = "jitter"
	ProbePing     Probe = "ping"
	ProbeDNS      Probe = "dns"
	ProbeLocation Probe = "location"
)

// ProbeOrder is the fixed execution order of the suite.
var ProbeOrder = []Probe{ProbeDownload, ProbeUpload, ProbeJitter, ProbePing, ProbeDNS, ProbeLocation}

type ProbeStatus string

const (
	StatusOK       ProbeStatus = "ok"
	StatusDegraded ProbeStatus = "degraded"
	StatusFailed   ProbeStatus = "failed"
	StatusSkipped  ProbeStatus = "skipped"
)

// ProbeOutcome summarises how a single probe finished within a run.
type ProbeOutcome struct {
	Probe    Probe         `json:"probe"`
	Status   ProbeStatus   `json:"status"`
	Source   string        `json:"source,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// AggregatedResult is the single record produced by one diagnostics run.
type AggregatedResult struct {
	RunID         string         `json:"run_id"`
	Timestamp     time.Time      `json:"timestamp"`
	DownloadMbps  float64        `json:"download"`
	UploadMbps    float64        `json:"upload"`
	JitterMs      float64        `json:"jitter"`
	PingMs        float64        `json:"ping"`
	PacketLossPct float64        `json:"packet_loss"`
	DNSMs         float64        `json:"dns"`
	DNSServer     string         `json:"dns_server"`
	Country       string         `json:"country"`
	ISP           string         `json:"isp"`
	IPAddress     string         `json:"ip_address"`
	Probes        []ProbeOutcome `json:"probes,omitempty"`
}

// NewAggregatedResult returns a result populated with the defaults used for
// probes that are disabled or never report.
func NewAggregatedResult(runID string, ts time.Time) AggregatedResult {
	return AggregatedResult{
		RunID:     runID,
		Timestamp: ts,
		DNSServer: Unknown,
		Country:   Unknown,
		ISP:       Unknown,
		IPAddress: Unknown,
	}
}

// DNSResolved reports whether DNSMs holds a measured latency.
func (r AggregatedResult) DNSResolved() bool {
	return r.DNSMs > 0 && r.DNSMs != DNSUnresolvedMs
}
