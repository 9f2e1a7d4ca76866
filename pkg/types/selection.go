package types

const (
	DefaultJitterSamples = 10
	MinJitterSamples     = 3
	MaxJitterSamples     = 30
)

// ProbeSelection is the per-run choice of probes plus the jitter sample count.
type ProbeSelection struct {
	Download      bool `json:"download" yaml:"download"`
	Upload        bool `json:"upload" yaml:"upload"`
	Jitter        bool `json:"jitter" yaml:"jitter"`
	Ping          bool `json:"ping" yaml:"ping"`
	DNS           bool `json:"dns" yaml:"dns"`
	Location      bool `json:"location" yaml:"location"`
	JitterSamples int  `json:"jitter_samples" yaml:"jitter_samples"`
}

// DefaultSelection enables every probe.
func DefaultSelection() ProbeSelection {
	return ProbeSelection{
		Download:      true,
		Upload:        true,
		Jitter:        true,
		Ping:          true,
		DNS:           true,
		Location:      true,
		JitterSamples: DefaultJitterSamples,
	}
}

// Normalize clamps JitterSamples into its valid range. Zero means default.
func (s ProbeSelection) Normalize() ProbeSelection {
	switch {
	case s.JitterSamples == 0:
		s.JitterSamples = DefaultJitterSamples
	case s.JitterSamples < MinJitterSamples:
		s.JitterSamples = MinJitterSamples
	case s.JitterSamples > MaxJitterSamples:
		s.JitterSamples = MaxJitterSamples
	}
	return s
}

func (s ProbeSelection) Enabled(p Probe) bool {
	switch p {
	case ProbeDownload:
		return s.Download
	case ProbeUpload:
		return s.Upload
	case ProbeJitter:
		return s.Jitter
	case ProbePing:
		return s.Ping
	case ProbeDNS:
		return s.DNS
	case ProbeLocation:
		return s.Location
	}
	return false
}

// Any reports whether at least one probe is enabled.
func (s ProbeSelection) Any() bool {
	for _, p := range ProbeOrder {
		if s.Enabled(p) {
			return true
		}
	}
	return false
}
