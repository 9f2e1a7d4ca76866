package probe

import (
	"regexp"
	"strconv"

	"github.com/montanaflynn/stats"
)

// PingStats is what ParsePing extracts from ping output.
type PingStats struct {
	Sent     int
	Received int
	LossPct  float64
	AvgMs    float64
	// Method names the strategy that produced AvgMs, empty when none did.
	Method string
}

type countPattern struct {
	re    *regexp.Regexp
	group int
}

var (
	sentPatterns = []countPattern{
		{regexp.MustCompile(`(?i)(\d+)\s*(packets?\s+transmitted|packets?|transmitted|sent)`), 1},
		{regexp.MustCompile(`(?i)sent\s*=\s*(\d+)`), 1},
	}
	receivedPatterns = []countPattern{
		{regexp.MustCompile(`(?i)(\d+)\s*(packets?\s+received|received|recv)`), 1},
		{regexp.MustCompile(`(?i)received\s*=\s*(\d+)`), 1},
	}
)

func (p countPattern) find(output string) (int, bool) {
	m := p.re.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[p.group])
	if err != nil {
		return 0, false
	}
	return n, true
}

func firstCount(patterns []countPattern, output string, fallback int) int {
	for _, p := range patterns {
		if n, ok := p.find(output); ok {
			return n
		}
	}
	return fallback
}

// averageStrategy extracts the mean round-trip time from ping output.
type averageStrategy interface {
	name() string
	average(output string, received int) (float64, bool)
}

// summaryAverage reads a single labelled value such as "Average = 12ms".
type summaryAverage struct {
	label string
	re    *regexp.Regexp
	group int
}

func (s summaryAverage) name() string { return s.label }

func (s summaryAverage) average(output string, _ int) (float64, bool) {
	m := s.re.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[s.group], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// replyMean averages the per-reply "time=" values.
type replyMean struct {
	re *regexp.Regexp
}

func (replyMean) name() string { return "reply-mean" }

func (r replyMean) average(output string, received int) (float64, bool) {
	if received <= 0 {
		return 0, false
	}
	matches := r.re.FindAllStringSubmatch(output, -1)
	times := make([]float64, 0, len(matches))
	for _, m := range matches {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			times = append(times, v)
		}
	}
	mean, err := stats.Mean(times)
	if err != nil {
		return 0, false
	}
	return mean, true
}

var averageStrategies = []averageStrategy{
	summaryAverage{label: "average", re: regexp.MustCompile(`(?i)(Average|avg)\s*[=:]\s*(\d+\.?\d*)\s*ms`), group: 2},
	summaryAverage{label: "rtt", re: regexp.MustCompile(`(?i)rtt.*=\s*[\d.]+/([\d.]+)/[\d.]+/[\d.]+`), group: 1},
	summaryAverage{label: "round-trip", re: regexp.MustCompile(`(?i)round-trip.*=\s*[\d.]+/([\d.]+)/[\d.]+/[\d.]+`), group: 1},
	replyMean{re: regexp.MustCompile(`(?i)time[=<]\s*(\d+\.?\d*)\s*ms`)},
}

// ParsePing extracts counts, loss and average latency from the output of
// the platform ping command. count is assumed sent when no count is found.
func ParsePing(output string, count int) PingStats {
	st := PingStats{
		Sent:     firstCount(sentPatterns, output, count),
		Received: firstCount(receivedPatterns, output, 0),
	}
	if st.Sent > 0 {
		st.LossPct = float64(st.Sent-st.Received) * 100 / float64(st.Sent)
		if st.LossPct < 0 {
			st.LossPct = 0
		}
	}

	for _, strategy := range averageStrategies {
		if avg, ok := strategy.average(output, st.Received); ok {
			st.AvgMs = avg
			st.Method = strategy.name()
			break
		}
	}
	return st
}
