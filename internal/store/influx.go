package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/fluxflowhq/fluxflow/internal/config"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const influxMeasurement = "diagnostics"

// InfluxStore writes each result as one point in the diagnostics measurement.
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
}

func NewInfluxStore(ctx context.Context, cfg config.InfluxConfig) (*InfluxStore, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx store needs url, org and bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	s := &InfluxStore{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
	}
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *InfluxStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb health status %q: %s", health.Status, msg)
	}
	return nil
}

func (s *InfluxStore) Close() error {
	s.client.Close()
	return nil
}

func (s *InfluxStore) Save(ctx context.Context, res types.AggregatedResult) error {
	if err := s.writeAPI.WritePoint(ctx, resultPoint(res)); err != nil {
		return fmt.Errorf("write result %q: %w", res.RunID, err)
	}
	return nil
}

func resultPoint(res types.AggregatedResult) *write.Point {
	res = rounded(res)
	fields := map[string]interface{}{
		"run_id":      res.RunID,
		"download":    res.DownloadMbps,
		"upload":      res.UploadMbps,
		"jitter":      res.JitterMs,
		"ping":        res.PingMs,
		"packet_loss": res.PacketLossPct,
		"dns_server":  orUnknown(res.DNSServer),
		"ip_address":  orUnknown(res.IPAddress),
	}
	if res.DNSMs > 0 {
		fields["dns"] = res.DNSMs
	}
	tags := map[string]string{
		"country": orUnknown(res.Country),
		"isp":     orUnknown(res.ISP),
	}
	return influxdb2.NewPoint(influxMeasurement, tags, fields, res.Timestamp)
}

// Query pulls the window from InfluxDB and applies text search and paging
// locally, since Flux has no case-insensitive substring match on tags.
func (s *InfluxStore) Query(ctx context.Context, f Filter) ([]types.AggregatedResult, error) {
	f = f.Normalize()

	result, err := s.queryAPI.Query(ctx, influxQuery(s.bucket, f))
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer result.Close()

	var matched []types.AggregatedResult
	for result.Next() {
		res := recordResult(result.Record().Time(), result.Record().Values())
		if f.Matches(res) {
			matched = append(matched, res)
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("read query results: %w", result.Err())
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if f.Offset >= len(matched) {
		return []types.AggregatedResult{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func influxQuery(bucket string, f Filter) string {
	start := "0"
	if !f.From.IsZero() {
		start = f.From.UTC().Format(time.RFC3339Nano)
	}
	stop := "now()"
	if !f.To.IsZero() {
		// range stop is exclusive
		stop = f.To.UTC().Add(time.Nanosecond).Format(time.RFC3339Nano)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", start, stop)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q)\n", influxMeasurement)
	b.WriteString("  |> pivot(rowKey: [\"_time\"], columnKey: [\"_field\"], valueColumn: \"_value\")\n")
	b.WriteString("  |> group()\n")
	b.WriteString("  |> sort(columns: [\"_time\"], desc: true)\n")
	return b.String()
}

func recordResult(ts time.Time, values map[string]interface{}) types.AggregatedResult {
	res := types.NewAggregatedResult(stringValue(values["run_id"]), ts.UTC())
	res.DownloadMbps = floatValue(values["download"])
	res.UploadMbps = floatValue(values["upload"])
	res.JitterMs = floatValue(values["jitter"])
	res.PingMs = floatValue(values["ping"])
	res.PacketLossPct = floatValue(values["packet_loss"])
	res.DNSMs = floatValue(values["dns"])
	res.DNSServer = orUnknown(stringValue(values["dns_server"]))
	res.IPAddress = orUnknown(stringValue(values["ip_address"]))
	res.Country = orUnknown(stringValue(values["country"]))
	res.ISP = orUnknown(stringValue(values["isp"]))
	return res
}

func floatValue(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}
