package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fluxflowhq/fluxflow/internal/config"
	"github.com/fluxflowhq/fluxflow/internal/logging"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(id string, offset time.Duration, country, isp string) types.AggregatedResult {
	res := types.NewAggregatedResult(id, base.Add(offset))
	res.DownloadMbps = 95.123456
	res.UploadMbps = 12.5
	res.PingMs = 14.0004
	res.Country = country
	res.ISP = isp
	return res
}

func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	for _, res := range []types.AggregatedResult{
		sample("r1", 0, "Germany", "Deutsche Telekom"),
		sample("r2", time.Hour, "Iran", "Irancell"),
		sample("r3", 2*time.Hour, "Germany", "Vodafone"),
		sample("r4", 3*time.Hour, "Canada", "Rogers"),
	} {
		if err := s.Save(ctx, res); err != nil {
			t.Fatalf("Save(%s): %v", res.RunID, err)
		}
	}
}

func ids(results []types.AggregatedResult) string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.RunID
	}
	return strings.Join(out, ",")
}

// exerciseStore runs the behaviour every driver must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	seed(t, s)

	all, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := ids(all); got != "r4,r3,r2,r1" {
		t.Fatalf("expected newest first, got %s", got)
	}
	if all[3].DownloadMbps != 95.123 || all[3].PingMs != 14 {
		t.Fatalf("expected values rounded to 3 decimals, got %+v", all[3])
	}
	if all[3].DNSMs != 0 || all[3].DNSServer != types.Unknown {
		t.Fatalf("unexpected dns fields: %+v", all[3])
	}

	window, err := s.Query(ctx, Filter{From: base.Add(30 * time.Minute), To: base.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("Query window: %v", err)
	}
	if got := ids(window); got != "r3,r2" {
		t.Fatalf("unexpected window result %s", got)
	}

	search, err := s.Query(ctx, Filter{Text: "germ"})
	if err != nil {
		t.Fatalf("Query search: %v", err)
	}
	if got := ids(search); got != "r3,r1" {
		t.Fatalf("unexpected country search %s", got)
	}

	search, err = s.Query(ctx, Filter{Text: "rogers"})
	if err != nil {
		t.Fatalf("Query search: %v", err)
	}
	if got := ids(search); got != "r4" {
		t.Fatalf("unexpected isp search %s", got)
	}

	page, err := s.Query(ctx, Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Query page: %v", err)
	}
	if got := ids(page); got != "r3,r2" {
		t.Fatalf("unexpected page %s", got)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fluxflow.db")
	s, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	exerciseStore(t, s)

	res := sample("dns", 5*time.Hour, "Japan", "NTT")
	res.DNSMs = 23.4567
	res.DNSServer = "192.168.1.1"
	if err := s.Save(ctx, res); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Query(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got[0].DNSMs != 23.457 || got[0].DNSServer != "192.168.1.1" || !got[0].Timestamp.Equal(res.Timestamp) {
		t.Fatalf("unexpected round trip: %+v", got[0])
	}

	var nullCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tests WHERE dns IS NULL`).Scan(&nullCount); err != nil {
		t.Fatalf("count null dns: %v", err)
	}
	if nullCount != 4 {
		t.Fatalf("expected unmeasured dns stored as NULL, got %d rows", nullCount)
	}
}

func TestSQLiteStoreUpgradesLegacyTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if _, err := legacy.db.ExecContext(ctx, `DROP TABLE tests`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := legacy.db.ExecContext(ctx, `CREATE TABLE tests (
        id INTEGER PRIMARY KEY AUTOINCREMENT, timestamp TEXT,
        download REAL, upload REAL, jitter REAL, ping REAL,
        packet_loss REAL, country TEXT, isp TEXT, ip_address TEXT,
        dns REAL, dns_server TEXT)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if _, err := legacy.db.ExecContext(ctx, `INSERT INTO tests (timestamp, download, country, isp)
        VALUES ('2024-05-01T10:00:00.123456', 50.5, 'Iran', NULL)`); err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
	legacy.Close()

	s, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].DownloadMbps != 50.5 || got[0].ISP != types.Unknown || got[0].RunID != "" {
		t.Fatalf("unexpected legacy rows: %+v", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatalf("expected legacy timestamp to parse")
	}
}

func TestFilterNormalize(t *testing.T) {
	f := Filter{Text: "  " + strings.Repeat("a", 80) + " ", Offset: -3}.Normalize()
	if len(f.Text) != 50 || f.Limit != DefaultLimit || f.Offset != 0 {
		t.Fatalf("unexpected normalized filter: %+v", f)
	}
}

func TestPostgresQueryBuilder(t *testing.T) {
	query, args := postgresQuery(Filter{From: base, Text: "tele", Limit: 10, Offset: 20})
	for _, want := range []string{"recorded_at >= $1", "country ILIKE $2 OR isp ILIKE $2", "LIMIT $3 OFFSET $4", "ORDER BY recorded_at DESC"} {
		if !strings.Contains(query, want) {
			t.Fatalf("expected %q in query:\n%s", want, query)
		}
	}
	if len(args) != 4 || args[1] != "%tele%" || args[2] != 10 || args[3] != 20 {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestInfluxPointRoundTrip(t *testing.T) {
	res := sample("run-9", 0, "Germany", "Vodafone")
	res.DNSMs = 9.87654

	point := resultPoint(res)
	if point.Name() != influxMeasurement {
		t.Fatalf("unexpected measurement %q", point.Name())
	}

	values := map[string]interface{}{}
	for _, tag := range point.TagList() {
		values[tag.Key] = tag.Value
	}
	for _, field := range point.FieldList() {
		values[field.Key] = field.Value
	}
	got := recordResult(point.Time(), values)
	if got.RunID != "run-9" || got.Country != "Germany" || got.ISP != "Vodafone" {
		t.Fatalf("unexpected decoded result: %+v", got)
	}
	if got.DownloadMbps != 95.123 || got.DNSMs != 9.877 {
		t.Fatalf("unexpected decoded values: %+v", got)
	}

	q := influxQuery("fluxflow", Filter{From: base})
	if !strings.Contains(q, `from(bucket: "fluxflow")`) || !strings.Contains(q, "range(start: 2025-03-01T12:00:00Z, stop: now())") {
		t.Fatalf("unexpected flux query:\n%s", q)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	logger := logging.Discard()

	s, err := Open(ctx, config.StoreConfig{Driver: "memory"}, logger)
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}

	if _, err := Open(ctx, config.StoreConfig{Driver: "cassandra"}, logger); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestParseBound(t *testing.T) {
	from, err := ParseBound("2025-02-03", false)
	if err != nil {
		t.Fatalf("ParseBound: %v", err)
	}
	if want := time.Date(2025, 2, 3, 0, 0, 0, 0, time.Local); !from.Equal(want) {
		t.Fatalf("lower bound %v want %v", from, want)
	}
	to, err := ParseBound("2025-02-03", true)
	if err != nil {
		t.Fatalf("ParseBound: %v", err)
	}
	if want := time.Date(2025, 2, 3, 23, 59, 59, 999999999, time.Local); !to.Equal(want) {
		t.Fatalf("upper bound %v want %v", to, want)
	}
	exact, err := ParseBound("2025-02-03T10:00:00Z", true)
	if err != nil || !exact.Equal(time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected RFC 3339 bound %v (%v)", exact, err)
	}
	if zero, err := ParseBound(" ", false); err != nil || !zero.IsZero() {
		t.Fatalf("expected open bound, got %v (%v)", zero, err)
	}
	if _, err := ParseBound("03/02/2025", false); err == nil {
		t.Fatalf("expected error for unsupported layout")
	}
}
