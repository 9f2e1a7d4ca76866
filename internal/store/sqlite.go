package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// Fixed-width UTC timestamps keep lexical and chronological order equal.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    download REAL, upload REAL, jitter REAL, ping REAL,
    packet_loss REAL, country TEXT, isp TEXT,
    ip_address TEXT, dns REAL, dns_server TEXT
);
CREATE INDEX IF NOT EXISTS idx_timestamp ON tests(timestamp);
`

// SQLiteStore keeps history in a local SQLite file using the same tests table
// layout as earlier desktop releases, plus a run_id column.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + path
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(tests)`)
	if err != nil {
		return fmt.Errorf("inspect sqlite schema: %w", err)
	}
	hasRunID := false
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &primaryKey); err != nil {
			rows.Close()
			return fmt.Errorf("inspect sqlite schema: %w", err)
		}
		if name == "run_id" {
			hasRunID = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect sqlite schema: %w", err)
	}

	if !hasRunID {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE tests ADD COLUMN run_id TEXT`); err != nil {
			return fmt.Errorf("add run_id column: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, res types.AggregatedResult) error {
	const insert = `
INSERT INTO tests (
    run_id, timestamp, download, upload, jitter, ping,
    packet_loss, country, isp, ip_address, dns, dns_server
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res = rounded(res)
	_, err := s.db.ExecContext(ctx, insert,
		res.RunID,
		res.Timestamp.Format(sqliteTimeLayout),
		res.DownloadMbps,
		res.UploadMbps,
		res.JitterMs,
		res.PingMs,
		res.PacketLossPct,
		orUnknown(res.Country),
		orUnknown(res.ISP),
		orUnknown(res.IPAddress),
		nullDNS(res.DNSMs),
		orUnknown(res.DNSServer),
	)
	if err != nil {
		return fmt.Errorf("insert result %q: %w", res.RunID, err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]types.AggregatedResult, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	if !f.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.From.UTC().Format(sqliteTimeLayout))
	}
	if !f.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.To.UTC().Format(sqliteTimeLayout))
	}
	if f.Text != "" {
		where = append(where, "(country LIKE ? OR isp LIKE ?)")
		like := "%" + f.Text + "%"
		args = append(args, like, like)
	}

	query := `SELECT COALESCE(run_id, ''), timestamp, download, upload, jitter, ping,
       packet_loss, country, isp, ip_address, dns, dns_server FROM tests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := []types.AggregatedResult{}
	for rows.Next() {
		var (
			res                            types.AggregatedResult
			ts                             string
			download, upload, jitter, ping sql.NullFloat64
			loss, dns                      sql.NullFloat64
			country, isp, ip, dnsServer    sql.NullString
		)
		if err := rows.Scan(&res.RunID, &ts, &download, &upload, &jitter, &ping,
			&loss, &country, &isp, &ip, &dns, &dnsServer); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		res.Timestamp = parseSQLiteTime(ts)
		res.DownloadMbps = download.Float64
		res.UploadMbps = upload.Float64
		res.JitterMs = jitter.Float64
		res.PingMs = ping.Float64
		res.PacketLossPct = loss.Float64
		res.DNSMs = dns.Float64
		res.Country = orUnknown(country.String)
		res.ISP = orUnknown(isp.String)
		res.IPAddress = orUnknown(ip.String)
		res.DNSServer = orUnknown(dnsServer.String)
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// parseSQLiteTime accepts our own layout and the naive local ISO timestamps
// written by older releases.
func parseSQLiteTime(v string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC()
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999", v, time.Local); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func nullDNS(v float64) any {
	if v <= 0 {
		return nil
	}
	return v
}
