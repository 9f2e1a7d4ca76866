package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS diagnostics_results (
    id            BIGSERIAL PRIMARY KEY,
    run_id        TEXT NOT NULL UNIQUE,
    recorded_at   TIMESTAMPTZ NOT NULL,
    download_mbps DOUBLE PRECISION NOT NULL DEFAULT 0,
    upload_mbps   DOUBLE PRECISION NOT NULL DEFAULT 0,
    jitter_ms     DOUBLE PRECISION NOT NULL DEFAULT 0,
    ping_ms       DOUBLE PRECISION NOT NULL DEFAULT 0,
    packet_loss   DOUBLE PRECISION NOT NULL DEFAULT 0,
    dns_ms        DOUBLE PRECISION,
    dns_server    TEXT NOT NULL DEFAULT 'Unknown',
    country       TEXT NOT NULL DEFAULT 'Unknown',
    isp           TEXT NOT NULL DEFAULT 'Unknown',
    ip_address    TEXT NOT NULL DEFAULT 'Unknown'
);
CREATE INDEX IF NOT EXISTS diagnostics_results_recorded_at_idx ON diagnostics_results (recorded_at DESC);
`

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the results table exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	// Verify connection on startup.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Save(ctx context.Context, res types.AggregatedResult) error {
	const insert = `
INSERT INTO diagnostics_results (
    run_id, recorded_at, download_mbps, upload_mbps, jitter_ms, ping_ms,
    packet_loss, dns_ms, dns_server, country, isp, ip_address
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (run_id) DO NOTHING;
`
	res = rounded(res)
	_, err := p.pool.Exec(ctx, insert,
		res.RunID,
		res.Timestamp,
		res.DownloadMbps,
		res.UploadMbps,
		res.JitterMs,
		res.PingMs,
		res.PacketLossPct,
		nullDNS(res.DNSMs),
		orUnknown(res.DNSServer),
		orUnknown(res.Country),
		orUnknown(res.ISP),
		orUnknown(res.IPAddress),
	)
	if err != nil {
		return fmt.Errorf("insert result %q: %w", res.RunID, err)
	}
	return nil
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]types.AggregatedResult, error) {
	query, args := postgresQuery(f.Normalize())
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := []types.AggregatedResult{}
	for rows.Next() {
		var res types.AggregatedResult
		var dns *float64
		if err := rows.Scan(&res.RunID, &res.Timestamp, &res.DownloadMbps, &res.UploadMbps,
			&res.JitterMs, &res.PingMs, &res.PacketLossPct, &dns, &res.DNSServer,
			&res.Country, &res.ISP, &res.IPAddress); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if dns != nil {
			res.DNSMs = *dns
		}
		res.Timestamp = res.Timestamp.UTC()
		out = append(out, res)
	}
	return out, rows.Err()
}

func postgresQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.From.IsZero() {
		where = append(where, "recorded_at >= "+arg(f.From.UTC()))
	}
	if !f.To.IsZero() {
		where = append(where, "recorded_at <= "+arg(f.To.UTC()))
	}
	if f.Text != "" {
		like := arg("%" + f.Text + "%")
		where = append(where, fmt.Sprintf("(country ILIKE %s OR isp ILIKE %s)", like, like))
	}

	var b strings.Builder
	b.WriteString(`SELECT run_id, recorded_at, download_mbps, upload_mbps, jitter_ms, ping_ms,
       packet_loss, dns_ms, dns_server, country, isp, ip_address
  FROM diagnostics_results`)
	if len(where) > 0 {
		b.WriteString("\n WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString("\n ORDER BY recorded_at DESC")
	b.WriteString("\n LIMIT " + arg(f.Limit))
	b.WriteString(" OFFSET " + arg(f.Offset))
	return b.String(), args
}
