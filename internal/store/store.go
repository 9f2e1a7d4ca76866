package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxflowhq/fluxflow/internal/config"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const (
	DefaultLimit  = 100
	maxSearchText = 50
)

// ErrUnknownDriver is returned by Open for unsupported store.driver values.
var ErrUnknownDriver = errors.New("unknown store driver")

// Filter narrows a history query. Zero times leave that end open.
type Filter struct {
	From   time.Time
	To     time.Time
	Text   string
	Limit  int
	Offset int
}

// Store persists aggregated results and answers history queries, newest first.
type Store interface {
	Save(ctx context.Context, res types.AggregatedResult) error
	Query(ctx context.Context, f Filter) ([]types.AggregatedResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger logrus.FieldLogger) (Store, error) {
	log := logger.WithField("driver", cfg.Driver)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		log.WithField("path", cfg.DSN).Info("opening sqlite result store")
		return NewSQLiteStore(ctx, cfg.DSN)
	case "postgres", "postgresql":
		log.Info("connecting to postgres result store")
		return NewPostgresStore(ctx, cfg.DSN)
	case "influx", "influxdb":
		log.WithField("url", cfg.Influx.URL).Info("connecting to influxdb result store")
		return NewInfluxStore(ctx, cfg.Influx)
	case "memory":
		log.Warn("using in-memory result store, history is lost on exit")
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDriver, cfg.Driver)
}

// Normalize applies the default page size and caps the search text.
func (f Filter) Normalize() Filter {
	f.Text = strings.TrimSpace(f.Text)
	if r := []rune(f.Text); len(r) > maxSearchText {
		f.Text = string(r[:maxSearchText])
	}
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether res passes the time window and text search.
func (f Filter) Matches(res types.AggregatedResult) bool {
	if !f.From.IsZero() && res.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && res.Timestamp.After(f.To) {
		return false
	}
	if f.Text == "" {
		return true
	}
	needle := strings.ToLower(f.Text)
	return strings.Contains(strings.ToLower(res.Country), needle) ||
		strings.Contains(strings.ToLower(res.ISP), needle)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// rounded returns res with its measurements rounded for storage.
func rounded(res types.AggregatedResult) types.AggregatedResult {
	res.DownloadMbps = round3(res.DownloadMbps)
	res.UploadMbps = round3(res.UploadMbps)
	res.JitterMs = round3(res.JitterMs)
	res.PingMs = round3(res.PingMs)
	res.PacketLossPct = round3(res.PacketLossPct)
	res.DNSMs = round3(res.DNSMs)
	res.Timestamp = res.Timestamp.UTC()
	return res
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return types.Unknown
	}
	return v
}

// ParseBound reads a history window bound given as RFC 3339 or as a plain
// local date. A plain date used as the upper bound covers the whole day.
func ParseBound(value string, upper bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	day, err := time.ParseInLocation("2006-01-02", value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time bound %q: want YYYY-MM-DD or RFC 3339", value)
	}
	if upper {
		return day.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return day, nil
}
