package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxflowhq/fluxflow/internal/config"
)

func TestBundleCollectsRedactedConfigSpoolAndMetrics(t *testing.T) {
	tmp := t.TempDir()

	configPath := filepath.Join(tmp, "fluxflow.yaml")
	raw := "store:\n  driver: postgres\n  dsn: postgres://flux:hunter2@db:5432/flux\nserver:\n  admin_token: s3cret\n"
	if err := os.WriteFile(configPath, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	spoolDir := filepath.Join(tmp, "spool")
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		t.Fatalf("mkdir spool: %v", err)
	}
	if err := os.WriteFile(filepath.Join(spoolDir, "0001-run.json"), []byte(`{"isp":"x"}`), 0o600); err != nil {
		t.Fatalf("write spool entry: %v", err)
	}

	metricsBody := "" +
		"# HELP fluxflow_spool_pending_bytes Bytes waiting in the spool.\n" +
		"# TYPE fluxflow_spool_pending_bytes gauge\n" +
		"fluxflow_spool_pending_bytes 11\n" +
		"fluxflow_runs_total{outcome=\"completed\"} 4\n" +
		"fluxflow_runs_total{outcome=\"cancelled\"} 1\n" +
		"fluxflow_store_save_failures_total 2\n" +
		"fluxflow_ready 1\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(metricsBody))
	}))
	defer ts.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.Default()
	cfg.Store.Driver = "postgres"
	cfg.Spool.Dir = spoolDir

	output := filepath.Join(tmp, "out", "diag.tar.gz")
	path, err := Bundle(context.Background(), Options{
		ConfigPath:   configPath,
		Config:       cfg,
		OutputPath:   output,
		IncludeSpool: true,
		MetricsURL:   ts.URL,
		Now:          func() time.Time { return time.Date(2025, 10, 23, 15, 4, 5, 0, time.UTC) },
		HTTPClient:   ts.Client(),
		SystemDNS:    func(context.Context) string { return "9.9.9.9" },
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if path != output {
		t.Fatalf("path = %q want %q", path, output)
	}

	entries := readBundle(t, output)
	for _, name := range []string{infoFileName, "config/fluxflow.yaml", "spool/", "spool/0001-run.json", metricsFileName} {
		if _, ok := entries[name]; !ok {
			t.Fatalf("missing entry %q (have %v)", name, keys(entries))
		}
	}

	redacted := entries["config/fluxflow.yaml"]
	if strings.Contains(redacted, "hunter2") || strings.Contains(redacted, "s3cret") {
		t.Fatalf("secrets leaked into bundle:\n%s", redacted)
	}
	if !strings.Contains(redacted, "postgres://flux:REDACTED@db:5432/flux") {
		t.Fatalf("expected dsn password to be masked:\n%s", redacted)
	}

	var info bundleInfo
	if err := json.Unmarshal([]byte(entries[infoFileName]), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.SystemDNS != "9.9.9.9" || info.StoreDriver != "postgres" {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Spool == nil || info.Spool.FileCount != 1 {
		t.Fatalf("unexpected spool summary %+v", info.Spool)
	}
	if info.Metrics == nil {
		t.Fatalf("missing metrics summary")
	}
	if info.Metrics.Runs != 5 || info.Metrics.SaveFailures != 2 || info.Metrics.SpoolPendingBytes != 11 || info.Metrics.Ready != 1 {
		t.Fatalf("unexpected metrics summary %+v", info.Metrics)
	}
	if len(info.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", info.Warnings)
	}
}

func TestBundleWarnsOnMissingInputs(t *testing.T) {
	tmp := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.Default()
	cfg.Spool.Dir = filepath.Join(tmp, "absent")

	output := filepath.Join(tmp, "diag.tar.gz")
	if _, err := Bundle(context.Background(), Options{
		ConfigPath: filepath.Join(tmp, "missing.yaml"),
		Config:     cfg,
		OutputPath: output,
		MetricsURL: "http://127.0.0.1:1/metrics",
		Logger:     logger,
	}); err != nil {
		t.Fatalf("Bundle: %v", err)
	}

	var info bundleInfo
	entries := readBundle(t, output)
	if err := json.Unmarshal([]byte(entries[infoFileName]), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Spool != nil || info.Metrics != nil {
		t.Fatalf("expected no spool or metrics summary, got %+v", info)
	}
	if len(info.Warnings) != 2 {
		t.Fatalf("expected config and metrics warnings, got %v", info.Warnings)
	}
}

func TestRedactSensitive(t *testing.T) {
	input := "token=abc123 Authorization: Bearer supersecret password=hunter2\n  admin_token: letmein\n"
	got := string(redactSensitive([]byte(input)))
	for _, secret := range []string{"abc123", "supersecret", "hunter2", "letmein"} {
		if strings.Contains(got, secret) {
			t.Fatalf("expected %q to be redacted, got %q", secret, got)
		}
	}
	if strings.Count(got, redactedMarker) != 4 {
		t.Fatalf("expected four redactions, got %q", got)
	}
}

func readBundle(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	defer f.Close()
	gzr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gzr.Close()

	out := make(map[string]string)
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read %s: %v", hdr.Name, err)
		}
		out[hdr.Name] = string(data)
	}
	return out
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
