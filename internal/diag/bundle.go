// Package diag collects a support bundle: the redacted configuration, a
// summary of the spool, a metrics scrape from a running server and host
// details, written as a tar.gz archive.
package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxflowhq/fluxflow/internal/config"
)

const (
	defaultOutputPrefix = "fluxflow-diag-"
	infoFileName        = "diagnostics/info.json"
	configDirName       = "config"
	spoolDirName        = "spool"
	metricsFileName     = "observability/metrics.prom"
	redactedMarker      = "REDACTED"
)

type redaction struct {
	pattern *regexp.Regexp
	repl    string
}

var redactions = []redaction{
	{regexp.MustCompile(`(?im)^(\s*(?:admin_token|token|password|secret)\s*:\s*)\S.*$`), "${1}" + redactedMarker},
	{regexp.MustCompile(`(://[^:/@\s]+:)[^@\s]+(@)`), "${1}" + redactedMarker + "${2}"},
	{regexp.MustCompile(`(?i)(password=)[^&\s"']+`), "${1}" + redactedMarker},
	{regexp.MustCompile(`(?i)(token=)[^&\s"']+`), "${1}" + redactedMarker},
	{regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)[A-Za-z0-9._\-]+`), "${1}" + redactedMarker},
}

// Options controls what goes into the bundle. Zero values pick defaults.
type Options struct {
	ConfigPath     string
	Config         config.Config
	OutputPath     string
	IncludeSpool   bool
	MetricsURL     string
	MetricsTimeout time.Duration

	Now        func() time.Time
	HTTPClient *http.Client
	SystemDNS  func(ctx context.Context) string
	Logger     logrus.FieldLogger
}

// Bundle writes the archive and returns its path. Missing inputs become
// warnings in diagnostics/info.json rather than errors.
func Bundle(ctx context.Context, opts Options) (string, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MetricsTimeout <= 0 {
		opts.MetricsTimeout = 3 * time.Second
	}

	now := opts.Now().UTC()
	outPath := opts.OutputPath
	if outPath == "" {
		outPath = fmt.Sprintf("%s%s.tar.gz", defaultOutputPrefix, now.Format("20060102T150405Z"))
	}
	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("ensure output directory %q: %w", dir, err)
		}
	}

	info := bundleInfo{
		GeneratedAt: now.Format(time.RFC3339),
		OutputPath:  outPath,
		ConfigPath:  opts.ConfigPath,
		StoreDriver: opts.Config.Store.Driver,
		Schedules:   len(opts.Config.Schedules),
		GoVersion:   runtime.Version(),
		GOOS:        runtime.GOOS,
		GOARCH:      runtime.GOARCH,
	}
	if opts.SystemDNS != nil {
		info.SystemDNS = opts.SystemDNS(ctx)
	}

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create diagnostics file %q: %w", outPath, err)
	}
	defer outFile.Close()
	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		switch {
		case err == nil:
			name := filepath.ToSlash(filepath.Join(configDirName, filepath.Base(opts.ConfigPath)))
			if err := addBytes(tw, redactSensitive(data), name, now); err != nil {
				info.warn("include config %q: %v", opts.ConfigPath, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			info.warn("config %q not found, defaults in use", opts.ConfigPath)
		default:
			info.warn("read config %q: %v", opts.ConfigPath, err)
		}
	}

	if spoolDir := opts.Config.Spool.Dir; spoolDir != "" {
		if summary, err := summarizeSpool(spoolDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				info.warn("summarize spool %q: %v", spoolDir, err)
			}
		} else {
			info.Spool = summary
			if opts.IncludeSpool {
				if err := addDir(tw, spoolDir, spoolDirName); err != nil {
					info.warn("include spool %q: %v", spoolDir, err)
				}
			}
		}
	}

	if opts.MetricsURL != "" {
		client := opts.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: opts.MetricsTimeout}
		}
		scrapeCtx, cancel := context.WithTimeout(ctx, opts.MetricsTimeout)
		data, err := scrapeMetrics(scrapeCtx, client, opts.MetricsURL)
		cancel()
		if err != nil {
			info.warn("metrics scrape failed: %v", err)
		} else {
			if err := addBytes(tw, data, metricsFileName, now); err != nil {
				info.warn("include metrics snapshot: %v", err)
			}
			summary, warns := summarizeMetrics(data, opts.MetricsURL)
			info.Metrics = summary
			info.Warnings = append(info.Warnings, warns...)
		}
	}

	if err := writeInfo(tw, info, now); err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("finish tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("finish gzip: %w", err)
	}
	opts.Logger.WithFields(logrus.Fields{
		"path":     outPath,
		"warnings": len(info.Warnings),
	}).Info("diagnostics bundle written")
	return outPath, nil
}

func writeInfo(tw *tar.Writer, info bundleInfo, now time.Time) error {
	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostics info: %w", err)
	}
	return addBytes(tw, payload, infoFileName, now)
}

func addBytes(tw *tar.Writer, data []byte, name string, modTime time.Time) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar content for %q: %w", name, err)
	}
	return nil
}

func addDir(tw *tar.Writer, dir, base string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(base, rel))
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		if d.IsDir() {
			header.Name = strings.TrimSuffix(name, "/") + "/"
			return tw.WriteHeader(header)
		}
		header.Name = name
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		_, err = io.Copy(tw, file)
		return err
	})
}

func summarizeSpool(dir string) (*spoolSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	summary := &spoolSummary{Path: dir}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, err
		}
		summary.FileCount++
		summary.TotalSize += fi.Size()
	}
	return summary, nil
}

func redactSensitive(data []byte) []byte {
	text := string(data)
	for _, r := range redactions {
		text = r.pattern.ReplaceAllString(text, r.repl)
	}
	return []byte(text)
}

func scrapeMetrics(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func summarizeMetrics(data []byte, url string) (*metricsSummary, []string) {
	summary := &metricsSummary{URL: url}
	var warnings []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := metricName(line)
		var target *float64
		switch name {
		case "fluxflow_spool_pending_bytes":
			target = &summary.SpoolPendingBytes
		case "fluxflow_store_save_failures_total":
			target = &summary.SaveFailures
		case "fluxflow_ready":
			target = &summary.Ready
		case "fluxflow_runs_total":
			target = &summary.Runs
		default:
			continue
		}
		val, err := parseMetricValue(line)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("parse %s: %v", name, err))
			continue
		}
		// runs_total has one series per outcome.
		*target += val
	}
	return summary, warnings
}

func metricName(line string) string {
	if idx := strings.IndexAny(line, "{ "); idx >= 0 {
		return line[:idx]
	}
	return line
}

func parseMetricValue(line string) (float64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("invalid metric line %q", line)
	}
	return strconv.ParseFloat(fields[len(fields)-1], 64)
}

type bundleInfo struct {
	GeneratedAt string          `json:"generated_at"`
	OutputPath  string          `json:"output_path"`
	ConfigPath  string          `json:"config_path,omitempty"`
	StoreDriver string          `json:"store_driver,omitempty"`
	Schedules   int             `json:"schedules"`
	SystemDNS   string          `json:"system_dns,omitempty"`
	Spool       *spoolSummary   `json:"spool,omitempty"`
	Metrics     *metricsSummary `json:"metrics,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	GoVersion   string          `json:"go_version"`
	GOOS        string          `json:"goos"`
	GOARCH      string          `json:"goarch"`
}

func (b *bundleInfo) warn(format string, args ...any) {
	b.Warnings = append(b.Warnings, fmt.Sprintf(format, args...))
}

type spoolSummary struct {
	Path      string `json:"path"`
	FileCount int    `json:"file_count"`
	TotalSize int64  `json:"total_size_bytes"`
}

type metricsSummary struct {
	URL               string  `json:"url"`
	Runs              float64 `json:"runs_total"`
	SaveFailures      float64 `json:"store_save_failures_total"`
	SpoolPendingBytes float64 `json:"spool_pending_bytes"`
	Ready             float64 `json:"ready"`
}
