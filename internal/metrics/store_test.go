package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

func TestStoreRunLifecycle(t *testing.T) {
	store := NewStore()

	store.RunStarted()
	if !store.Snapshot().Running {
		t.Fatalf("expected running after RunStarted")
	}

	store.ObserveProbe(types.ProbeDownload, types.StatusOK, 2*time.Second)
	store.ObserveProbe(types.ProbeDownload, types.StatusFailed, time.Second)
	res := types.NewAggregatedResult("r1", time.Now())
	res.DownloadMbps = 88.5
	res.DNSMs = types.DNSUnresolvedMs
	store.ObserveRun("completed", &res, 30*time.Second)

	snap := store.Snapshot()
	if snap.Running || snap.LastOutcome != "completed" || snap.LastRunAt.IsZero() {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if got := testutil.ToFloat64(store.runsTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected 1 completed run got %v", got)
	}
	if got := testutil.ToFloat64(store.probeOutcomes.WithLabelValues("download", "failed")); got != 1 {
		t.Fatalf("expected 1 failed download got %v", got)
	}
	if got := testutil.ToFloat64(store.lastValue.WithLabelValues("download_mbps")); got != 88.5 {
		t.Fatalf("expected last download 88.5 got %v", got)
	}
	if got := testutil.CollectAndCount(store.lastValue); got != 5 {
		t.Fatalf("expected unresolved dns to be skipped, got %d series", got)
	}
}

func TestStoreBackfillRecorder(t *testing.T) {
	store := NewStore()
	var rec BackfillRecorder = store

	rec.ObservePendingBytes(1024)
	rec.AddReplayed(3)
	snap := store.Snapshot()
	if snap.PendingBytes != 1024 || snap.ReplayedTotal != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	rec.ObservePendingBytes(-10)
	if got := store.Snapshot().PendingBytes; got != 0 {
		t.Fatalf("expected clamp to 0 got %d", got)
	}
}

func TestStoreReadinessTransitions(t *testing.T) {
	store := NewStore()
	store.ObserveReadiness(true, "", nil)
	store.ObserveReadiness(false, "store failing", []ReadinessCategory{
		{Name: "STORE_ERROR", Severity: "crit"},
		{Name: "STORE_ERROR", Severity: "critical"},
		{Name: " ", Severity: "info"},
	})

	snap := store.Snapshot()
	if snap.Ready || snap.ReadyReason != "store failing" {
		t.Fatalf("unexpected readiness snapshot: %+v", snap)
	}
	if len(snap.ReadyCategories) != 1 || snap.ReadyCategories[0].Severity != "critical" {
		t.Fatalf("expected deduped categories, got %+v", snap.ReadyCategories)
	}
	if got := testutil.ToFloat64(store.readyCategories.WithLabelValues("STORE_ERROR", "critical")); got != 1 {
		t.Fatalf("expected one transition got %v", got)
	}
}

func TestStoreHandler(t *testing.T) {
	store := NewStore()
	store.IncSaveFailures()
	store.ObservePendingBytes(2048)

	srv := httptest.NewServer(store.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"fluxflow_store_save_failures_total 1",
		"fluxflow_spool_pending_bytes 2048",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
