package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(hub)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ev types.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	hub.Record(types.Event{Type: types.EventProgress, RunID: "r1", Percent: 25, Stage: "Testing upload..."})
	ev := readEvent(t, conn)
	if ev.Type != types.EventProgress || ev.Percent != 25 || ev.RunID != "r1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHubReplaysCurrentRunToLateClients(t *testing.T) {
	hub, url := startHub(t)

	hub.Record(types.Event{Type: types.EventOutput, RunID: "old", Text: "stale"})
	hub.Record(types.Event{Type: types.EventOutput, RunID: "r2", Text: "Network connection verified."})
	hub.Record(types.Event{Type: types.EventProgress, RunID: "r2", Percent: 50})

	conn := dial(t, url)
	first := readEvent(t, conn)
	second := readEvent(t, conn)
	if first.RunID != "r2" || first.Text != "Network connection verified." || second.Percent != 50 {
		t.Fatalf("unexpected replay: %+v %+v", first, second)
	}
}

func TestHubReplayKeepsLatestEvents(t *testing.T) {
	hub, url := startHub(t)

	total := replayLimit + 44
	for i := 0; i < total; i++ {
		hub.Record(types.Event{Type: types.EventProgress, RunID: "long", Percent: i % 100, Text: strconv.Itoa(i)})
	}

	conn := dial(t, url)
	first := readEvent(t, conn)
	if first.Text != strconv.Itoa(total-replayLimit) {
		t.Fatalf("expected replay to start at event %d, got %q", total-replayLimit, first.Text)
	}
	waitClients(t, hub, 1)

	// Everything still buffered arrives before the terminal event.
	hub.Record(types.Event{Type: types.EventCompleted, RunID: "long"})
	last := first
	for i := 1; i < replayLimit; i++ {
		last = readEvent(t, conn)
	}
	if last.Text != strconv.Itoa(total-1) {
		t.Fatalf("expected last replayed event %d, got %q", total-1, last.Text)
	}
	if ev := readEvent(t, conn); ev.Type != types.EventCompleted {
		t.Fatalf("expected completed after the replay, got %+v", ev)
	}
}

func TestHubClearsReplayAfterTerminalEvent(t *testing.T) {
	hub, url := startHub(t)

	hub.Record(types.Event{Type: types.EventOutput, RunID: "done", Text: "Ping complete."})
	hub.Record(types.Event{Type: types.EventFatal, RunID: "done", Kind: types.FatalCancelled, Text: "Test cancelled."})

	conn := dial(t, url)
	waitClients(t, hub, 1)
	hub.Record(types.Event{Type: types.EventProgress, RunID: "next", Percent: 10})

	ev := readEvent(t, conn)
	if ev.RunID != "next" || ev.Percent != 10 {
		t.Fatalf("expected only the new run's event, got %+v", ev)
	}
}

func TestHubDisconnectsOnShutdown(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitClients(t, hub, 1)
	cancel()
	<-done

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close")
	}
	if hub.Count() != 0 {
		t.Fatalf("expected no clients after shutdown")
	}
}
