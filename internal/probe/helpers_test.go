package probe

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/fluxflowhq/fluxflow/internal/targets"
)

// lines collects Output calls.
type lines struct {
	mu  sync.Mutex
	out []string
}

func (l *lines) add(line string) {
	l.mu.Lock()
	l.out = append(l.out, line)
	l.mu.Unlock()
}

func (l *lines) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.out...)
}

func statusServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testCatalog() targets.Catalog {
	cat := targets.Default()
	cat.Download = nil
	cat.Upload = nil
	cat.Geo = nil
	return cat
}
