package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

const (
	entrySuffix     = ".json"
	defaultMaxBytes = 64 << 20
)

// Spool keeps results whose save failed, one JSON file per result, so they
// can be replayed into the store later. When the directory exceeds maxBytes
// the oldest entries are dropped.
type Spool struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	now      func() time.Time

	entries []entry
	size    int64
	dropped int64
}

type entry struct {
	name string
	size int64
}

// Batch is a set of spooled results handed out for replay.
type Batch struct {
	Results []types.AggregatedResult
	names   []string
	corrupt []string
}

func (b Batch) Len() int { return len(b.Results) }

// Head returns a batch holding the first n results. Corrupt entries travel
// with every head so acknowledging any part of a batch clears them.
func (b Batch) Head(n int) Batch {
	if n < 0 {
		n = 0
	}
	if n > len(b.Results) {
		n = len(b.Results)
	}
	return Batch{Results: b.Results[:n], names: b.names[:n], corrupt: b.corrupt}
}

func Open(dir string, maxBytes int64) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure spool dir %q: %w", dir, err)
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	s := &Spool{dir: dir, maxBytes: maxBytes, now: time.Now}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Spool) load() error {
	items, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list spool dir %q: %w", s.dir, err)
	}
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		info, err := item.Info()
		if err != nil {
			return fmt.Errorf("stat spool entry %q: %w", item.Name(), err)
		}
		s.entries = append(s.entries, entry{name: item.Name(), size: info.Size()})
		s.size += info.Size()
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].name < s.entries[j].name })
	return nil
}

// Append writes res to the spool.
func (s *Spool) Append(res types.AggregatedResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode spooled result %q: %w", res.RunID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Zero-padded nanoseconds sort in arrival order.
	name := fmt.Sprintf("%020d-%s%s", s.now().UnixNano(), sanitize(res.RunID), entrySuffix)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write spool entry %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit spool entry %q: %w", path, err)
	}

	s.entries = append(s.entries, entry{name: name, size: int64(len(data))})
	s.size += int64(len(data))
	s.enforceCap()
	return nil
}

func (s *Spool) enforceCap() {
	for s.size > s.maxBytes && len(s.entries) > 1 {
		oldest := s.entries[0]
		if err := os.Remove(filepath.Join(s.dir, oldest.name)); err != nil && !os.IsNotExist(err) {
			return
		}
		s.entries = s.entries[1:]
		s.size -= oldest.size
		s.dropped++
	}
}

// ReadBatch returns up to max of the oldest entries without removing them.
func (s *Spool) ReadBatch(max int) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch Batch
	for _, e := range s.entries {
		if max > 0 && len(batch.Results) >= max {
			break
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.name))
		if err != nil {
			return Batch{}, fmt.Errorf("read spool entry %q: %w", e.name, err)
		}
		var res types.AggregatedResult
		if err := json.Unmarshal(data, &res); err != nil {
			// A corrupt entry can never replay; hand it back for removal.
			batch.corrupt = append(batch.corrupt, e.name)
			continue
		}
		batch.Results = append(batch.Results, res)
		batch.names = append(batch.names, e.name)
	}
	return batch, nil
}

// Ack removes the entries in batch.
func (s *Spool) Ack(batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := append(append([]string(nil), batch.names...), batch.corrupt...)
	done := make(map[string]bool, len(names))
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove spool entry %q: %w", name, err)
		}
		done[name] = true
	}

	kept := s.entries[:0]
	for _, e := range s.entries {
		if done[e.name] {
			s.size -= e.size
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return nil
}

func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Spool) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// MaxBytes is the configured cap.
func (s *Spool) MaxBytes() int64 {
	return s.maxBytes
}

// Dropped counts entries discarded to stay under the cap.
func (s *Spool) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func sanitize(id string) string {
	if id == "" {
		return "result"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, id)
}
