package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// LogStore keeps execution logs in insertion order.
type LogStore struct {
	mu   sync.RWMutex
	logs []crawler.ExecutionLog
}

// NewLogStore constructs a LogStore.
func NewLogStore() *LogStore {
	return &LogStore{}
}

// AppendLog records entry.
func (s *LogStore) AppendLog(_ context.Context, entry crawler.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

// ListLogs returns matching logs, newest first.
func (s *LogStore) ListLogs(_ context.Context, filter crawler.LogFilter) ([]crawler.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.ExecutionLog, 0)
	for i := len(s.logs) - 1; i >= 0; i-- {
		entry := s.logs[i]
		if filter.Kind != "" && entry.Kind != filter.Kind {
			continue
		}
		if filter.SubjectID != "" && entry.SubjectID != filter.SubjectID {
			continue
		}
		if filter.SourceID != "" && entry.SourceID != filter.SourceID {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// SourceStore keeps sources; attempts are logged into its LogStore under the
// same lock so the log and the counters move together.
type SourceStore struct {
	mu      sync.Mutex
	sources map[string]crawler.Source
	logs    *LogStore
}

// NewSourceStore constructs a SourceStore writing attempts to logs. A nil logs
// gets a private LogStore.
func NewSourceStore(logs *LogStore) *SourceStore {
	if logs == nil {
		logs = NewLogStore()
	}
	return &SourceStore{sources: make(map[string]crawler.Source), logs: logs}
}

// EnsureSource stores src unless it exists.
func (s *SourceStore) EnsureSource(_ context.Context, src crawler.Source) (crawler.Source, error) {
	if src.ID == "" {
		return crawler.Source{}, errors.New("source id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sources[src.ID]; ok {
		return existing, nil
	}
	s.sources[src.ID] = src
	return src, nil
}

// GetSource fetches a source by id.
func (s *SourceStore) GetSource(_ context.Context, id string) (crawler.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.Source{}, crawler.ErrNotFound
	}
	return src, nil
}

// ListSources returns matching sources ordered by id.
func (s *SourceStore) ListSources(_ context.Context, filter crawler.SourceFilter) ([]crawler.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[crawler.Health]struct{}, len(filter.Health))
	for _, h := range filter.Health {
		wanted[h] = struct{}{}
	}
	out := make([]crawler.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if filter.ActiveOnly && !src.Active {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[src.Health]; !ok {
				continue
			}
		}
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateSource applies mutate under the store lock.
func (s *SourceStore) UpdateSource(
	_ context.Context,
	id string,
	mutate func(crawler.Source) (crawler.Source, error),
) (crawler.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.Source{}, crawler.ErrNotFound
	}
	next, err := mutate(src)
	if err != nil {
		return crawler.Source{}, err
	}
	next.ID = id
	s.sources[id] = next
	return next, nil
}

// RecordAttempt logs entry and applies mutate to its source atomically.
func (s *SourceStore) RecordAttempt(
	ctx context.Context,
	entry crawler.ExecutionLog,
	mutate func(crawler.Source) crawler.Source,
) (crawler.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[entry.SourceID]
	if !ok {
		return crawler.Source{}, crawler.ErrNotFound
	}
	if err := s.logs.AppendLog(ctx, entry); err != nil {
		return crawler.Source{}, err
	}
	next := mutate(src)
	next.ID = src.ID
	s.sources[src.ID] = next
	return next, nil
}
