package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// ItemStore keeps raw items keyed by (date, platform, fingerprint).
type ItemStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[string]crawler.RawItem
}

// NewItemStore constructs an ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{items: make(map[string]crawler.RawItem)}
}

// UpsertItem inserts item or merges its mutable fields into the stored row.
func (s *ItemStore) UpsertItem(_ context.Context, item crawler.RawItem) (crawler.RawItem, crawler.IngestOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := item.Key()
	existing, ok := s.items[key]
	if !ok {
		s.nextID++
		item.ID = s.nextID
		item.RankChange = 0
		item.UpdatedAt = item.CrawledAt
		s.items[key] = item
		return item, crawler.Inserted, nil
	}
	existing.RankChange = crawler.RankChange(existing.Rank, item.Rank)
	existing.Rank = item.Rank
	existing.HotValue = item.HotValue
	existing.HeatLevel = item.HeatLevel
	existing.IsHot = item.IsHot
	existing.IsNew = item.IsNew
	if item.URL != "" {
		existing.URL = item.URL
	}
	if item.Description != "" {
		existing.Description = item.Description
	}
	existing.TaskID = item.TaskID
	existing.BatchID = item.BatchID
	existing.AgentID = item.AgentID
	existing.UpdatedAt = item.CrawledAt
	s.items[key] = existing
	return existing, crawler.Updated, nil
}

// ListItems returns the items of a date, ordered by platform then rank.
func (s *ItemStore) ListItems(_ context.Context, filter crawler.ItemFilter) ([]crawler.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := make(map[string]struct{}, len(filter.Platforms))
	for _, code := range filter.Platforms {
		allowed[string(code)] = struct{}{}
	}
	out := make([]crawler.RawItem, 0)
	for _, item := range s.items {
		if !filter.Date.IsZero() && item.Date != filter.Date {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[string(item.Platform)]; !ok {
				continue
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
