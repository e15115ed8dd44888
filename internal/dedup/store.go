// Package dedup records observed items exactly once per (date, platform,
// fingerprint). A repeat observation on the same day updates the ranking
// fields in place; rows of past days are never written again.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/fingerprint"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

// Payload is the observed content plus its provenance.
type Payload struct {
	crawler.Observation
	TaskID    string
	BatchID   string
	AgentID   string
	CrawledAt time.Time
}

// Store guards an ItemStore with date-bucket rules.
type Store struct {
	items crawler.ItemStore
	clock crawler.Clock
}

// NewStore wraps items. clock decides which day is "today".
func NewStore(items crawler.ItemStore, clock crawler.Clock) *Store {
	return &Store{items: items, clock: clock}
}

// Ingest inserts or updates the item identified by (date, code, fp). Duplicate
// observations are an Updated outcome, never an error. Writes to a day before
// today fail with crawler.ErrDateClosed.
func (s *Store) Ingest(
	ctx context.Context,
	date crawler.Date,
	code platform.Code,
	fp crawler.Fingerprint,
	payload Payload,
) (crawler.IngestOutcome, crawler.RawItem, error) {
	if date.IsZero() {
		return "", crawler.RawItem{}, fmt.Errorf("ingest: %w: missing date", crawler.ErrInvalid)
	}
	if !code.Valid() {
		return "", crawler.RawItem{}, fmt.Errorf("ingest: %w: platform %q", crawler.ErrInvalid, code)
	}
	if !fingerprint.Valid(fp) {
		return "", crawler.RawItem{}, fmt.Errorf("ingest: %w: fingerprint %q", crawler.ErrInvalid, fp)
	}
	now := s.clock.Now()
	if date.Before(crawler.DateOf(now)) {
		return "", crawler.RawItem{}, fmt.Errorf("ingest %s: %w", date, crawler.ErrDateClosed)
	}
	crawledAt := payload.CrawledAt
	if crawledAt.IsZero() {
		crawledAt = now
	}
	item := crawler.RawItem{
		Date:        date,
		Platform:    code,
		Fingerprint: fp,
		Title:       payload.Title,
		URL:         payload.URL,
		Description: payload.Description,
		HotValue:    payload.HotValue,
		Rank:        payload.Rank,
		HeatLevel:   payload.HeatLevel,
		IsHot:       payload.IsHot,
		IsNew:       payload.IsNew,
		TaskID:      payload.TaskID,
		BatchID:     payload.BatchID,
		AgentID:     payload.AgentID,
		CrawledAt:   crawledAt,
	}
	stored, outcome, err := s.items.UpsertItem(ctx, item)
	if err != nil {
		return "", crawler.RawItem{}, fmt.Errorf("upsert item: %w", err)
	}
	return outcome, stored, nil
}
