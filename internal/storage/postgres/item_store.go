package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

const itemColumns = `id, topic_date, platform, fingerprint, title, url, description, hot_value, rank, rank_change,
	heat_level, is_hot, is_new, task_id, batch_id, agent_id, crawled_at, updated_at`

// The existing row's rank is still visible as raw_items.rank inside DO UPDATE,
// so rank_change is computed from the previous observation in one statement.
// xmax is zero only for a freshly inserted tuple.
const upsertItemSQL = `
	INSERT INTO raw_items (topic_date, platform, fingerprint, title, url, description, hot_value, rank, rank_change,
		heat_level, is_hot, is_new, task_id, batch_id, agent_id, crawled_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12, $13, $14, $15, $15)
	ON CONFLICT (topic_date, platform, fingerprint) DO UPDATE SET
		rank_change = CASE WHEN raw_items.rank > 0 AND EXCLUDED.rank > 0
			THEN raw_items.rank - EXCLUDED.rank ELSE 0 END,
		rank = EXCLUDED.rank,
		hot_value = EXCLUDED.hot_value,
		heat_level = EXCLUDED.heat_level,
		is_hot = EXCLUDED.is_hot,
		is_new = EXCLUDED.is_new,
		url = COALESCE(NULLIF(EXCLUDED.url, ''), raw_items.url),
		description = COALESCE(NULLIF(EXCLUDED.description, ''), raw_items.description),
		task_id = EXCLUDED.task_id,
		batch_id = EXCLUDED.batch_id,
		agent_id = EXCLUDED.agent_id,
		updated_at = EXCLUDED.crawled_at
	RETURNING ` + itemColumns + `, (xmax = 0) AS inserted`

// ItemStore implements crawler.ItemStore.
type ItemStore struct {
	db DB
}

// NewItemStore wraps db.
func NewItemStore(db DB) *ItemStore {
	return &ItemStore{db: db}
}

// UpsertItem inserts item or merges it into the stored row in one statement.
func (s *ItemStore) UpsertItem(ctx context.Context, item crawler.RawItem) (crawler.RawItem, crawler.IngestOutcome, error) {
	row := s.db.QueryRow(ctx, upsertItemSQL,
		item.Date.Time(),
		string(item.Platform),
		string(item.Fingerprint),
		item.Title,
		item.URL,
		item.Description,
		item.HotValue,
		item.Rank,
		item.HeatLevel,
		item.IsHot,
		item.IsNew,
		item.TaskID,
		item.BatchID,
		item.AgentID,
		item.CrawledAt,
	)
	var inserted bool
	stored, err := scanItem(row, &inserted)
	if err != nil {
		return crawler.RawItem{}, "", fmt.Errorf("upsert item %s: %w", item.Key(), err)
	}
	if inserted {
		return stored, crawler.Inserted, nil
	}
	return stored, crawler.Updated, nil
}

// ListItems returns the items of a date ordered by platform then rank.
func (s *ItemStore) ListItems(ctx context.Context, filter crawler.ItemFilter) ([]crawler.RawItem, error) {
	query := psql.Select(itemColumns).From("raw_items").OrderBy("platform", "rank", "id")
	if !filter.Date.IsZero() {
		query = query.Where(sq.Eq{"topic_date": filter.Date.Time()})
	}
	if len(filter.Platforms) > 0 {
		codes := make([]string, len(filter.Platforms))
		for i, code := range filter.Platforms {
			codes[i] = string(code)
		}
		query = query.Where(sq.Eq{"platform": codes})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build item query: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []crawler.RawItem
	for rows.Next() {
		item, err := scanItem(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// scanItem reads itemColumns, plus the inserted flag when inserted is non-nil.
func scanItem(row pgx.Row, inserted *bool) (crawler.RawItem, error) {
	var (
		item     crawler.RawItem
		date     time.Time
		code, fp string
	)
	dest := []any{
		&item.ID,
		&date,
		&code,
		&fp,
		&item.Title,
		&item.URL,
		&item.Description,
		&item.HotValue,
		&item.Rank,
		&item.RankChange,
		&item.HeatLevel,
		&item.IsHot,
		&item.IsNew,
		&item.TaskID,
		&item.BatchID,
		&item.AgentID,
		&item.CrawledAt,
		&item.UpdatedAt,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return crawler.RawItem{}, err
	}
	item.Date = crawler.DateOf(date)
	item.Platform = platform.Code(code)
	item.Fingerprint = crawler.Fingerprint(fp)
	return item, nil
}
