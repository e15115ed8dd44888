package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

const topicColumns = `id, topic_date, title, summary, representative_url, keywords, category, fingerprints,
	legacy_item_ids, source_platforms, aggregate_score, topic_count, model, processing_ms, finalized, created_at`

// TopicStore implements crawler.TopicStore. Membership lives in topic_members,
// whose primary key (topic_date, fingerprint) enforces single ownership.
type TopicStore struct {
	db DB
}

// NewTopicStore wraps db.
func NewTopicStore(db DB) *TopicStore {
	return &TopicStore{db: db}
}

// OwnedFingerprints maps every owned fingerprint of date to its topic id.
func (s *TopicStore) OwnedFingerprints(ctx context.Context, date crawler.Date) (map[crawler.Fingerprint]string, error) {
	rows, err := s.db.Query(ctx, "SELECT fingerprint, topic_id FROM topic_members WHERE topic_date = $1", date.Time())
	if err != nil {
		return nil, fmt.Errorf("list owned fingerprints: %w", err)
	}
	defer rows.Close()
	owned := make(map[crawler.Fingerprint]string)
	for rows.Next() {
		var fp, topicID string
		if err := rows.Scan(&fp, &topicID); err != nil {
			return nil, fmt.Errorf("scan owned fingerprint: %w", err)
		}
		owned[crawler.Fingerprint(fp)] = topicID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owned fingerprints: %w", err)
	}
	return owned, nil
}

// SaveTopics inserts topics and their memberships in one transaction. Any
// membership conflict rolls the whole batch back with ErrFingerprintOwned.
func (s *TopicStore) SaveTopics(ctx context.Context, date crawler.Date, topics []crawler.UnifiedTopic) error {
	day := date.Time()
	return inTx(ctx, s.db, func(tx pgx.Tx) error {
		closed, err := dateFinalized(ctx, tx, day)
		if err != nil {
			return err
		}
		if closed {
			return fmt.Errorf("save topics for %s: %w", date, crawler.ErrDateClosed)
		}
		for _, topic := range topics {
			if _, err := tx.Exec(ctx, `
				INSERT INTO unified_topics (id, topic_date, title, summary, representative_url, keywords, category,
					fingerprints, legacy_item_ids, source_platforms, aggregate_score, topic_count, model,
					processing_ms, finalized, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
				topic.ID,
				day,
				topic.Title,
				topic.Summary,
				topic.RepresentativeURL,
				nonNilStrings(topic.Keywords),
				topic.Category,
				fingerprintStrings(topic.Fingerprints),
				nonNilInt64s(topic.LegacyItemIDs),
				codeStrings(topic.SourcePlatforms),
				topic.AggregateScore,
				topic.TopicCount,
				topic.Model,
				topic.ProcessingTime.Milliseconds(),
				topic.Finalized,
				topic.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert topic %s: %w", topic.ID, err)
			}
			fps := fingerprintStrings(topic.Fingerprints)
			tag, err := tx.Exec(ctx, `
				INSERT INTO topic_members (topic_date, fingerprint, topic_id)
				SELECT $1, fp, $3 FROM unnest($2::text[]) AS fp
				ON CONFLICT DO NOTHING`, day, fps, topic.ID)
			if err != nil {
				return fmt.Errorf("insert members of topic %s: %w", topic.ID, err)
			}
			if tag.RowsAffected() != int64(len(fps)) {
				return fmt.Errorf("save topic %s: %w", topic.ID, crawler.ErrFingerprintOwned)
			}
		}
		return nil
	})
}

// ListTopics returns the topics of date in commit order.
func (s *TopicStore) ListTopics(ctx context.Context, date crawler.Date) ([]crawler.UnifiedTopic, error) {
	rows, err := s.db.Query(ctx, "SELECT "+topicColumns+" FROM unified_topics WHERE topic_date = $1 ORDER BY seq", date.Time())
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()
	var topics []crawler.UnifiedTopic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return topics, nil
}

// FinalizeDate closes date and marks its topics final.
func (s *TopicStore) FinalizeDate(ctx context.Context, date crawler.Date) (int, error) {
	var count int
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO finalized_dates (topic_date) VALUES ($1) ON CONFLICT DO NOTHING", date.Time()); err != nil {
			return fmt.Errorf("close date %s: %w", date, err)
		}
		tag, err := tx.Exec(ctx, "UPDATE unified_topics SET finalized = true WHERE topic_date = $1 AND NOT finalized", date.Time())
		if err != nil {
			return fmt.Errorf("finalize topics of %s: %w", date, err)
		}
		count = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DateFinalized reports whether date was closed.
func (s *TopicStore) DateFinalized(ctx context.Context, date crawler.Date) (bool, error) {
	return dateFinalized(ctx, s.db, date.Time())
}

func dateFinalized(ctx context.Context, q querier, day time.Time) (bool, error) {
	var closed bool
	if err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM finalized_dates WHERE topic_date = $1)", day).Scan(&closed); err != nil {
		return false, fmt.Errorf("check finalized date: %w", err)
	}
	return closed, nil
}

func scanTopic(row pgx.Row) (crawler.UnifiedTopic, error) {
	var (
		topic          crawler.UnifiedTopic
		date           time.Time
		fps, platforms []string
		processingMS   int64
	)
	err := row.Scan(
		&topic.ID,
		&date,
		&topic.Title,
		&topic.Summary,
		&topic.RepresentativeURL,
		&topic.Keywords,
		&topic.Category,
		&fps,
		&topic.LegacyItemIDs,
		&platforms,
		&topic.AggregateScore,
		&topic.TopicCount,
		&topic.Model,
		&processingMS,
		&topic.Finalized,
		&topic.CreatedAt,
	)
	if err != nil {
		return crawler.UnifiedTopic{}, err
	}
	topic.Date = crawler.DateOf(date)
	topic.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	topic.Fingerprints = make([]crawler.Fingerprint, len(fps))
	for i, fp := range fps {
		topic.Fingerprints[i] = crawler.Fingerprint(fp)
	}
	topic.SourcePlatforms = make([]platform.Code, len(platforms))
	for i, code := range platforms {
		topic.SourcePlatforms[i] = platform.Code(code)
	}
	return topic, nil
}

func fingerprintStrings(fps []crawler.Fingerprint) []string {
	out := make([]string, len(fps))
	for i, fp := range fps {
		out[i] = string(fp)
	}
	return out
}

func codeStrings(codes []platform.Code) []string {
	out := make([]string, len(codes))
	for i, code := range codes {
		out[i] = string(code)
	}
	return out
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilInt64s(in []int64) []int64 {
	if in == nil {
		return []int64{}
	}
	return in
}
