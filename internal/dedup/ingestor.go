package dedup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/fingerprint"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

// Batch identifies one fetch of one platform.
type Batch struct {
	ID      string
	TaskID  string
	AgentID string
}

// BatchResult lists the stored rows by outcome. Observations whose title
// normalizes to nothing are counted in Skipped.
type BatchResult struct {
	Inserted []crawler.RawItem
	Updated  []crawler.RawItem
	Skipped  int
}

// OutcomeObserver is told about every ingest outcome.
type OutcomeObserver func(code platform.Code, outcome crawler.IngestOutcome)

// Ingestor fingerprints observations and feeds them to a Store.
type Ingestor struct {
	store    *Store
	clock    crawler.Clock
	logger   *zap.Logger
	observer OutcomeObserver
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithLogger sets the ingestor logger.
func WithLogger(logger *zap.Logger) IngestorOption {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithOutcomeObserver reports outcomes to fn.
func WithOutcomeObserver(fn OutcomeObserver) IngestorOption {
	return func(i *Ingestor) { i.observer = fn }
}

// NewIngestor builds an Ingestor over store.
func NewIngestor(store *Store, clock crawler.Clock, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{store: store, clock: clock, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IngestBatch ingests observations of code for date. Within the batch the first
// observation of a fingerprint wins and later ones count as Updated. On error
// the rows ingested so far are returned with it.
func (i *Ingestor) IngestBatch(
	ctx context.Context,
	date crawler.Date,
	code platform.Code,
	batch Batch,
	observations []crawler.Observation,
) (BatchResult, error) {
	var res BatchResult
	seen := make(map[crawler.Fingerprint]crawler.RawItem, len(observations))
	crawledAt := i.clock.Now()
	normalizedPlatform := fingerprint.Normalize(string(code))
	for _, obs := range observations {
		title := fingerprint.Normalize(obs.Title)
		if title == "" {
			res.Skipped++
			continue
		}
		fp := fingerprint.OfNormalized(normalizedPlatform, title)
		if first, dup := seen[fp]; dup {
			res.Updated = append(res.Updated, first)
			i.observe(code, crawler.Updated)
			continue
		}
		outcome, stored, err := i.store.Ingest(ctx, date, code, fp, Payload{
			Observation: obs,
			TaskID:      batch.TaskID,
			BatchID:     batch.ID,
			AgentID:     batch.AgentID,
			CrawledAt:   crawledAt,
		})
		if err != nil {
			return res, fmt.Errorf("ingest %s item %q: %w", code, obs.Title, err)
		}
		seen[fp] = stored
		if outcome == crawler.Inserted {
			res.Inserted = append(res.Inserted, stored)
		} else {
			res.Updated = append(res.Updated, stored)
		}
		i.observe(code, outcome)
	}
	i.logger.Debug("batch ingested",
		zap.String("platform", string(code)),
		zap.String("batch_id", batch.ID),
		zap.Int("inserted", len(res.Inserted)),
		zap.Int("updated", len(res.Updated)),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (i *Ingestor) observe(code platform.Code, outcome crawler.IngestOutcome) {
	if i.observer != nil {
		i.observer(code, outcome)
	}
}
