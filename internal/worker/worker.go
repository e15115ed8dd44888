// Package worker implements the downstream job handlers run by the work queue:
// article crawls that archive an item's page and vectorization requests handed
// to the embedding service over the publisher.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

// Default topics and content type.
const (
	DefaultArticleTopic   = "articles.stored"
	DefaultVectorizeTopic = "items.vectorize"
	DefaultContentType    = "text/html; charset=utf-8"
)

// Config controls handler behavior.
type Config struct {
	BlobPrefix     string
	ContentType    string
	ArticleTopic   string
	VectorizeTopic string
}

// Deps are the collaborators of the handlers. Pages and Blobs are only needed
// for article crawls.
type Deps struct {
	Items     crawler.ItemStore
	Pages     crawler.PageFetcher
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
}

// Handlers executes work jobs. Its methods match workqueue.Handler.
type Handlers struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs Handlers.
func New(deps Deps, cfg Config, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
	}
	if cfg.ArticleTopic == "" {
		cfg.ArticleTopic = DefaultArticleTopic
	}
	if cfg.VectorizeTopic == "" {
		cfg.VectorizeTopic = DefaultVectorizeTopic
	}
	return &Handlers{deps: deps, cfg: cfg, logger: logger}
}

// ArticleStored is published after an article is archived.
type ArticleStored struct {
	JobID       string              `json:"job_id"`
	ItemKey     string              `json:"item_key"`
	Fingerprint crawler.Fingerprint `json:"fingerprint"`
	URL         string              `json:"url"`
	BlobURI     string              `json:"blob_uri"`
	Hash        string              `json:"hash"`
	StatusCode  int                 `json:"status"`
	Timestamp   string              `json:"timestamp"`
}

// VectorizeRequest asks the embedding service to vectorize one item.
type VectorizeRequest struct {
	JobID       string              `json:"job_id"`
	BatchID     string              `json:"batch_id,omitempty"`
	ItemKey     string              `json:"item_key"`
	Date        crawler.Date        `json:"date"`
	Fingerprint crawler.Fingerprint `json:"fingerprint"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	URL         string              `json:"url,omitempty"`
	Attempt     int                 `json:"attempt"`
}

// CrawlArticle fetches the item's page, archives it and announces it. Items
// without a URL complete without work.
func (h *Handlers) CrawlArticle(ctx context.Context, job crawler.WorkJob) error {
	if h.deps.Pages == nil || h.deps.Blobs == nil {
		return errors.New("article crawl: page fetcher and blob store are required")
	}
	item, err := h.lookup(ctx, job.SubjectID)
	if err != nil {
		return err
	}
	logger := h.logger.With(zap.String("job_id", job.ID), zap.String("item", job.SubjectID))
	if strings.TrimSpace(item.URL) == "" {
		logger.Debug("item has no article url")
		return nil
	}

	page, err := h.deps.Pages.FetchPage(ctx, item.URL)
	if err != nil {
		return fmt.Errorf("fetch article: %w", err)
	}
	hash, err := h.deps.Hasher.Hash(page.Body)
	if err != nil {
		return fmt.Errorf("hash article: %w", err)
	}
	contentType := page.ContentType
	if contentType == "" {
		contentType = h.cfg.ContentType
	}
	uri, err := h.deps.Blobs.PutObject(ctx, ArticlePath(h.cfg.BlobPrefix, item), contentType, bytes.NewReader(page.Body))
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	if h.deps.Publisher != nil {
		notice := ArticleStored{
			JobID:       job.ID,
			ItemKey:     job.SubjectID,
			Fingerprint: item.Fingerprint,
			URL:         item.URL,
			BlobURI:     uri,
			Hash:        hash,
			StatusCode:  page.StatusCode,
			Timestamp:   h.deps.Clock.Now().Format(time.RFC3339),
		}
		if _, err := h.deps.Publisher.Publish(ctx, h.cfg.ArticleTopic, notice); err != nil {
			return fmt.Errorf("publish article: %w", err)
		}
	}
	logger.Info("article stored", zap.String("blob_uri", uri), zap.String("hash", hash))
	return nil
}

// Vectorize hands one inserted item to the embedding service.
func (h *Handlers) Vectorize(ctx context.Context, job crawler.WorkJob) error {
	if h.deps.Publisher == nil {
		return errors.New("vectorize: publisher is required")
	}
	item, err := h.lookup(ctx, job.SubjectID)
	if err != nil {
		return err
	}
	msgID, err := h.deps.Publisher.Publish(ctx, h.cfg.VectorizeTopic, VectorizeRequest{
		JobID:       job.ID,
		BatchID:     job.BatchID,
		ItemKey:     job.SubjectID,
		Date:        item.Date,
		Fingerprint: item.Fingerprint,
		Title:       item.Title,
		Description: item.Description,
		URL:         item.URL,
		Attempt:     job.RetryCount,
	})
	if err != nil {
		return fmt.Errorf("publish vectorize request: %w", err)
	}
	h.logger.Debug("vectorize request published",
		zap.String("job_id", job.ID),
		zap.String("item", job.SubjectID),
		zap.String("message_id", msgID),
	)
	return nil
}

// lookup resolves an item key. A malformed key or a missing item is permanent.
func (h *Handlers) lookup(ctx context.Context, key string) (crawler.RawItem, error) {
	date, code, fp, err := crawler.ParseItemKey(key)
	if err != nil {
		return crawler.RawItem{}, err
	}
	items, err := h.deps.Items.ListItems(ctx, crawler.ItemFilter{Date: date, Platforms: []platform.Code{code}})
	if err != nil {
		return crawler.RawItem{}, fmt.Errorf("list items: %w", err)
	}
	for _, item := range items {
		if item.Fingerprint == fp {
			return item, nil
		}
	}
	return crawler.RawItem{}, fmt.Errorf("%w: item %s: %w", crawler.ErrInvalid, key, crawler.ErrNotFound)
}

// ArticlePath is the blob path of an archived article:
// [prefix/]articles/date/platform/fingerprint.html.
func ArticlePath(prefix string, item crawler.RawItem) string {
	path := fmt.Sprintf("articles/%s/%s/%s.html", item.Date, item.Platform, item.Fingerprint)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		return prefix + "/" + path
	}
	return path
}
