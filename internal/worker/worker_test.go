package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/clock/fake"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/fingerprint"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
	memorypublisher "github.com/JakeFAU/hotfeed-orchestrator/internal/publisher/memory"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/retry"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/storage/memory"
)

var testNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type stubPages struct {
	page crawler.Page
	err  error
	urls []string
}

func (s *stubPages) FetchPage(_ context.Context, url string) (crawler.Page, error) {
	s.urls = append(s.urls, url)
	if s.err != nil {
		return crawler.Page{}, s.err
	}
	page := s.page
	page.URL = url
	return page, nil
}

type fixture struct {
	handlers  *Handlers
	items     *memory.ItemStore
	blobs     *memory.BlobStore
	publisher *memorypublisher.Publisher
	pages     *stubPages
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		items:     memory.NewItemStore(),
		blobs:     memory.NewBlobStore(),
		publisher: memorypublisher.New(),
		pages: &stubPages{page: crawler.Page{
			StatusCode:  200,
			Body:        []byte("<p>story</p>"),
			ContentType: "text/html",
		}},
	}
	f.handlers = New(Deps{
		Items:     f.items,
		Pages:     f.pages,
		Blobs:     f.blobs,
		Publisher: f.publisher,
		Hasher:    fingerprint.NewHasher(),
		Clock:     fake.New(testNow),
	}, Config{BlobPrefix: "/raw/"}, nil)
	return f
}

func (f fixture) seed(t *testing.T, title, url string) crawler.RawItem {
	t.Helper()
	item := crawler.RawItem{
		Date:        crawler.DateOf(testNow),
		Platform:    platform.Weibo,
		Fingerprint: fingerprint.Of(platform.Weibo, title),
		Title:       title,
		URL:         url,
		CrawledAt:   testNow,
		UpdatedAt:   testNow,
	}
	stored, _, err := f.items.UpsertItem(context.Background(), item)
	require.NoError(t, err)
	return stored
}

func TestCrawlArticleArchivesAndPublishes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := f.seed(t, "Chip launch", "https://weibo.example/1")
	job := crawler.WorkJob{ID: "job-1", Kind: crawler.JobArticleCrawl, SubjectID: item.Key()}

	require.NoError(t, f.handlers.CrawlArticle(context.Background(), job))

	assert.Equal(t, []string{"https://weibo.example/1"}, f.pages.urls)
	path := ArticlePath("/raw/", item)
	assert.Equal(t, "raw/articles/2024-05-01/weibo/"+string(item.Fingerprint)+".html", path)
	body, contentType, ok := f.blobs.Get(path)
	require.True(t, ok)
	assert.Equal(t, "<p>story</p>", string(body))
	assert.Equal(t, "text/html", contentType)

	published := f.publisher.Topic(DefaultArticleTopic)
	require.Len(t, published, 1)
	notice := published[0].(ArticleStored)
	assert.Equal(t, "memory://"+path, notice.BlobURI)
	assert.Equal(t, item.Key(), notice.ItemKey)
	assert.Len(t, notice.Hash, 64)
	assert.Equal(t, testNow.Format(time.RFC3339), notice.Timestamp)
}

func TestCrawlArticleSkipsItemsWithoutURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := f.seed(t, "No link", "")
	require.NoError(t, f.handlers.CrawlArticle(context.Background(), crawler.WorkJob{ID: "job-2", SubjectID: item.Key()}))
	assert.Empty(t, f.pages.urls)
	assert.Zero(t, f.blobs.Len())
}

func TestCrawlArticleErrorsDriveRetryPolicy(t *testing.T) {
	t.Parallel()

	policy := retry.DefaultPolicy()

	f := newFixture(t)
	item := f.seed(t, "Flaky", "https://weibo.example/2")
	f.pages.err = crawler.NewFetchError(crawler.KindNetwork, "fetch page", errors.New("502"))
	err := f.handlers.CrawlArticle(context.Background(), crawler.WorkJob{ID: "job-3", SubjectID: item.Key()})
	require.Error(t, err)
	assert.True(t, policy.Decide(0, err).Retry)

	err = f.handlers.CrawlArticle(context.Background(), crawler.WorkJob{ID: "job-4", SubjectID: "2024-05-01|weibo|missing"})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	assert.False(t, policy.Decide(0, err).Retry)

	err = f.handlers.CrawlArticle(context.Background(), crawler.WorkJob{ID: "job-5", SubjectID: "garbage"})
	require.ErrorIs(t, err, crawler.ErrInvalid)
	assert.Equal(t, crawler.KindFormat, retry.Classify(err))
}

func TestCrawlArticleRequiresCollaborators(t *testing.T) {
	t.Parallel()

	h := New(Deps{Items: memory.NewItemStore()}, Config{}, nil)
	require.Error(t, h.CrawlArticle(context.Background(), crawler.WorkJob{SubjectID: "2024-05-01|weibo|x"}))
}

func TestVectorizePublishesRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := f.seed(t, "Rate cut", "https://weibo.example/3")
	job := crawler.WorkJob{ID: "job-6", Kind: crawler.JobVectorization, SubjectID: item.Key(), BatchID: "b-1", RetryCount: 2}

	require.NoError(t, f.handlers.Vectorize(context.Background(), job))

	published := f.publisher.Topic(DefaultVectorizeTopic)
	require.Len(t, published, 1)
	assert.Equal(t, VectorizeRequest{
		JobID:       "job-6",
		BatchID:     "b-1",
		ItemKey:     item.Key(),
		Date:        item.Date,
		Fingerprint: item.Fingerprint,
		Title:       "Rate cut",
		URL:         "https://weibo.example/3",
		Attempt:     2,
	}, published[0])
}

func TestVectorizePublishFailureIsReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	item := f.seed(t, "Outage", "")
	f.publisher.FailWith(errors.New("unavailable"))
	err := f.handlers.Vectorize(context.Background(), crawler.WorkJob{ID: "job-7", SubjectID: item.Key()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish vectorize request")
}
