// Package collyfetcher implements crawler.Fetcher and crawler.PageFetcher with
// gocolly. Each platform maps to one listing endpoint: JSON listings for
// api/html/headless platforms (served by the scraping gateway) and RSS 2.0 for
// feed platforms.
package collyfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Endpoints maps a platform to its listing URL.
	Endpoints map[platform.Code]string
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	clock         crawler.Clock
	baseCollector *colly.Collector
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClock stamps results with clock instead of the wall clock.
func WithClock(clock crawler.Clock) Option {
	return func(f *Fetcher) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		if rt != nil {
			f.baseCollector.WithTransport(rt)
		}
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnXML(string, colly.XMLCallback)
	OnError(colly.ErrorCallback)
}

// listing is the JSON shape served for non-feed platforms.
type listing struct {
	Items []crawler.Observation `json:"items"`
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	f := &Fetcher{cfg: cfg, clock: wallClock{}, baseCollector: c}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// capture accumulates one visit's outcome.
type capture struct {
	items       []crawler.Observation
	raw         []byte
	contentType string
	failure     error
}

// Fetch retrieves and parses the listing of request.Platform.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	endpoint, ok := f.cfg.Endpoints[request.Platform]
	if !ok || endpoint == "" {
		return crawler.FetchResult{}, crawler.NewFetchError(crawler.KindFormat, "fetch "+string(request.Platform),
			errors.New("no listing endpoint configured"))
	}
	var result capture
	collector := f.buildCollector(request, &result)
	visitErr, err := f.runCollector(ctx, collector, endpoint)
	if err != nil {
		return crawler.FetchResult{}, err
	}
	if visitErr != nil && result.failure == nil {
		// OnError only runs for requests that were sent.
		result.failure = classifyResponse("fetch "+string(request.Platform), nil, visitErr)
	}
	if result.failure != nil {
		return crawler.FetchResult{}, result.failure
	}
	return crawler.FetchResult{
		Items:       result.items,
		Raw:         result.raw,
		ContentType: result.contentType,
		FetchedAt:   f.clock.Now(),
	}, nil
}

// FetchPage retrieves one document, typically an item's article.
func (f *Fetcher) FetchPage(ctx context.Context, url string) (crawler.Page, error) {
	op := "fetch page"
	page := crawler.Page{URL: url}
	var failure error
	collector := f.baseCollector.Clone()
	f.applyLimits(collector)
	collector.OnResponse(func(r *colly.Response) {
		page.StatusCode = r.StatusCode
		page.Body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			page.ContentType = r.Headers.Get("Content-Type")
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		failure = classifyResponse(op, r, err)
	})

	visitErr, err := f.runCollector(ctx, collector, url)
	if err != nil {
		return crawler.Page{}, err
	}
	if visitErr != nil && failure == nil {
		failure = classifyResponse(op, nil, visitErr)
	}
	if failure != nil {
		return crawler.Page{}, failure
	}
	page.FetchedAt = f.clock.Now()
	return page, nil
}

func (f *Fetcher) applyLimits(collector *colly.Collector) {
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
}

func (f *Fetcher) buildCollector(request crawler.FetchRequest, result *capture) *colly.Collector {
	collector := f.baseCollector.Clone()
	f.applyLimits(collector)
	f.configureCollectorHooks(collector, request, result)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, request crawler.FetchRequest, result *capture) {
	op := "fetch " + string(request.Platform)
	feed := request.Strategy == platform.StrategyFeed

	hooks.OnResponse(func(r *colly.Response) {
		result.raw = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			result.contentType = r.Headers.Get("Content-Type")
		}
		if feed {
			return
		}
		var body listing
		if err := json.Unmarshal(r.Body, &body); err != nil {
			result.failure = crawler.NewFetchError(crawler.KindParse, op, fmt.Errorf("decode listing: %w", err))
			return
		}
		result.items = body.Items
	})

	hooks.OnXML("//channel/item", func(e *colly.XMLElement) {
		if !feed {
			return
		}
		result.items = append(result.items, crawler.Observation{
			Title:       strings.TrimSpace(e.ChildText("title")),
			URL:         strings.TrimSpace(e.ChildText("link")),
			Description: strings.TrimSpace(e.ChildText("description")),
			Rank:        len(result.items) + 1,
		})
	})

	hooks.OnError(func(r *colly.Response, err error) {
		result.failure = classifyResponse(op, r, err)
	})
}

// classifyResponse maps a failed visit onto an error kind.
func classifyResponse(op string, r *colly.Response, err error) error {
	status := 0
	if r != nil {
		status = r.StatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		fe := crawler.NewFetchError(crawler.KindRateLimited, op, err)
		if r.Headers != nil {
			if secs, convErr := strconv.Atoi(r.Headers.Get("Retry-After")); convErr == nil && secs > 0 {
				fe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return fe
	case status >= 500:
		return crawler.NewFetchError(crawler.KindNetwork, op, err)
	case status >= 400:
		return crawler.NewFetchError(crawler.KindFormat, op, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return crawler.NewFetchError(crawler.KindTimeout, op, err)
	}
	return crawler.NewFetchError(crawler.KindNetwork, op, err)
}

// runCollector returns Visit's own error first and cancellation second.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) (visitErr, err error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case visitErr = <-done:
		return visitErr, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
