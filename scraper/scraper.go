package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/parser"
	"github.com/aluiziolira/go-scrape-prices/pipeline"
)

// Scraper walks the supplier catalog: the listing root for the page count,
// every listing page for product links, and every product page for one
// price record.
type Scraper struct {
	cfg       *config.Config
	base      *url.URL
	fetcher   *Fetcher
	extractor *parser.Extractor
	Metrics   *Metrics
}

// NewScraper builds a scraper instance configured from cfg. A nil metrics
// value disables instrumentation.
func NewScraper(cfg *config.Config, metrics *Metrics) (*Scraper, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	fetcher, err := NewFetcher(cfg, metrics)
	if err != nil {
		return nil, err
	}

	return &Scraper{
		cfg:     cfg,
		base:    base,
		fetcher: fetcher,
		extractor: parser.NewExtractor(parser.Options{
			ProductPathPrefix: cfg.ProductPathPrefix,
			VendorPrefix:      cfg.VendorPrefix,
			CodeLabel:         cfg.CodeLabel,
		}),
		Metrics: metrics,
	}, nil
}

// NewWriter returns a batch writer over sink sized and instrumented for
// this scraper. A writer serves exactly one Run.
func (s *Scraper) NewWriter(sink pipeline.Sink) *pipeline.BatchWriter {
	return pipeline.NewBatchWriter(sink, s.cfg.BatchSize,
		pipeline.WithObserver(func(_ int, err error) {
			s.Metrics.ObserveFlush(err)
		}),
	)
}

// run holds the state of one crawl.
type run struct {
	writer *pipeline.BatchWriter
	seen   *lru.Cache[string, struct{}]

	pagesAttempted    int64
	pagesFailed       int64
	productsAttempted int64
	productsFailed    int64
	productsSkipped   int64
	productsDuplicate int64
	records           int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int
}

// Run performs one crawl and finalizes w. Page and product fetch failures
// are counted and skipped. An error is returned only when the listing root
// cannot be read; the summary is returned in every case.
func (s *Scraper) Run(ctx context.Context, w *pipeline.BatchWriter) (*models.RunSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// Records already extracted are persisted even if ctx is cancelled.
	writeCtx := context.WithoutCancel(ctx)

	r := &run{
		writer:       w,
		errorsByType: make(map[string]int),
	}
	if s.cfg.DedupeMaxSize > 0 {
		seen, err := lru.New[string, struct{}](s.cfg.DedupeMaxSize)
		if err != nil {
			return nil, fmt.Errorf("create dedupe cache: %w", err)
		}
		r.seen = seen
	}

	summary := &models.RunSummary{StartTime: time.Now()}

	pageCount, rootErr := s.discoverPages(ctx, r)
	summary.PagesTotal = pageCount
	if rootErr == nil && pageCount > 0 {
		s.crawlPages(ctx, writeCtx, r, pageCount)
	}

	finalizeErr := w.Finalize(writeCtx)
	if finalizeErr != nil {
		slog.Error("final flush failed",
			slog.Int("unpersisted", len(w.Unpersisted())),
			slog.Any("error", finalizeErr),
		)
	}

	stats := w.Stats()
	summary.EndTime = time.Now()
	summary.TotalRecords = int(atomic.LoadInt64(&r.records))
	summary.RecordsPersisted = stats.Persisted
	summary.Flushes = stats.Flushes
	summary.PagesAttempted = int(atomic.LoadInt64(&r.pagesAttempted))
	summary.PagesFailed = int(atomic.LoadInt64(&r.pagesFailed))
	summary.ProductsAttempted = int(atomic.LoadInt64(&r.productsAttempted))
	summary.ProductsFailed = int(atomic.LoadInt64(&r.productsFailed))
	summary.ProductsSkipped = int(atomic.LoadInt64(&r.productsSkipped))
	summary.ProductsDuplicate = int(atomic.LoadInt64(&r.productsDuplicate))
	summary.FailedURLs = r.snapshotFailedURLs()
	summary.ErrorsByType = r.snapshotErrors()
	summary.Cancelled = ctx.Err() != nil

	s.Metrics.ObserveRun(runOutcome(summary, rootErr, finalizeErr), summary.TotalRecords)

	if rootErr != nil {
		return summary, rootErr
	}
	if finalizeErr != nil {
		return summary, finalizeErr
	}
	return summary, nil
}

func (s *Scraper) discoverPages(ctx context.Context, r *run) (int, error) {
	page, err := s.fetcher.Fetch(ctx, KindListing, s.cfg.ListingURL)
	if err != nil {
		r.recordFailure(s.cfg.ListingURL, err)
		return 0, fmt.Errorf("fetch listing root: %w", err)
	}
	doc, err := parser.ParseDocument(page.Body)
	if err != nil {
		return 0, fmt.Errorf("listing root: %w", err)
	}

	count := s.extractor.PageCount(doc)
	if s.cfg.MaxPages > 0 && count > s.cfg.MaxPages {
		count = s.cfg.MaxPages
	}
	slog.Info("listing discovered", slog.Int("pages", count), slog.String("url", s.cfg.ListingURL))
	return count, nil
}

// crawlPages feeds page numbers to a fixed pool of workers. No new page is
// handed out after ctx is cancelled.
func (s *Scraper) crawlPages(ctx, writeCtx context.Context, r *run, pageCount int) {
	workers := s.cfg.Parallelism
	if workers < 1 {
		workers = 1
	}
	if workers > pageCount {
		workers = pageCount
	}

	pages := make(chan int)
	var g errgroup.Group

	g.Go(func() error {
		defer close(pages)
		for n := 1; n <= pageCount; n++ {
			select {
			case <-ctx.Done():
				return nil
			case pages <- n:
			}
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for n := range pages {
				if ctx.Err() != nil {
					continue
				}
				s.crawlPage(ctx, writeCtx, r, n)
			}
			return nil
		})
	}

	_ = g.Wait()
}

func (s *Scraper) crawlPage(ctx, writeCtx context.Context, r *run, n int) {
	pageURL := s.cfg.PageURL(n)

	page, err := s.fetcher.Fetch(ctx, KindPage, pageURL)
	if isCancellation(ctx, err) {
		return
	}
	atomic.AddInt64(&r.pagesAttempted, 1)
	if err != nil {
		atomic.AddInt64(&r.pagesFailed, 1)
		r.recordFailure(pageURL, err)
		return
	}

	doc, err := parser.ParseDocument(page.Body)
	if err != nil {
		atomic.AddInt64(&r.pagesFailed, 1)
		slog.Error("listing page unreadable", slog.Int("page", n), slog.Any("error", err))
		return
	}

	links := s.extractor.ProductLinks(doc)
	slog.Debug("listing page parsed", slog.Int("page", n), slog.Int("products", len(links)))

	for _, href := range links {
		if ctx.Err() != nil {
			return
		}
		s.crawlProduct(ctx, writeCtx, r, href)
	}
}

func (s *Scraper) crawlProduct(ctx, writeCtx context.Context, r *run, href string) {
	productURL, err := s.resolve(href)
	if err != nil {
		atomic.AddInt64(&r.productsSkipped, 1)
		slog.Warn("invalid product link", slog.String("href", href), slog.Any("error", err))
		return
	}
	if r.seen != nil {
		if found, _ := r.seen.ContainsOrAdd(productURL, struct{}{}); found {
			atomic.AddInt64(&r.productsDuplicate, 1)
			return
		}
	}

	page, err := s.fetcher.Fetch(ctx, KindProduct, productURL)
	if isCancellation(ctx, err) {
		return
	}
	attempted := atomic.AddInt64(&r.productsAttempted, 1)
	if err != nil {
		atomic.AddInt64(&r.productsFailed, 1)
		r.recordFailure(productURL, err)
		return
	}
	if attempted%50 == 0 {
		slog.Debug("scraper progress",
			slog.Int64("products", attempted),
			slog.Int64("records", atomic.LoadInt64(&r.records)),
			slog.String("url", productURL),
		)
	}

	doc, err := parser.ParseDocument(page.Body)
	if err != nil {
		atomic.AddInt64(&r.productsSkipped, 1)
		slog.Warn("product page unreadable", slog.String("url", productURL), slog.Any("error", err))
		return
	}
	rec, issues, ok := s.extractor.ProductWithIssues(doc)
	if !ok {
		atomic.AddInt64(&r.productsSkipped, 1)
		slog.Warn("not a product page", slog.String("url", productURL))
		return
	}
	for _, issue := range issues {
		s.Metrics.IncIssue(issue.Field)
		slog.Debug("field degraded",
			slog.String("url", productURL),
			slog.String("field", issue.Field),
			slog.String("reason", issue.Reason),
		)
	}

	rec.ObservedAt = page.FetchedAt.UTC()
	rec.URL = productURL

	atomic.AddInt64(&r.records, 1)
	s.Metrics.IncRecords()
	if err := r.writer.Add(writeCtx, rec); err != nil {
		var perr *pipeline.PersistenceError
		if errors.As(err, &perr) {
			// Already logged by the writer; the records stay queued.
			return
		}
		slog.Error("batch add failed", slog.String("url", productURL), slog.Any("error", err))
	}
}

func (s *Scraper) resolve(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return s.base.ResolveReference(ref).String(), nil
}

// isCancellation reports whether err means the work was never started
// because ctx ended.
func isCancellation(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	var fe *FetchError
	return !errors.As(err, &fe)
}

func (r *run) recordFailure(rawURL string, err error) {
	category := errorTypeLabel(err)
	status := 0
	var fe *FetchError
	if errors.As(err, &fe) {
		status = fe.StatusCode
	}

	r.mu.Lock()
	r.failedURLs = append(r.failedURLs, rawURL)
	r.errorsByType[category]++
	r.mu.Unlock()

	slog.Warn("request error",
		slog.String("url", rawURL),
		slog.String("category", category),
		slog.Int("status", status),
		slog.Any("error", err),
	)
}

func (r *run) snapshotFailedURLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.failedURLs))
	copy(out, r.failedURLs)
	return out
}

func (r *run) snapshotErrors() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.errorsByType))
	for k, v := range r.errorsByType {
		out[k] = v
	}
	return out
}

func runOutcome(summary *models.RunSummary, rootErr, finalizeErr error) string {
	switch {
	case rootErr != nil:
		return "failed"
	case summary.Cancelled:
		return "cancelled"
	case finalizeErr != nil, summary.PagesFailed > 0, summary.ProductsFailed > 0:
		return "partial"
	default:
		return "ok"
	}
}
