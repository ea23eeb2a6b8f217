package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-scrape-prices/config"
)

// Page kinds, used as metric labels.
const (
	KindListing = "listing"
	KindPage    = "page"
	KindProduct = "product"
)

// Page is one fetched document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
}

// Fetcher retrieves documents through a shared colly backend. Every request
// carries the configured User-Agent and its own timeout; transient failures
// are retried with capped exponential backoff.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	limiter   *rate.Limiter
	metrics   *Metrics
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config, metrics *Metrics) (*Fetcher, error) {
	domains, err := allowedDomains(cfg)
	if err != nil {
		return nil, err
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(domains...),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Fetcher{
		cfg:       cfg,
		collector: collector,
		limiter:   limiter,
		metrics:   metrics,
	}, nil
}

// Fetch retrieves rawURL. It returns a *FetchError when the document could
// not be retrieved, or the context error if ctx ended before a request was
// issued.
func (f *Fetcher) Fetch(ctx context.Context, kind, rawURL string) (*Page, error) {
	start := time.Now()
	defer func() {
		f.metrics.ObserveDuration(kind, time.Since(start))
	}()

	for attempt := 1; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		page, status, err := f.fetchOnce(rawURL)
		if err == nil {
			f.metrics.IncFetch(kind, "ok")
			return page, nil
		}

		classified := classifyError(err, status)
		if attempt > f.cfg.MaxRetries || !retryable(classified) || ctx.Err() != nil {
			f.metrics.IncError(errorTypeLabel(classified))
			f.metrics.IncFetch(kind, "failed")
			return nil, &FetchError{URL: rawURL, StatusCode: status, Attempts: attempt, Err: classified}
		}

		f.metrics.IncRetries()
		timer := time.NewTimer(f.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			f.metrics.IncFetch(kind, "failed")
			return nil, &FetchError{URL: rawURL, StatusCode: status, Attempts: attempt, Err: classified}
		case <-timer.C:
		}
	}
}

func (f *Fetcher) fetchOnce(rawURL string) (*Page, int, error) {
	c := f.collector.Clone()

	var page *Page
	status := 0
	c.OnResponse(func(r *colly.Response) {
		page = &Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       r.Body,
			FetchedAt:  time.Now().UTC(),
		}
	})
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	if err := c.Visit(rawURL); err != nil {
		return nil, status, err
	}
	if page == nil {
		return nil, status, errors.New("no response received")
	}
	return page, page.StatusCode, nil
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := f.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func allowedDomains(cfg *config.Config) ([]string, error) {
	seen := make(map[string]struct{})
	var domains []string
	for _, raw := range []string{cfg.BaseURL, cfg.ListingURL, cfg.PageURL(1)} {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", raw, err)
		}
		host := parsed.Hostname()
		if host == "" {
			return nil, fmt.Errorf("url %q must include a host", raw)
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		domains = append(domains, host)
	}
	return domains, nil
}
