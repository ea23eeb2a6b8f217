package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/go-scrape-prices/api"
	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/pipeline"
	"github.com/aluiziolira/go-scrape-prices/report"
	"github.com/aluiziolira/go-scrape-prices/scheduler"
	"github.com/aluiziolira/go-scrape-prices/scraper"
	"github.com/aluiziolira/go-scrape-prices/storage"
)

// ServeCmd runs every long-lived loop until a shutdown signal.
type ServeCmd struct {
	NoAPI bool `help:"Do not start the query API." name:"no-api"`
}

func (c *ServeCmd) Run(app *App) error {
	cfg := app.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	metrics := scraper.NewMetrics()
	s, err := scraper.NewScraper(cfg, metrics)
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}

	sink, closeSink, err := openSink(app.Ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	g, ctx := errgroup.WithContext(app.Ctx)

	crawl := &scheduler.Loop{
		Name:       "crawl",
		Schedule:   scheduler.FromConfig(cfg),
		StartDelay: cfg.StartDelay,
		Job: func(ctx context.Context) error {
			summary, err := s.Run(ctx, s.NewWriter(sink))
			logSummary(summary)
			return err
		},
	}
	g.Go(func() error { return untilCancelled(crawl.Run(ctx)) })

	if cfg.Queryable() {
		// The read side gets its own connection so queries never wait on
		// the writer.
		reader, err := storage.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open read store: %w", err)
		}
		defer reader.Close(context.Background())

		cleanup := &scheduler.Loop{
			Name:       "cleanup",
			Schedule:   scheduler.Every(cfg.CleanupInterval),
			StartDelay: cfg.StartDelay,
			Job: func(ctx context.Context) error {
				return runCleanup(ctx, reader, cfg.KeepDays)
			},
		}
		g.Go(func() error { return untilCancelled(cleanup.Run(ctx)) })

		if !c.NoAPI && cfg.HTTPAddr != "" {
			srv := api.NewServer(reader)
			g.Go(func() error { return srv.ListenAndServe(ctx, cfg.HTTPAddr) })
		}
	} else {
		slog.Info("storage driver has no query support; api and cleanup disabled",
			slog.String("driver", cfg.StorageDriver))
	}

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, metrics) })
	}

	slog.Info("harvester started",
		slog.String("listing_url", cfg.ListingURL),
		slog.String("driver", cfg.StorageDriver),
		slog.Int("workers", cfg.Parallelism),
	)
	return g.Wait()
}

// CrawlCmd runs a single crawl.
type CrawlCmd struct {
	Pages    int    `help:"Maximum listing pages to crawl (0 = all)." default:"-1"`
	Parallel int    `help:"Number of concurrent page workers."`
	Driver   string `help:"Storage driver: postgres, mongo, csv or json."`
	Output   string `help:"Output file for the csv and json drivers." short:"o"`
}

func (c *CrawlCmd) apply(cfg *config.Config) {
	if c.Pages >= 0 {
		cfg.MaxPages = c.Pages
	}
	if c.Parallel > 0 {
		cfg.Parallelism = c.Parallel
	}
	if c.Driver != "" {
		cfg.StorageDriver = c.Driver
	}
	if c.Output != "" {
		cfg.OutputFile = c.Output
	}
}

func (c *CrawlCmd) Run(app *App) error {
	cfg := app.Config
	c.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s, err := scraper.NewScraper(cfg, scraper.NewMetrics())
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}

	sink, closeSink, err := openSink(app.Ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	slog.Info("starting crawl",
		slog.String("listing_url", cfg.ListingURL),
		slog.Int("max_pages", cfg.MaxPages),
		slog.Int("workers", cfg.Parallelism),
	)

	var spin *spinner.Spinner
	if !cfg.Verbose && isTerminal(os.Stderr) {
		spin = spinner.New(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		spin.Suffix = " crawling " + cfg.ListingURL
		spin.Start()
	}

	summary, err := s.Run(app.Ctx, s.NewWriter(sink))
	if spin != nil {
		spin.Stop()
	}
	if err != nil {
		logSummary(summary)
		return fmt.Errorf("crawl failed: %w", err)
	}

	if v, ok := sink.(interface{ Validate() error }); ok && summary.RecordsPersisted > 0 {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("output validation failed: %w", err)
		}
	}

	printSummary(summary, cfg)
	return nil
}

// ExportCmd writes the workbook served by /download_table to disk.
type ExportCmd struct {
	Output string `help:"Workbook path." short:"o" default:"prices.xlsx"`
	Date   string `help:"Day to export as YYYY-MM-DD (default today)."`
}

func (c *ExportCmd) Run(app *App) error {
	day := time.Now()
	if c.Date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", c.Date, time.Local)
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", c.Date, err)
		}
		day = parsed
	}

	store, err := storage.Open(app.Ctx, app.Config)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	f, err := report.Build(app.Ctx, store, day)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(c.Output); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	slog.Info("workbook written", slog.String("path", c.Output), slog.Int("sheets", len(f.GetSheetList())))
	return nil
}

// CleanupCmd applies the retention window once.
type CleanupCmd struct {
	KeepDays int `help:"Override keep_days." name:"keep-days"`
}

func (c *CleanupCmd) Run(app *App) error {
	keep := app.Config.KeepDays
	if c.KeepDays > 0 {
		keep = c.KeepDays
	}
	store, err := storage.Open(app.Ctx, app.Config)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())
	return runCleanup(app.Ctx, store, keep)
}

func runCleanup(ctx context.Context, store storage.Store, keepDays int) error {
	cutoff := storage.RetentionCutoff(time.Now(), keepDays)
	deleted, err := store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	slog.Info("old prices deleted", slog.Int64("rows", deleted), slog.Time("cutoff", cutoff))
	return nil
}

// openSink returns the batch sink for cfg.StorageDriver, teed into the
// archive file when one is configured.
func openSink(ctx context.Context, cfg *config.Config) (pipeline.Sink, func(), error) {
	var (
		sink    pipeline.Sink
		closers []func() error
	)

	switch cfg.StorageDriver {
	case "csv":
		w, err := pipeline.NewCSVWriter(cfg.OutputFile)
		if err != nil {
			return nil, nil, err
		}
		sink, closers = w, append(closers, w.Close)
	case "json":
		w, err := pipeline.NewJSONWriter(cfg.OutputFile)
		if err != nil {
			return nil, nil, err
		}
		sink, closers = w, append(closers, w.Close)
	default:
		store, err := storage.Open(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		sink = store
		closers = append(closers, func() error { return store.Close(context.Background()) })
	}

	if cfg.ArchiveFile != "" {
		archive, err := pipeline.NewJSONWriter(cfg.ArchiveFile)
		if err != nil {
			closeAll(closers)
			return nil, nil, fmt.Errorf("open archive: %w", err)
		}
		sink = pipeline.NewTeeSink(sink, archive)
		closers = append(closers, archive.Close)
	}

	return sink, func() { closeAll(closers) }, nil
}

func closeAll(closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			slog.Error("close sink", slog.Any("error", err))
		}
	}
}

func serveMetrics(ctx context.Context, addr string, metrics *scraper.Metrics) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func untilCancelled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logSummary(summary *models.RunSummary) {
	if summary == nil {
		return
	}
	slog.Info("crawl finished",
		slog.Int("records", summary.TotalRecords),
		slog.Int("persisted", summary.RecordsPersisted),
		slog.Int("pages", summary.PagesAttempted),
		slog.Int("pages_failed", summary.PagesFailed),
		slog.Int("products_failed", summary.ProductsFailed),
		slog.Bool("cancelled", summary.Cancelled),
		slog.Duration("duration", summary.Duration()),
	)
}

func printSummary(summary *models.RunSummary, cfg *config.Config) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	if summary.Cancelled {
		fmt.Println("Crawl cancelled")
	} else {
		fmt.Println("Crawl complete")
	}

	duration := summary.Duration()
	perSec := 0.0
	if duration.Seconds() > 0 {
		perSec = float64(summary.TotalRecords) / duration.Seconds()
	}

	fmt.Printf("  Records:       %d (%d persisted, %d flushes)\n", summary.TotalRecords, summary.RecordsPersisted, summary.Flushes)
	fmt.Printf("  Pages:         %d/%d attempted, %d failed\n", summary.PagesAttempted, summary.PagesTotal, summary.PagesFailed)
	fmt.Printf("  Products:      %d attempted, %d failed, %d skipped, %d duplicate\n",
		summary.ProductsAttempted, summary.ProductsFailed, summary.ProductsSkipped, summary.ProductsDuplicate)
	fmt.Printf("  Failed URLs:   %d\n", len(summary.FailedURLs))
	if len(summary.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", summary.ErrorsByType)
	}
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  Records/sec:   %.2f\n", perSec)
	switch cfg.StorageDriver {
	case "csv", "json":
		fmt.Printf("  Output file:   %s\n", cfg.OutputFile)
	default:
		fmt.Printf("  Storage:       %s\n", cfg.StorageDriver)
	}
	fmt.Println(separator)
}
