package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	charmlog "github.com/charmbracelet/log"

	"github.com/aluiziolira/go-scrape-prices/config"
)

// CLI is the command line of the harvester.
type CLI struct {
	Config  string `help:"Path to a YAML configuration file." short:"c" type:"path"`
	Verbose bool   `help:"Enable debug logging." short:"v"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the crawl schedule, retention cleanup, query API and metrics server."`
	Crawl   CrawlCmd   `cmd:"" help:"Run one crawl and exit."`
	Export  ExportCmd  `cmd:"" help:"Write the daily price workbook to a file."`
	Cleanup CleanupCmd `cmd:"" help:"Delete records older than the retention window."`
}

// App carries what every command needs.
type App struct {
	Config *config.Config
	Ctx    context.Context
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("harvester"),
		kong.Description("Harvests supplier catalog prices and serves their history."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	if cli.Verbose {
		cfg.Verbose = true
	}

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	err = kctx.Run(&App{Config: cfg, Ctx: ctx})
	if err != nil {
		slog.Error("command failed", slog.String("command", kctx.Command()), slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	var handler slog.Handler
	if isTerminal(os.Stderr) {
		charmLevel := charmlog.InfoLevel
		if verbose {
			charmLevel = charmlog.DebugLevel
		}
		handler = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
			Level:           charmLevel,
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
