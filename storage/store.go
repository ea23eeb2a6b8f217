// Package storage persists price records and serves the read queries used
// by the API, the report and the retention job.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/models"
)

// MinRetention is the shortest history ever kept, whatever KeepDays says.
const MinRetention = 48 * time.Hour

// ErrNotQueryable is returned by Open for file drivers.
var ErrNotQueryable = errors.New("storage: driver does not support queries")

// Order selects the sort order of QueryByDate.
type Order int

const (
	// OrderByCategory sorts by category, subcategory, then product name.
	OrderByCategory Order = iota
	// OrderByProduct sorts by product name.
	OrderByProduct
)

func (o Order) String() string {
	switch o {
	case OrderByProduct:
		return "product"
	default:
		return "category"
	}
}

// ParseOrder maps a query parameter onto an Order. Unknown values sort by
// category.
func ParseOrder(s string) Order {
	if s == "product" || s == "name" {
		return OrderByProduct
	}
	return OrderByCategory
}

// Store is a transactional record store.
type Store interface {
	// InsertBatch persists records in one transaction. IDs are assigned here.
	InsertBatch(ctx context.Context, records []models.PriceRecord) error
	// QueryByDate returns the records observed on day's calendar date.
	QueryByDate(ctx context.Context, day time.Time, order Order) ([]models.PriceRecord, error)
	// QueryByCategory returns one category's records for day, by product.
	QueryByCategory(ctx context.Context, category string, day time.Time) ([]models.PriceRecord, error)
	// QueryByCode returns the whole history of a code, newest first.
	QueryByCode(ctx context.Context, code string) ([]models.PriceRecord, error)
	// DeleteOlderThan removes records observed at or before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close(ctx context.Context) error
}

// Open connects to the database named by cfg.StorageDriver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StorageDriver {
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	case "mongo":
		return OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotQueryable, cfg.StorageDriver)
	}
}

// RetentionCutoff returns the instant at or before which records may be
// deleted. At least MinRetention of history always survives.
func RetentionCutoff(now time.Time, keepDays int) time.Time {
	cutoff := now.AddDate(0, 0, -keepDays)
	if floor := now.Add(-MinRetention); cutoff.After(floor) {
		return floor
	}
	return cutoff
}

// DayBounds returns [start, end) of day's calendar date in day's location.
func DayBounds(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	return start, start.AddDate(0, 0, 1)
}
