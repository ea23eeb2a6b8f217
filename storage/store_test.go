package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/models"
)

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		keepDays int
		want     time.Time
	}{
		{name: "thirty days", keepDays: 30, want: now.AddDate(0, 0, -30)},
		{name: "two days", keepDays: 2, want: now.Add(-48 * time.Hour)},
		{name: "one day keeps two", keepDays: 1, want: now.Add(-48 * time.Hour)},
		{name: "zero keeps two", keepDays: 0, want: now.Add(-48 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetentionCutoff(now, tt.keepDays); !got.Equal(tt.want) {
				t.Fatalf("RetentionCutoff(%d) = %v, want %v", tt.keepDays, got, tt.want)
			}
		})
	}
}

func TestDayBounds(t *testing.T) {
	day := time.Date(2024, 5, 20, 17, 45, 3, 0, time.UTC)
	start, end := DayBounds(day)
	if !start.Equal(time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %v", start)
	}
	if !end.Equal(time.Date(2024, 5, 21, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("end = %v", end)
	}
}

func TestParseOrder(t *testing.T) {
	if ParseOrder("product") != OrderByProduct || ParseOrder("name") != OrderByProduct {
		t.Fatalf("product orders not recognised")
	}
	if ParseOrder("") != OrderByCategory || ParseOrder("bogus") != OrderByCategory {
		t.Fatalf("unknown orders should sort by category")
	}
}

func TestOpenRejectsFileDrivers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StorageDriver = "csv"
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatalf("expected ErrNotQueryable for csv driver")
	}
}

func TestMongoDocumentKeepsPrice(t *testing.T) {
	rec := models.PriceRecord{Code: "A1", Price: decimal.RequireFromString("1299.50"), ObservedAt: time.Now()}
	doc, err := toDocument(rec)
	if err != nil {
		t.Fatalf("toDocument: %v", err)
	}
	if doc.ID == "" {
		t.Fatalf("document should get an id")
	}
	back, err := fromDocument(doc)
	if err != nil {
		t.Fatalf("fromDocument: %v", err)
	}
	if !back.Price.Equal(rec.Price) {
		t.Fatalf("price = %s, want %s", back.Price, rec.Price)
	}
}

// The integration tests need a live database; point PRICES_TEST_POSTGRES_DSN
// or PRICES_TEST_MONGO_URI at a disposable instance to run them.

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PRICES_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PRICES_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := OpenPostgres(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close(ctx)
	if _, err := store.pool.Exec(ctx, `TRUNCATE product_prices`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	exerciseStore(t, store)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("PRICES_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("PRICES_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	store, err := OpenMongo(ctx, uri, "prices_test", "product_prices")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close(ctx)
	if _, err := store.collection.DeleteMany(ctx, map[string]any{}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	exerciseStore(t, store)
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -40)

	records := []models.PriceRecord{
		{Category: "Consoles", Subcategory: "Home", ProductName: "Zeta", Code: "Z1", Price: decimal.RequireFromString("100.50"), ObservedAt: now},
		{Category: "Consoles", Subcategory: "Handheld", ProductName: "Alpha", Code: "A1", Price: decimal.RequireFromString("90"), ObservedAt: now},
		{Category: "Games", ProductName: "Beta", Code: "B1", Price: decimal.Zero, ObservedAt: now},
		{Category: "Consoles", Subcategory: "Handheld", ProductName: "Alpha", Code: "A1", Price: decimal.RequireFromString("95"), ObservedAt: old},
	}
	if err := store.InsertBatch(ctx, records); err != nil {
		t.Fatalf("insert: %v", err)
	}

	today, err := store.QueryByDate(ctx, now, OrderByCategory)
	if err != nil {
		t.Fatalf("query by date: %v", err)
	}
	if len(today) != 3 || today[0].Code != "A1" || today[2].Code != "B1" {
		t.Fatalf("today by category = %+v", today)
	}
	byName, err := store.QueryByDate(ctx, now, OrderByProduct)
	if err != nil {
		t.Fatalf("query by product: %v", err)
	}
	if byName[0].ProductName != "Alpha" || byName[2].ProductName != "Zeta" {
		t.Fatalf("today by product = %+v", byName)
	}

	consoles, err := store.QueryByCategory(ctx, "Consoles", now)
	if err != nil {
		t.Fatalf("query by category: %v", err)
	}
	if len(consoles) != 2 {
		t.Fatalf("consoles = %d, want 2", len(consoles))
	}

	history, err := store.QueryByCode(ctx, "A1")
	if err != nil {
		t.Fatalf("query by code: %v", err)
	}
	if len(history) != 2 || !history[0].Price.Equal(decimal.RequireFromString("90")) {
		t.Fatalf("history = %+v", history)
	}
	if history[0].ID == "" || history[0].ID == history[1].ID {
		t.Fatalf("records should get distinct ids")
	}

	deleted, err := store.DeleteOlderThan(ctx, RetentionCutoff(now, 30))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}
