package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-scrape-prices/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS product_prices (
	id          uuid PRIMARY KEY,
	category    text NOT NULL DEFAULT '',
	subcategory text NOT NULL DEFAULT '',
	product     text NOT NULL DEFAULT '',
	code        text NOT NULL DEFAULT '',
	price       numeric(14,2) NOT NULL DEFAULT 0,
	price_date  timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS product_prices_category_idx ON product_prices (category);
CREATE INDEX IF NOT EXISTS product_prices_code_idx ON product_prices (code);
CREATE INDEX IF NOT EXISTS product_prices_price_date_idx ON product_prices (price_date);
`

const selectColumns = `SELECT id::text, category, subcategory, product, code, price::text, price_date FROM product_prices`

// Postgres stores records in a single product_prices table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// InsertBatch queues every row on one pgx.Batch inside a transaction.
func (p *Postgres) InsertBatch(ctx context.Context, records []models.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for _, r := range records {
		b.Queue(
			`INSERT INTO product_prices (id, category, subcategory, product, code, price, price_date)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			uuid.NewString(), r.Category, r.Subcategory, r.ProductName, r.Code, r.Price.String(), r.ObservedAt.UTC(),
		)
	}

	br := tx.SendBatch(ctx, b)
	for range records {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert price: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) QueryByDate(ctx context.Context, day time.Time, order Order) ([]models.PriceRecord, error) {
	start, end := DayBounds(day)
	orderBy := "category, subcategory, product"
	if order == OrderByProduct {
		orderBy = "product"
	}
	return p.query(ctx,
		selectColumns+` WHERE price_date >= $1 AND price_date < $2 ORDER BY `+orderBy+`, price_date`,
		start, end)
}

func (p *Postgres) QueryByCategory(ctx context.Context, category string, day time.Time) ([]models.PriceRecord, error) {
	start, end := DayBounds(day)
	return p.query(ctx,
		selectColumns+` WHERE category = $1 AND price_date >= $2 AND price_date < $3 ORDER BY product, price_date`,
		category, start, end)
}

func (p *Postgres) QueryByCode(ctx context.Context, code string) ([]models.PriceRecord, error) {
	return p.query(ctx, selectColumns+` WHERE code = $1 ORDER BY price_date DESC`, code)
}

func (p *Postgres) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM product_prices WHERE price_date <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old prices: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Close(context.Context) error {
	p.pool.Close()
	return nil
}

func (p *Postgres) query(ctx context.Context, sql string, args ...any) ([]models.PriceRecord, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	out := []models.PriceRecord{}
	for rows.Next() {
		var (
			rec   models.PriceRecord
			price string
		)
		if err := rows.Scan(&rec.ID, &rec.Category, &rec.Subcategory, &rec.ProductName, &rec.Code, &price, &rec.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		rec.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", price, err)
		}
		rec.ObservedAt = rec.ObservedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read prices: %w", err)
	}
	return out, nil
}
