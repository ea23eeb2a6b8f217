// Package models defines data structures shared by the harvester.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceRecord is one observed price of one product.
// Code is not unique: every run adds a new observation for the same code.
type PriceRecord struct {
	ID          string          `csv:"id" json:"id,omitempty"`
	Category    string          `csv:"category" json:"category"`
	Subcategory string          `csv:"subcategory" json:"subcategory"`
	ProductName string          `csv:"product" json:"product"`
	Code        string          `csv:"code" json:"code"`
	Price       decimal.Decimal `csv:"price" json:"price"`
	ObservedAt  time.Time       `csv:"price_date" json:"price_date"`
	URL         string          `csv:"-" json:"-"`
}

// RunSummary holds the overall result of one crawl.
type RunSummary struct {
	StartTime time.Time
	EndTime   time.Time

	TotalRecords     int
	RecordsPersisted int
	Flushes          int

	PagesTotal        int
	PagesAttempted    int
	PagesFailed       int
	ProductsAttempted int
	ProductsFailed    int
	ProductsSkipped   int
	ProductsDuplicate int

	FailedURLs   []string
	ErrorsByType map[string]int
	Cancelled    bool
}

// Duration reports how long the run took.
func (s *RunSummary) Duration() time.Duration {
	if s == nil || s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
