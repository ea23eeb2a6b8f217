// Package report renders the daily price workbook.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/storage"
)

const (
	maxSheetName  = 31
	infoSheet     = "Info"
	dateLayout    = "2006-01-02 15:04"
	uncategorised = "Uncategorised"
)

var header = []interface{}{"Subcategory", "Product", "Code", "Previous price", "Previous date", "Last price", "Last date", "Change"}

// Source is the subset of storage.Store the report reads from.
type Source interface {
	QueryByDate(ctx context.Context, day time.Time, order storage.Order) ([]models.PriceRecord, error)
	QueryByCode(ctx context.Context, code string) ([]models.PriceRecord, error)
}

// Build lays out the records observed on now's date: one sheet per
// category, one row per product code with its last two observed prices.
func Build(ctx context.Context, src Source, now time.Time) (*excelize.File, error) {
	today, err := src.QueryByDate(ctx, now, storage.OrderByCategory)
	if err != nil {
		return nil, fmt.Errorf("load today's prices: %w", err)
	}

	f := excelize.NewFile()
	first := f.GetSheetName(0)

	if len(today) == 0 {
		if err := f.SetSheetName(first, infoSheet); err != nil {
			return nil, err
		}
		msg := fmt.Sprintf("No prices recorded on %s", now.Format("2006-01-02"))
		if err := f.SetCellValue(infoSheet, "A1", msg); err != nil {
			return nil, err
		}
		return f, nil
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	names := newSheetNames()
	for i, group := range groupByCategory(today) {
		sheet := names.next(group.category)
		if i == 0 {
			err = f.SetSheetName(first, sheet)
		} else {
			_, err = f.NewSheet(sheet)
		}
		if err != nil {
			return nil, fmt.Errorf("sheet %q: %w", sheet, err)
		}
		if err := writeCategory(ctx, f, src, sheet, group.records, bold); err != nil {
			return nil, err
		}
	}
	f.SetActiveSheet(0)
	return f, nil
}

func writeCategory(ctx context.Context, f *excelize.File, src Source, sheet string, records []models.PriceRecord, style int) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", "H1", style); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", "H", 18); err != nil {
		return err
	}

	row := 2
	seen := make(map[string]struct{})
	for _, rec := range records {
		key := rec.Code
		if key == "" {
			key = "name:" + rec.ProductName
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		history := []models.PriceRecord{rec}
		if rec.Code != "" {
			h, err := src.QueryByCode(ctx, rec.Code)
			if err != nil {
				return fmt.Errorf("history of %s: %w", rec.Code, err)
			}
			if len(h) > 0 {
				history = h
			}
		}

		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		values := priceRow(rec, history)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
		row++
	}
	return nil
}

// priceRow builds one sheet row from a newest-first history.
func priceRow(rec models.PriceRecord, history []models.PriceRecord) []interface{} {
	last := history[0]
	values := []interface{}{rec.Subcategory, rec.ProductName, rec.Code, "", "", last.Price.InexactFloat64(), last.ObservedAt.Format(dateLayout), ""}
	if len(history) > 1 {
		prev := history[1]
		values[3] = prev.Price.InexactFloat64()
		values[4] = prev.ObservedAt.Format(dateLayout)
		values[7] = last.Price.Sub(prev.Price).InexactFloat64()
	}
	return values
}

type categoryGroup struct {
	category string
	records  []models.PriceRecord
}

// groupByCategory keeps the first-seen order of categories.
func groupByCategory(records []models.PriceRecord) []categoryGroup {
	var groups []categoryGroup
	index := make(map[string]int)
	for _, rec := range records {
		i, ok := index[rec.Category]
		if !ok {
			i = len(groups)
			index[rec.Category] = i
			groups = append(groups, categoryGroup{category: rec.Category})
		}
		groups[i].records = append(groups[i].records, rec)
	}
	return groups
}

type sheetNames struct {
	used map[string]struct{}
}

func newSheetNames() *sheetNames {
	return &sheetNames{used: make(map[string]struct{})}
}

// next returns a valid, unused sheet name derived from category.
func (s *sheetNames) next(category string) string {
	base := SanitizeSheetName(category)
	name := base
	for n := 2; ; n++ {
		if _, ok := s.used[strings.ToLower(name)]; !ok {
			break
		}
		suffix := fmt.Sprintf(" (%d)", n)
		name = truncate(base, maxSheetName-len(suffix)) + suffix
	}
	s.used[strings.ToLower(name)] = struct{}{}
	return name
}

// SanitizeSheetName drops the characters a worksheet name may not contain
// and trims it to 31 characters.
func SanitizeSheetName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', ':', '*', '?', '/', '\\':
			return -1
		}
		return r
	}, name)
	cleaned = strings.Trim(strings.TrimSpace(cleaned), "'")
	if cleaned == "" {
		cleaned = uncategorised
	}
	return truncate(cleaned, maxSheetName)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
