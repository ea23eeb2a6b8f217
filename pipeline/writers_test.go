package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-scrape-prices/models"
)

func sampleRecord() models.PriceRecord {
	return models.PriceRecord{
		Category:    "Consoles",
		Subcategory: "Portable",
		ProductName: "Test Console",
		Code:        "778812",
		Price:       decimal.RequireFromString("12999.5"),
		ObservedAt:  time.Date(2025, 11, 4, 13, 9, 13, 0, time.UTC),
	}
}

func TestCSVWriterInsertBatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prices.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}

	if err := writer.InsertBatch(context.Background(), []models.PriceRecord{sampleRecord()}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if records[0][0] != "category" || records[0][4] != "price" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	if records[1][4] != "12999.50" || records[1][5] != "2025-11-04T13:09:13Z" {
		t.Fatalf("unexpected row: %v", records[1])
	}
}

func TestJSONWriterAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive", "prices.jsonl")

	for run := 0; run < 2; run++ {
		writer, err := NewJSONWriter(path)
		if err != nil {
			t.Fatalf("create json writer: %v", err)
		}
		if err := writer.InsertBatch(context.Background(), []models.PriceRecord{sampleRecord()}); err != nil {
			t.Fatalf("write json: %v", err)
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("close json: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var decoded models.PriceRecord
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		if !decoded.Price.Equal(decimal.RequireFromString("12999.5")) {
			t.Fatalf("price = %s", decoded.Price)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if count != 2 {
		t.Fatalf("json lines=%d, want 2", count)
	}
}

func TestBatchWriterIntoCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.csv")
	sink, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	w := NewBatchWriter(sink, 2)
	for i := 0; i < 5; i++ {
		if err := w.Add(context.Background(), record(i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := w.Finalize(context.Background()); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("rows=%d, want header + 5", len(rows))
	}
}
