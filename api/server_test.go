package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/storage"
)

type stubStore struct {
	records []models.PriceRecord
	err     error

	lastDay   time.Time
	lastOrder storage.Order
	lastKey   string
}

func (s *stubStore) QueryByDate(_ context.Context, day time.Time, order storage.Order) ([]models.PriceRecord, error) {
	s.lastDay, s.lastOrder = day, order
	return s.records, s.err
}

func (s *stubStore) QueryByCategory(_ context.Context, category string, day time.Time) ([]models.PriceRecord, error) {
	s.lastKey, s.lastDay = category, day
	return s.records, s.err
}

func (s *stubStore) QueryByCode(_ context.Context, code string) ([]models.PriceRecord, error) {
	s.lastKey = code
	return s.records, s.err
}

var fixedNow = time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)

func newTestServer(store *stubStore) *Server {
	s := NewServer(store)
	s.now = func() time.Time { return fixedNow }
	return s
}

func sampleRecords() []models.PriceRecord {
	return []models.PriceRecord{
		{ID: "1", Category: "Consoles", Subcategory: "Handheld", ProductName: "Alpha", Code: "A1", Price: decimal.RequireFromString("1299.50"), ObservedAt: fixedNow},
	}
}

func TestProductsEndpoint(t *testing.T) {
	store := &stubStore{records: sampleRecords()}
	srv := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/products?order=product", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if store.lastOrder != storage.OrderByProduct || !store.lastDay.Equal(fixedNow) {
		t.Fatalf("query got day=%v order=%v", store.lastDay, store.lastOrder)
	}

	var got []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["code"] != "A1" || got[0]["price"] != "1299.5" {
		t.Fatalf("body = %v", got)
	}
}

func TestProductsByDate(t *testing.T) {
	store := &stubStore{}
	srv := newTestServer(store)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/products?date=2024-05-01", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC); !store.lastDay.Equal(want) {
		t.Fatalf("day = %v, want %v", store.lastDay, want)
	}
	if strings.TrimSpace(rr.Body.String()) != "null" && strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("body = %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/products?date=yesterday", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d, want 400", rr.Code)
	}
}

func TestPathParameters(t *testing.T) {
	tests := []struct {
		path string
		key  string
	}{
		{path: "/products/code/A1", key: "A1"},
		{path: "/products/category/Consoles", key: "Consoles"},
		{path: "/products/category/%D0%98%D0%B3%D1%80%D1%8B", key: "Игры"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			store := &stubStore{records: sampleRecords()}
			rr := httptest.NewRecorder()
			newTestServer(store).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d", rr.Code)
			}
			if store.lastKey != tt.key {
				t.Fatalf("key = %q, want %q", store.lastKey, tt.key)
			}
		})
	}
}

func TestStoreErrorIs500(t *testing.T) {
	store := &stubStore{err: errors.New("connection refused")}
	rr := httptest.NewRecorder()
	newTestServer(store).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/products/code/A1", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "connection refused") {
		t.Fatalf("internal error leaked: %q", rr.Body.String())
	}
}

func TestDownloadTable(t *testing.T) {
	store := &stubStore{records: sampleRecords()}
	rr := httptest.NewRecorder()
	newTestServer(store).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/download_table", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Fatalf("content type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "prices-2024-05-20.xlsx") {
		t.Fatalf("content disposition = %q", cd)
	}
	f, err := excelize.OpenReader(rr.Body)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	if sheets := f.GetSheetList(); len(sheets) != 1 || sheets[0] != "Consoles" {
		t.Fatalf("sheets = %v", sheets)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer(&stubStore{}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/products", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer(&stubStore{}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}
