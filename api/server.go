// Package api serves stored prices over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/report"
	"github.com/aluiziolira/go-scrape-prices/storage"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Reader is the read side of storage.Store.
type Reader interface {
	report.Source
	QueryByCategory(ctx context.Context, category string, day time.Time) ([]models.PriceRecord, error)
}

// Server exposes the price queries and the workbook download.
type Server struct {
	store Reader
	now   func() time.Time
	mux   *http.ServeMux
}

// NewServer routes requests to store.
func NewServer(store Reader) *Server {
	s := &Server{
		store: store,
		now:   time.Now,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /products", s.handleProducts)
	s.mux.HandleFunc("GET /products/code/{code}", s.handleByCode)
	s.mux.HandleFunc("GET /products/category/{category}", s.handleByCategory)
	s.mux.HandleFunc("GET /download_table", s.handleDownload)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("api server listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	day, err := s.day(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	order := storage.ParseOrder(r.URL.Query().Get("order"))
	records, err := s.store.QueryByDate(r.Context(), day, order)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, records)
}

func (s *Server) handleByCode(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.QueryByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, records)
}

func (s *Server) handleByCategory(w http.ResponseWriter, r *http.Request) {
	day, err := s.day(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := s.store.QueryByCategory(r.Context(), r.PathValue("category"), day)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, records)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	f, err := report.Build(r.Context(), s.store, now)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="prices-%s.xlsx"`, now.Format("2006-01-02")))
	_, _ = buf.WriteTo(w)
}

// day reads the optional ?date=YYYY-MM-DD parameter; today by default.
func (s *Server) day(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("date")
	now := s.now()
	if raw == "" {
		return now, nil
	}
	day, err := time.ParseInLocation("2006-01-02", raw, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}
	return day, nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("api request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.Any("error", err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("api request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
