package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-scrape-prices/models"
)

var (
	// ErrWriterClosed is returned when Add is called after Finalize.
	ErrWriterClosed = errors.New("pipeline: writer closed")
)

// Sink persists one batch of records as a single unit.
type Sink interface {
	InsertBatch(ctx context.Context, records []models.PriceRecord) error
}

// PersistenceError reports a batch the sink did not accept. The records are
// kept by the writer and retried on the next flush.
type PersistenceError struct {
	Records  int
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist batch of %d records after %d attempts: %v", e.Records, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Stats is a snapshot of writer counters.
type Stats struct {
	Added          int
	Persisted      int
	Flushes        int
	FailedFlushes  int
	Buffered       int
	PendingBatches int
	PendingRecords int
}

// FlushObserver is notified after every flush attempt.
type FlushObserver func(size int, err error)

// BatchWriter accumulates records and flushes them to a Sink whenever the
// active batch reaches the threshold. All producers share one writer; the
// append and the flush happen under the same lock.
type BatchWriter struct {
	sink      Sink
	threshold int
	retries   int
	observer  FlushObserver

	mu      sync.Mutex
	batch   []models.PriceRecord
	pending [][]models.PriceRecord
	closed  bool
	stats   Stats
}

// Option customises a BatchWriter.
type Option func(*BatchWriter)

// WithRetries sets how many times a failing batch is retried inline before
// it is parked for the next flush.
func WithRetries(n int) Option {
	return func(w *BatchWriter) {
		if n >= 0 {
			w.retries = n
		}
	}
}

// WithObserver registers a callback run after each flush attempt.
func WithObserver(fn FlushObserver) Option {
	return func(w *BatchWriter) {
		w.observer = fn
	}
}

// NewBatchWriter builds a writer flushing every threshold records.
func NewBatchWriter(sink Sink, threshold int, opts ...Option) *BatchWriter {
	if threshold <= 0 {
		threshold = 1
	}
	w := &BatchWriter{
		sink:      sink,
		threshold: threshold,
		retries:   1,
		batch:     make([]models.PriceRecord, 0, threshold),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add appends rec and flushes when the batch is full. A flush error is
// returned to the caller, but the records it covered stay queued.
func (w *BatchWriter) Add(ctx context.Context, rec models.PriceRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	w.batch = append(w.batch, rec)
	w.stats.Added++
	if len(w.batch) >= w.threshold {
		return w.flushLocked(ctx)
	}
	return nil
}

// Flush persists whatever is buffered, including batches parked by earlier
// failures.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Finalize flushes the remainder and rejects further adds. It must be called
// once, after every producer is done.
func (w *BatchWriter) Finalize(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	return w.flushLocked(ctx)
}

// Len reports how many records sit in the active batch.
func (w *BatchWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batch)
}

// Stats returns a snapshot of the counters.
func (w *BatchWriter) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Buffered = len(w.batch)
	s.PendingBatches = len(w.pending)
	for _, b := range w.pending {
		s.PendingRecords += len(b)
	}
	return s
}

// Unpersisted returns a copy of every record not yet accepted by the sink.
func (w *BatchWriter) Unpersisted() []models.PriceRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []models.PriceRecord
	for _, b := range w.pending {
		out = append(out, b...)
	}
	return append(out, w.batch...)
}

func (w *BatchWriter) flushLocked(ctx context.Context) error {
	if len(w.batch) > 0 {
		w.pending = append(w.pending, w.batch)
		w.batch = make([]models.PriceRecord, 0, w.threshold)
	}

	var errs []error
	remaining := w.pending[:0]
	for i, b := range w.pending {
		if ctx.Err() != nil {
			remaining = append(remaining, w.pending[i:]...)
			errs = append(errs, &PersistenceError{Records: len(b), Err: ctx.Err()})
			break
		}
		if err := w.write(ctx, b); err != nil {
			remaining = append(remaining, b)
			errs = append(errs, err)
			continue
		}
	}
	w.pending = remaining
	return errors.Join(errs...)
}

func (w *BatchWriter) write(ctx context.Context, batch []models.PriceRecord) error {
	var err error
	attempts := 0
	for attempts <= w.retries {
		attempts++
		err = w.sink.InsertBatch(ctx, batch)
		if err == nil || ctx.Err() != nil {
			break
		}
	}

	w.stats.Flushes++
	if w.observer != nil {
		w.observer(len(batch), err)
	}
	if err != nil {
		w.stats.FailedFlushes++
		slog.Error("batch flush failed",
			slog.Int("batch_size", len(batch)),
			slog.Int("attempts", attempts),
			slog.Int("pending_batches", len(w.pending)),
			slog.Any("error", err),
		)
		return &PersistenceError{Records: len(batch), Attempts: attempts, Err: err}
	}
	w.stats.Persisted += len(batch)
	return nil
}
