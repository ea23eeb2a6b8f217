package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-scrape-prices/models"
)

// TeeSink writes every batch to a primary sink and then copies it to an
// archive. Only the primary decides whether the batch is committed; archive
// failures are logged so a retry never writes the primary twice.
type TeeSink struct {
	primary Sink
	archive Sink
	mu      sync.Mutex
}

// NewTeeSink pairs a primary sink with an archive.
func NewTeeSink(primary, archive Sink) *TeeSink {
	return &TeeSink{
		primary: primary,
		archive: archive,
	}
}

// InsertBatch writes records to the primary, then to the archive.
func (t *TeeSink) InsertBatch(ctx context.Context, records []models.PriceRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.primary.InsertBatch(ctx, records); err != nil {
		return err
	}

	if t.archive != nil {
		if err := t.archive.InsertBatch(ctx, records); err != nil {
			slog.Warn("archive write failed",
				slog.Int("batch_size", len(records)),
				slog.Any("error", err),
			)
		}
	}
	return nil
}
