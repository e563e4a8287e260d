// Package buffer accumulates validated readings in memory and lands them in
// the buffer store with chunked, all-or-nothing inserts.
package buffer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"edgesync/internal/db"
	"edgesync/internal/model"
)

const defaultChunkSize = 100

type Batcher struct {
	store *db.Store
	log   *zap.Logger
	chunk int

	mu    sync.Mutex
	queue []model.Reading
}

func New(store *db.Store, chunkSize int, log *zap.Logger) *Batcher {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Batcher{store: store, log: log, chunk: chunkSize}
}

// Add appends a reading to the in-memory queue.
func (b *Batcher) Add(r model.Reading) {
	b.mu.Lock()
	b.queue = append(b.queue, r)
	b.mu.Unlock()
}

// Pending returns the current queue depth.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush splits the queue into chunks and performs one atomic insert per
// chunk. All rows of a chunk land or none do. On a failed chunk the failed
// rows and everything after them go back on the queue for the next cycle;
// the number of rows actually inserted is returned, never inflated.
func (b *Batcher) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	inserted := 0
	for start := 0; start < len(pending); start += b.chunk {
		end := start + b.chunk
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]
		if err := b.store.InsertReadings(ctx, chunk); err != nil {
			b.mu.Lock()
			b.queue = append(pending[start:], b.queue...)
			b.mu.Unlock()
			b.log.Error("buffer insert failed, rows kept for retry",
				zap.Int("rows", len(chunk)),
				zap.Int("requeued", len(pending)-start),
				zap.Error(err))
			return inserted, err
		}
		inserted += len(chunk)
	}
	return inserted, nil
}
