package extract

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

type queued struct {
	payload   []byte
	speakerID string
	ts        time.Time
}

// Enqueue places a chunk on the internal FIFO. In realtime mode the queue is
// drained on every tick; otherwise call [Extractor.ProcessQueue] or
// [Extractor.ForceExtraction]. payload is copied. A zero ts is replaced by
// the extractor clock.
func (e *Extractor) Enqueue(payload []byte, speakerID string, ts time.Time) error {
	if speakerID == "" {
		return errors.New("extract: enqueue: speaker id must not be empty")
	}
	if e.isClosed() {
		return ErrClosed
	}
	if ts.IsZero() {
		ts = e.now()
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)

	e.queueMu.Lock()
	e.queue = append(e.queue, queued{payload: cp, speakerID: speakerID, ts: ts})
	e.queueMu.Unlock()
	return nil
}

// QueueLen returns the number of chunks waiting in the queue.
func (e *Extractor) QueueLen() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

// ProcessQueue drains up to BatchSize queued chunks and returns how many it
// took. Batches run strictly one after another. Within a batch, speaker
// changes are decided in arrival order and split the batch; each part is
// then processed with one goroutine per speaker, each speaker's chunks in
// order.
func (e *Extractor) ProcessQueue(ctx context.Context) int {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	size := e.Config().BatchSize
	e.queueMu.Lock()
	n := min(size, len(e.queue))
	batch := e.queue[:n:n]
	e.queue = e.queue[n:]
	e.queueMu.Unlock()
	if n == 0 {
		return 0
	}

	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	start := 0
	for i, it := range batch {
		ev := e.changeLocked(it.speakerID, it.ts)
		if ev == nil {
			continue
		}
		e.ingestParallel(ctx, batch[start:i])
		e.applyChange(ctx, *ev)
		start = i
	}
	e.ingestParallel(ctx, batch[start:])
	return n
}

// ingestParallel admits items with one goroutine per speaker.
func (e *Extractor) ingestParallel(ctx context.Context, items []queued) {
	if len(items) == 0 {
		return
	}
	var order []string
	groups := make(map[string][]queued)
	for _, it := range items {
		if _, ok := groups[it.speakerID]; !ok {
			order = append(order, it.speakerID)
		}
		groups[it.speakerID] = append(groups[it.speakerID], it)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range order {
		items := groups[id]
		g.Go(func() error {
			for _, it := range items {
				if _, err := e.ingest(gctx, it.payload, id, it.ts); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("extract: queued batch aborted", "items", len(items), "err", err)
	}
}
