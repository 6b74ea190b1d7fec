package metricsstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// BatchingCollector is the production Collector: a non-blocking, batched
// writer generalized from the ambient async request logger. Every flush
// folds into the in-memory Ring (authoritative for load-balancing) and, when
// a ClickHouse DSN was configured, asynchronously persists the same batch
// for historical queries.
type BatchingCollector struct {
	ch   chan Record
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once

	ring *Ring
	sink *historySink

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewBatchingCollector starts the background flush loop. sink may be nil
// (historical persistence disabled).
func NewBatchingCollector(ctx context.Context, ring *Ring, sink *historySink, log *slog.Logger) *BatchingCollector {
	c := &BatchingCollector{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		ring:    ring,
		sink:    sink,
		baseCtx: ctx,
		log:     log,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *BatchingCollector) Enabled() bool { return true }

func (c *BatchingCollector) RecordComplete(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case c.ch <- rec:
	default:
		atomic.AddInt64(&c.dropped, 1)
	}
}

// DroppedCount reports how many records were discarded because the
// channel was full.
func (c *BatchingCollector) DroppedCount() int64 {
	return atomic.LoadInt64(&c.dropped)
}

func (c *BatchingCollector) GetStats(_ context.Context, backendID string, w Window) (Stats, error) {
	return c.ring.Stats(backendID, w), nil
}

func (c *BatchingCollector) GetAllStats(_ context.Context, w Window) (map[string]Stats, error) {
	return c.ring.AllStats(w), nil
}

func (c *BatchingCollector) GetHistoricalStats(ctx context.Context, q HistoricalQuery) ([]Bucket, error) {
	if buckets, ok := c.ring.Historical(q); ok {
		return buckets, nil
	}
	return c.sink.query(ctx, q)
}

func (c *BatchingCollector) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return c.sink.close()
}

func (c *BatchingCollector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		toFlush := make([]Record, len(batch))
		copy(toFlush, batch)
		batch = batch[:0]

		c.ring.Fold(toFlush)
		if c.sink != nil {
			go c.sink.insertBatch(c.baseCtx, toFlush)
		}
	}

	for {
		select {
		case rec := <-c.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-c.done:
			for {
				select {
				case rec := <-c.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
