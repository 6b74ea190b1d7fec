// Package metricsstore records one RequestMetric per completed request and
// serves time-windowed aggregates to the load balancer and the admin stats
// surface.
//
// Writes are fire-and-forget: Collector.RecordComplete never blocks the
// caller and never surfaces a write failure to it. The async batching writer
// (see batcher.go) uses a bounded channel with batch-or-tick flush and a
// dropped-entry counter.
package metricsstore

import (
	"context"
	"log/slog"
	"time"
)

// Status is the terminal outcome of one backend attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// StreamType distinguishes streaming from non-streaming completions for TTFT
// aggregation purposes.
type StreamType string

const (
	StreamTypeStreaming    StreamType = "streaming"
	StreamTypeNonStreaming StreamType = "non-streaming"
)

// Record is one immutable, append-only RequestMetric.
type Record struct {
	BackendID  string
	InstanceID string
	RequestID  string
	Model      string
	Timestamp  time.Time
	Status     Status
	DurationMs int64
	TTFTMs     *int64
	StreamType StreamType
	ErrorType  string
}

// Window is a half-open time range [Start, End) over which stats are
// aggregated.
type Window struct {
	Start time.Time
	End   time.Time
}

// Last returns a Window covering the last d before now.
func Last(d time.Duration) Window {
	now := time.Now()
	return Window{Start: now.Add(-d), End: now}
}

// Stats is the aggregate the load balancer and admin surface consume.
type Stats struct {
	TotalRequests         int
	SuccessfulRequests    int
	FailedRequests        int
	SuccessRate           float64 // successful/total; 1.0 when total == 0, per convention
	AverageStreamingTTFMs float64
	AverageNonStreamTTFMs float64
}

// ErrorRate is 1 - SuccessRate.
func (s Stats) ErrorRate() float64 {
	return 1 - s.SuccessRate
}

// HistoricalQuery parameterizes GetHistoricalStats.
type HistoricalQuery struct {
	BackendID  string // optional
	InstanceID string // optional
	Start      time.Time
	End        time.Time
	Limit      int // optional, 0 = no limit
}

// Bucket is one minute-aligned aggregation point in a historical series.
type Bucket struct {
	BackendID          string
	Minute             time.Time
	SuccessCount       int
	FailureCount       int
	StreamingTTFTMs    float64
	NonStreamTTFTMs    float64
	HasStreamingData   bool
	HasNonStreamData   bool
}

// Collector is the interface the dispatcher and load balancer depend on.
type Collector interface {
	// Enabled reports whether this collector actually aggregates anything.
	// The NoopCollector returns false so callers that require real stats
	// (the lowest-ttft and min-error-rate strategies) can surface an
	// explicit configuration error instead of silently routing on zeros.
	Enabled() bool

	// RecordComplete enqueues rec for asynchronous aggregation. Never blocks
	// and never returns an error to the caller; overflow is dropped and
	// counted internally.
	RecordComplete(rec Record)

	GetStats(ctx context.Context, backendID string, w Window) (Stats, error)
	GetAllStats(ctx context.Context, w Window) (map[string]Stats, error)
	GetHistoricalStats(ctx context.Context, q HistoricalQuery) ([]Bucket, error)

	Close() error
}

// New builds the production Collector: an in-memory Ring plus, when
// clickhouseDSN is non-empty, a ClickHouse-backed historical sink. Pass an
// empty clickhouseDSN to skip historical persistence entirely —
// GetHistoricalStats then only serves what the Ring still retains.
func New(ctx context.Context, clickhouseDSN string, retentionMinutes int, log *slog.Logger) (Collector, error) {
	sink, err := newHistorySink(ctx, clickhouseDSN, log)
	if err != nil {
		return nil, err
	}
	ring := NewRing(retentionMinutes)
	return NewBatchingCollector(ctx, ring, sink, log), nil
}
