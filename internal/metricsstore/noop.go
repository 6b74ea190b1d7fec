package metricsstore

import "context"

// NoopCollector satisfies Collector when ENABLE_METRICS=false. It discards
// every record and reports itself as disabled so the load balancer can
// reject strategies that require real aggregates instead of silently
// routing on zero-valued stats.
type NoopCollector struct{}

func (NoopCollector) Enabled() bool         { return false }
func (NoopCollector) RecordComplete(Record) {}
func (NoopCollector) Close() error          { return nil }

func (NoopCollector) GetStats(context.Context, string, Window) (Stats, error) {
	return Stats{SuccessRate: 1}, nil
}

func (NoopCollector) GetAllStats(context.Context, Window) (map[string]Stats, error) {
	return map[string]Stats{}, nil
}

func (NoopCollector) GetHistoricalStats(context.Context, HistoricalQuery) ([]Bucket, error) {
	return nil, nil
}
