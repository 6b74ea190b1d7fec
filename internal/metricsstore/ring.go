package metricsstore

import (
	"sync"
	"time"
)

// minuteBucket accumulates counts and TTFT sums for one (backend, minute)
// cell.
type minuteBucket struct {
	successCount int
	failureCount int

	streamingTTFTSum   int64
	streamingTTFTCount int
	nonStreamTTFTSum   int64
	nonStreamTTFTCount int
}

// Ring is an in-memory, minute-bucketed aggregation window. It is the hot
// read path for the load balancer: always-fresh, never blocks on external
// I/O. retention bounds memory growth by dropping buckets older than
// retention minutes on each fold.
type Ring struct {
	mu        sync.RWMutex
	retention time.Duration
	// buckets[backendID][minuteUnix] = *minuteBucket
	buckets map[string]map[int64]*minuteBucket
}

// NewRing creates a Ring retaining retentionMinutes of history (default 60
// when retentionMinutes <= 0).
func NewRing(retentionMinutes int) *Ring {
	if retentionMinutes <= 0 {
		retentionMinutes = 60
	}
	return &Ring{
		retention: time.Duration(retentionMinutes) * time.Minute,
		buckets:   make(map[string]map[int64]*minuteBucket),
	}
}

func minuteKey(t time.Time) int64 {
	return t.Truncate(time.Minute).Unix()
}

// Fold incorporates a batch of records into the ring and evicts buckets
// older than the retention window.
func (r *Ring) Fold(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		backend, ok := r.buckets[rec.BackendID]
		if !ok {
			backend = make(map[int64]*minuteBucket)
			r.buckets[rec.BackendID] = backend
		}
		mk := minuteKey(rec.Timestamp)
		b, ok := backend[mk]
		if !ok {
			b = &minuteBucket{}
			backend[mk] = b
		}

		switch rec.Status {
		case StatusSuccess:
			b.successCount++
		case StatusFailure:
			b.failureCount++
		}

		if rec.TTFTMs != nil {
			switch rec.StreamType {
			case StreamTypeStreaming:
				b.streamingTTFTSum += *rec.TTFTMs
				b.streamingTTFTCount++
			default:
				b.nonStreamTTFTSum += *rec.TTFTMs
				b.nonStreamTTFTCount++
			}
		}
	}

	r.evictOldLocked()
}

func (r *Ring) evictOldLocked() {
	cutoff := minuteKey(time.Now().Add(-r.retention))
	for backendID, minutes := range r.buckets {
		for mk := range minutes {
			if mk < cutoff {
				delete(minutes, mk)
			}
		}
		if len(minutes) == 0 {
			delete(r.buckets, backendID)
		}
	}
}

// Stats aggregates every bucket for backendID within [w.Start, w.End).
func (r *Ring) Stats(backendID string, w Window) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.statsLocked(backendID, w)
}

func (r *Ring) statsLocked(backendID string, w Window) Stats {
	minutes, ok := r.buckets[backendID]
	if !ok {
		return Stats{SuccessRate: 1}
	}

	startMin := minuteKey(w.Start)
	endMin := minuteKey(w.End)

	var success, failure int
	var streamSum, nonStreamSum int64
	var streamCount, nonStreamCount int

	for mk, b := range minutes {
		if mk < startMin || mk > endMin {
			continue
		}
		success += b.successCount
		failure += b.failureCount
		streamSum += b.streamingTTFTSum
		streamCount += b.streamingTTFTCount
		nonStreamSum += b.nonStreamTTFTSum
		nonStreamCount += b.nonStreamTTFTCount
	}

	total := success + failure
	rate := 1.0
	if total > 0 {
		rate = float64(success) / float64(total)
	}

	s := Stats{
		TotalRequests:      total,
		SuccessfulRequests: success,
		FailedRequests:     failure,
		SuccessRate:        rate,
	}
	if streamCount > 0 {
		s.AverageStreamingTTFMs = float64(streamSum) / float64(streamCount)
	}
	if nonStreamCount > 0 {
		s.AverageNonStreamTTFMs = float64(nonStreamSum) / float64(nonStreamCount)
	}
	return s
}

// AllStats returns Stats for every backend with at least one bucket.
func (r *Ring) AllStats(w Window) map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.buckets))
	for backendID := range r.buckets {
		out[backendID] = r.statsLocked(backendID, w)
	}
	return out
}

// Historical serves GetHistoricalStats from the ring when the requested
// window fits within retention. Returns ok=false when it does not, so the
// caller can fall back to a ClickHouse query.
func (r *Ring) Historical(q HistoricalQuery) (buckets []Bucket, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if time.Since(q.Start) > r.retention {
		return nil, false
	}

	startMin := minuteKey(q.Start)
	endMin := minuteKey(q.End)

	for backendID, minutes := range r.buckets {
		if q.BackendID != "" && backendID != q.BackendID {
			continue
		}
		for mk, b := range minutes {
			if mk < startMin || mk > endMin {
				continue
			}
			bucket := Bucket{
				BackendID:    backendID,
				Minute:       time.Unix(mk, 0).UTC(),
				SuccessCount: b.successCount,
				FailureCount: b.failureCount,
			}
			if b.streamingTTFTCount > 0 {
				bucket.StreamingTTFTMs = float64(b.streamingTTFTSum) / float64(b.streamingTTFTCount)
				bucket.HasStreamingData = true
			}
			if b.nonStreamTTFTCount > 0 {
				bucket.NonStreamTTFTMs = float64(b.nonStreamTTFTSum) / float64(b.nonStreamTTFTCount)
				bucket.HasNonStreamData = true
			}
			buckets = append(buckets, bucket)
		}
	}

	if q.Limit > 0 && len(buckets) > q.Limit {
		buckets = buckets[:q.Limit]
	}
	return buckets, true
}
