package metrics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
)

// Period is one of the aggregation windows GetAggregates accepts.
type Period string

const (
	PeriodToday     Period = "today"
	PeriodYesterday Period = "yesterday"
	PeriodWeek      Period = "week"
	PeriodMonth     Period = "month"
)

// maxRetainedLatencies bounds the per-(backend,operation,day) latency
// list used for percentile computation.
const maxRetainedLatencies = 1000

// RequestRecord is a single request's lifecycle record. Written once at
// RecordStart (Success/Error/EndedAt/Latency zero-valued until
// RecordEnd), completed at most once by RecordEnd.
type RequestRecord struct {
	RequestID   string
	Backend     string
	Operation   string
	CallerID    string
	StartedAt   time.Time
	EndedAt     time.Time
	LatencySec  float64
	Success     bool
	Tokens      int
	Error       string
	ended       bool
}

// Aggregate is the per-(backend, operation, day) rollup GetAggregates
// returns.
type Aggregate struct {
	Backend      string
	Operation    string
	Day          string
	RequestCount int64
	SuccessCount int64
	FailureCount int64
	TokenSum     int64
	AvgLatency   float64
	P95Latency   float64
	P99Latency   float64
	SuccessRate  float64
}

type bucketKey struct {
	backend   string
	operation string
	day       string
}

type bucket struct {
	mu           sync.Mutex
	requestCount int64
	successCount int64
	failureCount int64
	tokenSum     int64
	latencySum   float64
	latencies    []float64 // ring, capped at maxRetainedLatencies
}

func (b *bucket) record(success bool, latency float64, tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requestCount++
	if success {
		b.successCount++
	} else {
		b.failureCount++
	}
	b.tokenSum += int64(tokens)
	b.latencySum += latency

	b.latencies = append(b.latencies, latency)
	if len(b.latencies) > maxRetainedLatencies {
		b.latencies = b.latencies[len(b.latencies)-maxRetainedLatencies:]
	}
}

func (b *bucket) snapshot(backend, operation, day string) Aggregate {
	b.mu.Lock()
	defer b.mu.Unlock()

	agg := Aggregate{
		Backend:      backend,
		Operation:    operation,
		Day:          day,
		RequestCount: b.requestCount,
		SuccessCount: b.successCount,
		FailureCount: b.failureCount,
		TokenSum:     b.tokenSum,
	}
	if b.requestCount > 0 {
		agg.AvgLatency = b.latencySum / float64(b.requestCount)
		agg.SuccessRate = float64(b.successCount) / float64(b.requestCount) * 100
	}
	agg.P95Latency = percentile(b.latencies, 0.95)
	agg.P99Latency = percentile(b.latencies, 0.99)
	return agg
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Recorder implements C3's RecordStart/RecordEnd/GetAggregates/GetRequest.
// The in-memory table is always authoritative for reads; ClickHouse (when
// configured) receives a best-effort async mirror of every completed
// request for durable analytics, through the ClickHouse/clickhouse-go/v2
// connection opened by DialClickHouse. A ClickHouse outage degrades the recorder to the
// in-memory store only, logged once.
type Recorder struct {
	log *slog.Logger

	mu       sync.RWMutex
	requests map[string]*RequestRecord
	buckets  map[bucketKey]*bucket

	clickhouse     clickhouse.Conn
	clickhouseOnce sync.Once
	chWarnOnce     sync.Once
	chFailures     atomic.Int64
}

// NewRecorder builds a Recorder. conn may be nil (no durable mirror — the
// recorder still works in-memory-only; a ClickHouse outage degrades to
// an in-memory best-effort store).
func NewRecorder(log *slog.Logger, conn clickhouse.Conn) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		log:        log,
		requests:   map[string]*RequestRecord{},
		buckets:    map[bucketKey]*bucket{},
		clickhouse: conn,
	}
}

// RecordStart begins tracking a request and returns its request id.
func (r *Recorder) RecordStart(backend, operation, callerID string) string {
	id := uuid.NewString()
	rec := &RequestRecord{
		RequestID: id,
		Backend:   backend,
		Operation: operation,
		CallerID:  callerID,
		StartedAt: time.Now(),
	}

	r.mu.Lock()
	r.requests[id] = rec
	r.mu.Unlock()

	return id
}

// RecordEnd completes a request. Idempotent: a second call for the same
// request id is a no-op — metrics for a given request id are written
// exactly once for start and at most once for completion.
func (r *Recorder) RecordEnd(ctx context.Context, requestID string, success bool, latency time.Duration, tokens int, errMsg string) {
	r.mu.Lock()
	rec, ok := r.requests[requestID]
	if !ok || rec.ended {
		r.mu.Unlock()
		return
	}
	rec.ended = true
	rec.EndedAt = time.Now()
	rec.LatencySec = latency.Seconds()
	rec.Success = success
	rec.Tokens = tokens
	rec.Error = errMsg

	day := rec.StartedAt.UTC().Format("2006-01-02")
	key := bucketKey{backend: rec.Backend, operation: rec.Operation, day: day}
	b, exists := r.buckets[key]
	if !exists {
		b = &bucket{}
		r.buckets[key] = b
	}
	r.mu.Unlock()

	b.record(success, rec.LatencySec, tokens)
	r.mirrorToClickHouse(ctx, rec)
}

// GetRequest returns the recorded state for request_id, or nil if unknown.
func (r *Recorder) GetRequest(requestID string) *RequestRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.requests[requestID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// GetAggregates returns aggregates filtered by backend/operation (either
// may be empty to mean "all") for the given period. "today"/"yesterday"
// resolve to a single day bucket; "week"/"month" sum the last 7/30 days.
func (r *Recorder) GetAggregates(backend, operation string, period Period) []Aggregate {
	days := periodDays(period)

	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := map[string]*Aggregate{}
	for key, b := range r.buckets {
		if backend != "" && key.backend != backend {
			continue
		}
		if operation != "" && key.operation != operation {
			continue
		}
		if !days[key.day] {
			continue
		}

		snap := b.snapshot(key.backend, key.operation, key.day)
		mk := key.backend + "|" + key.operation
		cur, ok := merged[mk]
		if !ok {
			merged[mk] = &snap
			continue
		}
		mergeAggregate(cur, &snap)
	}

	out := make([]Aggregate, 0, len(merged))
	for _, agg := range merged {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Backend != out[j].Backend {
			return out[i].Backend < out[j].Backend
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

func mergeAggregate(dst, src *Aggregate) {
	totalReq := dst.RequestCount + src.RequestCount
	if totalReq > 0 {
		dst.AvgLatency = (dst.AvgLatency*float64(dst.RequestCount) + src.AvgLatency*float64(src.RequestCount)) / float64(totalReq)
	}
	dst.RequestCount = totalReq
	dst.SuccessCount += src.SuccessCount
	dst.FailureCount += src.FailureCount
	dst.TokenSum += src.TokenSum
	if src.P95Latency > dst.P95Latency {
		dst.P95Latency = src.P95Latency
	}
	if src.P99Latency > dst.P99Latency {
		dst.P99Latency = src.P99Latency
	}
	if dst.RequestCount > 0 {
		dst.SuccessRate = float64(dst.SuccessCount) / float64(dst.RequestCount) * 100
	}
}

func periodDays(p Period) map[string]bool {
	now := time.Now().UTC()
	days := map[string]bool{}
	switch p {
	case PeriodYesterday:
		days[now.AddDate(0, 0, -1).Format("2006-01-02")] = true
	case PeriodWeek:
		for i := 0; i < 7; i++ {
			days[now.AddDate(0, 0, -i).Format("2006-01-02")] = true
		}
	case PeriodMonth:
		for i := 0; i < 30; i++ {
			days[now.AddDate(0, 0, -i).Format("2006-01-02")] = true
		}
	default: // today
		days[now.Format("2006-01-02")] = true
	}
	return days
}

// OperationalMetrics returns the neutral-default-safe (success_rate,
// latency_avg) pair the selector (C6) needs for a given backend/operation
// today, matching the Python source's get_operational_metrics defaults of
// success_rate=100, latency=1.0 when no data is available.
func (r *Recorder) OperationalMetrics(backend, operation string) (successRate, latencyAvg float64) {
	aggs := r.GetAggregates(backend, operation, PeriodToday)
	if len(aggs) == 0 {
		return 100, 1.0
	}
	agg := aggs[0]
	if agg.RequestCount == 0 {
		return 100, 1.0
	}
	latency := agg.AvgLatency
	if latency <= 0 {
		latency = 1.0
	}
	return agg.SuccessRate, latency
}

func (r *Recorder) mirrorToClickHouse(ctx context.Context, rec *RequestRecord) {
	if r.clickhouse == nil {
		return
	}
	// Fire-and-forget: the durable mirror must never add latency or
	// failure risk to the caller's request path.
	go func() {
		mctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		err := r.clickhouse.AsyncInsert(mctx, `
			INSERT INTO llm_request_metrics
			(request_id, backend, operation, caller_id, started_at, ended_at, latency_seconds, success, tokens, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, false,
			rec.RequestID, rec.Backend, rec.Operation, rec.CallerID,
			rec.StartedAt, rec.EndedAt, rec.LatencySec, rec.Success, rec.Tokens, rec.Error,
		)
		if err != nil {
			r.chFailures.Add(1)
			r.chWarnOnce.Do(func() {
				r.log.WarnContext(ctx, "clickhouse metrics mirror unavailable, continuing in-memory only", "error", err)
			})
		}
	}()
}
