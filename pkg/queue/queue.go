// Package queue serializes message processing per tenant. Every tenant has
// its own FIFO with at most one job in flight, so detections inside a
// tenant happen in arrival order while tenants proceed independently up to
// a global worker cap.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/confluence-tracker/pkg/db"
)

const (
	// BatchMax bounds how many jobs one drain pass may take before the
	// tenant goes back in rotation.
	BatchMax = 10
	// MaxRetries is how many times a failed job is re-run.
	MaxRetries = 3

	warnPending = 100
)

// Job is one parsed transaction awaiting the detection pipeline.
type Job struct {
	TenantID   int64
	Tracker    string
	Tx         *db.Transaction
	Attempts   int
	EnqueuedAt time.Time
}

// Processor runs a job to completion. A returned error schedules a retry.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

type tenantQueue struct {
	jobs     []Job
	inflight bool

	processed int64
	failed    int64
	retried   int64
	avgMs     float64
	lastDone  time.Time
}

type Queue struct {
	processor  Processor
	sem        *semaphore.Weighted
	backoff    time.Duration
	jobTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	tenants   map[int64]*tenantQueue
	closed    bool
	processed int64
	failed    int64
	retried   int64
	dropped   int64
	avgMs     float64
	lastWarn  time.Time
}

// Stats is a point-in-time snapshot for the dashboard.
type Stats struct {
	Pending   int     `json:"pending"`
	Inflight  int     `json:"inflight"`
	Processed int64   `json:"processed"`
	Failed    int64   `json:"failed"`
	Retried   int64   `json:"retried"`
	Dropped   int64   `json:"dropped"`
	AvgMs     float64 `json:"avg_ms"`
}

// TenantStats is the per-tenant slice of the queue counters.
type TenantStats struct {
	Pending       int       `json:"pending"`
	Inflight      bool      `json:"inflight"`
	Processed     int64     `json:"processed"`
	Failed        int64     `json:"failed"`
	Retried       int64     `json:"retried"`
	AvgMs         float64   `json:"avg_ms"`
	LastProcessed time.Time `json:"last_processed"`
}

func New(processor Processor, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		processor:  processor,
		sem:        semaphore.NewWeighted(int64(workers)),
		backoff:    time.Second,
		jobTimeout: 5 * time.Minute,
		tenants:    map[int64]*tenantQueue{},
	}
	q.baseCtx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Enqueue appends a job to the tenant's FIFO and kicks a drain if the
// tenant is idle.
func (q *Queue) Enqueue(tenantID int64, tracker string, tx *db.Transaction) {
	if tx == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	tq := q.tenantLocked(tenantID)
	tq.jobs = append(tq.jobs, Job{
		TenantID:   tenantID,
		Tracker:    tracker,
		Tx:         tx,
		EnqueuedAt: time.Now(),
	})
	q.warnBacklogLocked()
	q.dispatchLocked(tenantID)
	q.mu.Unlock()
}

func (q *Queue) tenantLocked(tenantID int64) *tenantQueue {
	tq, ok := q.tenants[tenantID]
	if !ok {
		tq = &tenantQueue{}
		q.tenants[tenantID] = tq
	}
	return tq
}

func (q *Queue) dispatchLocked(tenantID int64) {
	tq := q.tenants[tenantID]
	if tq == nil || tq.inflight || len(tq.jobs) == 0 || q.closed {
		return
	}
	tq.inflight = true
	q.wg.Add(1)
	go q.drain(tenantID)
}

// drain processes up to BatchMax jobs for one tenant, then yields its
// worker slot so a busy tenant cannot starve the others.
func (q *Queue) drain(tenantID int64) {
	defer q.wg.Done()

	if err := q.sem.Acquire(q.baseCtx, 1); err != nil {
		q.mu.Lock()
		if tq := q.tenants[tenantID]; tq != nil {
			tq.inflight = false
		}
		q.mu.Unlock()
		return
	}
	defer q.sem.Release(1)

	for n := 0; n < BatchMax; n++ {
		q.mu.Lock()
		tq := q.tenants[tenantID]
		if tq == nil || len(tq.jobs) == 0 || q.closed {
			if tq != nil {
				tq.inflight = false
			}
			q.mu.Unlock()
			return
		}
		job := tq.jobs[0]
		tq.jobs = tq.jobs[1:]
		q.mu.Unlock()

		q.run(job)
	}

	q.mu.Lock()
	tq := q.tenants[tenantID]
	tq.inflight = false
	q.dispatchLocked(tenantID)
	q.mu.Unlock()
}

func (q *Queue) run(job Job) {
	ctx, cancel := context.WithTimeout(q.baseCtx, q.jobTimeout)
	start := time.Now()
	err := q.processor.Process(ctx, job)
	cancel()
	elapsed := time.Since(start)

	q.mu.Lock()
	ms := float64(elapsed.Milliseconds())
	q.avgMs = q.avgMs*0.9 + ms*0.1
	tq := q.tenants[job.TenantID]
	if tq != nil {
		tq.avgMs = tq.avgMs*0.9 + ms*0.1
	}
	if err == nil {
		q.processed++
		if tq != nil {
			tq.processed++
			tq.lastDone = time.Now()
		}
		q.mu.Unlock()
		return
	}
	q.failed++
	if tq != nil {
		tq.failed++
	}
	q.mu.Unlock()

	q.scheduleRetry(job, err)
}

// scheduleRetry puts a failed job back at the FRONT of its tenant's FIFO
// after an exponential delay, preserving in-order processing.
func (q *Queue) scheduleRetry(job Job, procErr error) {
	job.Attempts++
	if job.Attempts > MaxRetries {
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		log.Error().Err(procErr).Int64("tenant", job.TenantID).Str("tracker", job.Tracker).
			Int("attempts", job.Attempts).Msg("job dropped after retries")
		return
	}

	delay := time.Duration(1<<uint(job.Attempts)) * q.backoff
	q.mu.Lock()
	q.retried++
	if tq := q.tenants[job.TenantID]; tq != nil {
		tq.retried++
	}
	q.mu.Unlock()
	log.Warn().Err(procErr).Int64("tenant", job.TenantID).Int("attempt", job.Attempts).
		Dur("delay", delay).Msg("job failed, retrying")

	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return
		}
		tq := q.tenantLocked(job.TenantID)
		tq.jobs = append([]Job{job}, tq.jobs...)
		q.dispatchLocked(job.TenantID)
	})
}

func (q *Queue) warnBacklogLocked() {
	pending := 0
	for _, tq := range q.tenants {
		pending += len(tq.jobs)
	}
	if pending <= warnPending || time.Since(q.lastWarn) < 30*time.Second {
		return
	}
	q.lastWarn = time.Now()
	log.Warn().Int("pending", pending).Msg("⚠️ queue backlog building up")
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Processed: q.processed,
		Failed:    q.failed,
		Retried:   q.retried,
		Dropped:   q.dropped,
		AvgMs:     q.avgMs,
	}
	for _, tq := range q.tenants {
		s.Pending += len(tq.jobs)
		if tq.inflight {
			s.Inflight++
		}
	}
	return s
}

// TenantStats breaks the counters down per tenant. A tenant shows up once
// it has enqueued a job and stays until DropTenant reclaims it.
func (q *Queue) TenantStats() map[int64]TenantStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[int64]TenantStats, len(q.tenants))
	for id, tq := range q.tenants {
		out[id] = TenantStats{
			Pending:       len(tq.jobs),
			Inflight:      tq.inflight,
			Processed:     tq.processed,
			Failed:        tq.failed,
			Retried:       tq.retried,
			AvgMs:         tq.avgMs,
			LastProcessed: tq.lastDone,
		}
	}
	return out
}

// DropTenant discards every pending job for one tenant and reports how many
// were thrown away. An in-flight job finishes on its own; the tenant's slot
// stays allocated until it does.
func (q *Queue) DropTenant(tenantID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	tq := q.tenants[tenantID]
	if tq == nil {
		return 0
	}
	n := len(tq.jobs)
	q.dropped += int64(n)
	tq.jobs = nil
	if !tq.inflight {
		delete(q.tenants, tenantID)
	}
	return n
}

// Close stops accepting work and waits for in-flight jobs. Jobs sitting in
// retry timers are abandoned.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
