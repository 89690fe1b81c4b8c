package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluence-tracker/pkg/db"
)

func testTx(label string) *db.Transaction {
	return &db.Transaction{
		WalletLabel: label,
		Side:        db.SideBuy,
		TokenSymbol: "WIF",
		Timestamp:   time.Now(),
	}
}

type scriptedProcessor struct {
	mu   sync.Mutex
	seen []Job
	done chan struct{}
	fail func(Job) error
}

func newScriptedProcessor(capacity int) *scriptedProcessor {
	return &scriptedProcessor{done: make(chan struct{}, capacity)}
}

func (p *scriptedProcessor) Process(ctx context.Context, job Job) error {
	if p.fail != nil {
		if err := p.fail(job); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.seen = append(p.seen, job)
	p.mu.Unlock()
	p.done <- struct{}{}
	return nil
}

func (p *scriptedProcessor) labels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.seen))
	for i, j := range p.seen {
		out[i] = j.Tx.WalletLabel
	}
	return out
}

func waitN(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for completion %d of %d", i+1, n)
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestJobsRunInArrivalOrder(t *testing.T) {
	proc := newScriptedProcessor(10)
	q := New(proc, 2)
	defer q.Close()

	labels := []string{"one", "two", "three", "four", "five"}
	for _, l := range labels {
		q.Enqueue(1, "trk", testTx(l))
	}
	waitN(t, proc.done, len(labels))

	got := proc.labels()
	for i, l := range labels {
		if got[i] != l {
			t.Fatalf("order = %v, want %v", got, labels)
		}
	}
}

func TestFailedJobRetriesUntilSuccess(t *testing.T) {
	proc := newScriptedProcessor(10)
	var mu sync.Mutex
	remaining := map[string]int{"flaky": 2}
	proc.fail = func(job Job) error {
		mu.Lock()
		defer mu.Unlock()
		if remaining[job.Tx.WalletLabel] > 0 {
			remaining[job.Tx.WalletLabel]--
			return errors.New("transient")
		}
		return nil
	}

	q := New(proc, 1)
	q.backoff = time.Millisecond
	defer q.Close()

	q.Enqueue(1, "trk", testTx("flaky"))
	q.Enqueue(1, "trk", testTx("steady"))
	waitN(t, proc.done, 2)

	// The healthy job goes through while the flaky one sits in backoff;
	// the retried job lands on its third run.
	proc.mu.Lock()
	byLabel := map[string]Job{}
	for _, j := range proc.seen {
		byLabel[j.Tx.WalletLabel] = j
	}
	proc.mu.Unlock()
	if byLabel["flaky"].Attempts != 2 {
		t.Errorf("flaky attempts = %d, want 2 failed tries before success", byLabel["flaky"].Attempts)
	}

	eventually(t, func() bool {
		s := q.Stats()
		return s.Processed == 2 && s.Failed == 2 && s.Retried == 2 && s.Dropped == 0
	}, "stats never settled at 2 processed, 2 failed, 2 retried")
}

func TestJobDroppedAfterMaxRetries(t *testing.T) {
	var calls int
	var mu sync.Mutex
	proc := newScriptedProcessor(1)
	proc.fail = func(Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("permanent")
	}

	q := New(proc, 1)
	q.backoff = time.Millisecond
	defer q.Close()

	q.Enqueue(1, "trk", testTx("doomed"))

	eventually(t, func() bool { return q.Stats().Dropped == 1 }, "job never dropped")
	mu.Lock()
	defer mu.Unlock()
	if calls != 1+MaxRetries {
		t.Errorf("attempts = %d, want %d", calls, 1+MaxRetries)
	}
}

func TestTenantsProcessInParallel(t *testing.T) {
	gate := make(chan struct{})
	arrived := make(chan int64, 4)
	proc := processorFunc(func(ctx context.Context, job Job) error {
		arrived <- job.TenantID
		<-gate
		return nil
	})

	q := New(proc, 2)
	defer func() {
		close(gate)
		q.Close()
	}()

	q.Enqueue(1, "trk", testTx("a"))
	q.Enqueue(2, "trk", testTx("b"))

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-arrived:
			seen[id] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d tenants in flight, want both at once", len(seen))
		}
	}
	if !seen[1] || !seen[2] {
		t.Errorf("in-flight tenants = %v, want 1 and 2", seen)
	}
}

type processorFunc func(ctx context.Context, job Job) error

func (f processorFunc) Process(ctx context.Context, job Job) error { return f(ctx, job) }

func TestTenantNeverHasTwoInFlight(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0
	proc := processorFunc(func(ctx context.Context, job Job) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})

	q := New(proc, 4)
	defer q.Close()

	for i := 0; i < 8; i++ {
		q.Enqueue(1, "trk", testTx("x"))
	}
	eventually(t, func() bool { return q.Stats().Processed == 8 }, "jobs did not finish")

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Errorf("max in-flight for one tenant = %d, want 1", maxActive)
	}
}

func TestLongBacklogDrainsAcrossBatches(t *testing.T) {
	proc := newScriptedProcessor(30)
	q := New(proc, 2)
	defer q.Close()

	for i := 0; i < 25; i++ {
		q.Enqueue(1, "trk", testTx("job"))
	}
	waitN(t, proc.done, 25)

	eventually(t, func() bool {
		s := q.Stats()
		return s.Processed == 25 && s.Pending == 0
	}, "queue never settled at 25 processed")
}

func TestTenantStats_TracksEachTenantSeparately(t *testing.T) {
	proc := newScriptedProcessor(10)
	var mu sync.Mutex
	remaining := map[string]int{"flaky": 1}
	proc.fail = func(job Job) error {
		mu.Lock()
		defer mu.Unlock()
		if remaining[job.Tx.WalletLabel] > 0 {
			remaining[job.Tx.WalletLabel]--
			return errors.New("transient")
		}
		return nil
	}

	q := New(proc, 2)
	q.backoff = time.Millisecond
	defer q.Close()

	q.Enqueue(1, "trk", testTx("flaky"))
	q.Enqueue(1, "trk", testTx("fine"))
	q.Enqueue(2, "trk", testTx("other"))
	waitN(t, proc.done, 3)

	eventually(t, func() bool {
		per := q.TenantStats()
		return per[1].Processed == 2 && per[2].Processed == 1
	}, "per-tenant processed counts never settled")

	per := q.TenantStats()
	if per[1].Failed != 1 || per[1].Retried != 1 {
		t.Errorf("tenant 1 failed/retried = %d/%d, want 1/1", per[1].Failed, per[1].Retried)
	}
	if per[2].Failed != 0 || per[2].Retried != 0 {
		t.Errorf("tenant 2 failed/retried = %d/%d, want 0/0", per[2].Failed, per[2].Retried)
	}
	if per[1].LastProcessed.IsZero() || per[2].LastProcessed.IsZero() {
		t.Error("last-processed timestamps not recorded")
	}
	if per[1].Pending != 0 || per[1].Inflight {
		t.Errorf("tenant 1 should be idle, got pending=%d inflight=%v", per[1].Pending, per[1].Inflight)
	}
}

func TestDropTenant_DiscardsPendingJobsOnly(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	proc := processorFunc(func(ctx context.Context, job Job) error {
		if job.TenantID == 1 {
			started <- struct{}{}
			<-gate
		}
		return nil
	})

	q := New(proc, 2)
	defer q.Close()

	for i := 0; i < 4; i++ {
		q.Enqueue(1, "trk", testTx("queued"))
	}
	q.Enqueue(2, "trk", testTx("other"))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("first job never went in flight")
	}

	if n := q.DropTenant(1); n != 3 {
		t.Errorf("dropped = %d, want the 3 pending jobs", n)
	}
	close(gate)

	// The in-flight job still completes and the other tenant is untouched.
	eventually(t, func() bool {
		s := q.Stats()
		return s.Processed == 2 && s.Pending == 0 && s.Dropped == 3
	}, "queue never settled after tenant drop")

	if n := q.DropTenant(99); n != 0 {
		t.Errorf("dropping an unknown tenant = %d, want 0", n)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	proc := newScriptedProcessor(1)
	q := New(proc, 1)
	q.Close()

	q.Enqueue(1, "trk", testTx("late"))
	if s := q.Stats(); s.Pending != 0 || s.Processed != 0 {
		t.Errorf("stats after closed enqueue = %+v, want empty", s)
	}
}
