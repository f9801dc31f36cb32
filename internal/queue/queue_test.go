package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/pkg/dispatcherr"
)

func newTestManager(t *testing.T, maxConcurrent int) (*Manager, context.Context, func()) {
	t.Helper()
	m := New(Config{MaxConcurrent: maxConcurrent, DefaultExecTimeo: time.Second, StatsInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	return m, ctx, func() {
		cancel()
		m.Stop()
	}
}

func TestManager_RunsSingleTaskToCompletion(t *testing.T) {
	m, _, stop := newTestManager(t, 2)
	defer stop()

	_, resultCh := m.Enqueue("b1", "generate", 5, time.Second, nil, func(ctx context.Context) (any, error) {
		return "ok", nil
	})

	select {
	case res := <-resultCh:
		if res.Status != StatusCompleted {
			t.Fatalf("expected completed, got %s", res.Status)
		}
		if res.Value != "ok" {
			t.Fatalf("expected value 'ok', got %v", res.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

// TestManager_PriorityOrdering reproduces scenario 3: with max_concurrent=1
// and one in-flight task occupying the slot, enqueue A (priority 7), then
// B (priority 3), then C (priority 3). After the in-flight finishes,
// expect execution order B, C, A.
func TestManager_PriorityOrdering(t *testing.T) {
	m, _, stop := newTestManager(t, 1)
	defer stop()

	blockCh := make(chan struct{})
	_, firstResult := m.Enqueue("hold", "generate", 1, 2*time.Second, nil, func(ctx context.Context) (any, error) {
		<-blockCh
		return nil, nil
	})

	var order []string
	var mu sync.Mutex
	done := make(chan struct{}, 3)

	record := func(name string) Work {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done <- struct{}{}
			return name, nil
		}
	}

	_, resA := m.Enqueue("A", "generate", 7, 2*time.Second, nil, record("A"))
	_, resB := m.Enqueue("B", "generate", 3, 2*time.Second, nil, record("B"))
	_, resC := m.Enqueue("C", "generate", 3, 2*time.Second, nil, record("C"))

	close(blockCh)
	<-firstResult

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for queued tasks to run")
		}
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()

	if len(got) != 3 || got[0] != "B" || got[1] != "C" || got[2] != "A" {
		t.Fatalf("expected execution order [B C A], got %v", got)
	}

	<-resA
	<-resB
	<-resC
}

// TestManager_QueueAdmissionTimeout reproduces scenario 4: with
// max_concurrent=1, enqueue a task whose exec_timeout is far shorter than
// how long the worker stays busy. Expect the task marked timeout without
// its work closure ever running.
func TestManager_QueueAdmissionTimeout(t *testing.T) {
	m, _, stop := newTestManager(t, 1)
	defer stop()

	blockCh := make(chan struct{})
	defer close(blockCh)

	_, holding := m.Enqueue("hold", "generate", 1, time.Second, nil, func(ctx context.Context) (any, error) {
		<-blockCh
		return nil, nil
	})

	invoked := false
	_, waiterResult := m.Enqueue("waiter", "generate", 1, 100*time.Millisecond, nil, func(ctx context.Context) (any, error) {
		invoked = true
		return "should not run", nil
	})

	select {
	case res := <-waiterResult:
		if res.Status != StatusTimeout {
			t.Fatalf("expected timeout status, got %s", res.Status)
		}
		var qte *dispatcherr.QueueTimeoutError
		if !errors.As(res.Err, &qte) {
			t.Fatalf("expected QueueTimeoutError, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for admission-timeout result")
	}
	if invoked {
		t.Fatal("work closure must not run once the queue-admission timeout has elapsed")
	}

	_ = holding
}

func TestManager_ExecutionTimeoutBudget(t *testing.T) {
	m, _, stop := newTestManager(t, 2)
	defer stop()

	_, resultCh := m.Enqueue("slow", "generate", 1, 80*time.Millisecond, nil, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	select {
	case res := <-resultCh:
		if res.Status != StatusTimeout {
			t.Fatalf("expected timeout status, got %s", res.Status)
		}
		var ete *dispatcherr.ExecutionTimeoutError
		if !errors.As(res.Err, &ete) {
			t.Fatalf("expected ExecutionTimeoutError, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for execution-timeout result")
	}
}

func TestManager_StatusReflectsCompletedHistory(t *testing.T) {
	m, _, stop := newTestManager(t, 2)
	defer stop()

	_, resultCh := m.Enqueue("b1", "generate", 1, time.Second, nil, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	<-resultCh

	snap := m.Status()
	if len(snap.RecentHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(snap.RecentHistory))
	}
	st, ok := snap.ModelStats["b1"]
	if !ok || st.Successes != 1 {
		t.Fatalf("expected backend b1 to show 1 success, got %+v", st)
	}
}
