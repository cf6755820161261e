package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/taxbracket/backend/internal/domain"
)

func newJob(queue domain.QueueName, runAt time.Time) *domain.Job {
	return &domain.Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Payload:    []byte(`{"userId":"u1","taxYear":2025}`),
		State:      domain.StateCreated,
		RetryLimit: 3,
		RunAt:      runAt,
		CreatedAt:  runAt,
	}
}

func testJobLifecycle(t *testing.T, store *Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	job := newJob(domain.QueueBuildContext, now)
	id, inserted, err := store.Insert(ctx, job)
	if err != nil || !inserted || id != job.ID {
		t.Fatalf("Insert() = %q, %v, %v", id, inserted, err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != domain.StateCreated || got.Queue != domain.QueueBuildContext || !got.RunAt.Equal(now) {
		t.Errorf("Get() = %+v", got)
	}

	claimed, err := store.Claim(ctx, domain.QueueBuildContext, 5, "token-1", now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim() = %d, %v, want 1", len(claimed), err)
	}
	if claimed[0].State != domain.StateActive || claimed[0].LockToken != "token-1" {
		t.Errorf("claimed = %+v", claimed[0])
	}

	// Already active: nothing left to claim
	again, _ := store.Claim(ctx, domain.QueueBuildContext, 5, "token-2", now)
	if len(again) != 0 {
		t.Errorf("second Claim() = %d, want 0", len(again))
	}

	if err := store.Retry(ctx, id, "token-2", "boom", now); !errors.Is(err, domain.ErrLostClaim) {
		t.Errorf("Retry() with foreign token error = %v, want %v", err, domain.ErrLostClaim)
	}
	if err := store.Retry(ctx, id, "token-1", "boom", now.Add(time.Minute)); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	got, _ = store.Get(ctx, id)
	if got.State != domain.StateRetrying || got.RetryCount != 1 || got.Error != "boom" || got.LockToken != "" {
		t.Errorf("after Retry() = %+v", got)
	}

	// Not due before the backoff elapses
	early, _ := store.Claim(ctx, domain.QueueBuildContext, 5, "token-3", now)
	if len(early) != 0 {
		t.Errorf("Claim() before run_at = %d, want 0", len(early))
	}
	claimed, _ = store.Claim(ctx, domain.QueueBuildContext, 5, "token-3", now.Add(time.Minute))
	if len(claimed) != 1 || claimed[0].RetryCount != 1 {
		t.Fatalf("Claim() after backoff = %+v", claimed)
	}

	if err := store.Complete(ctx, id, "token-3", "done", now); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, _ = store.Get(ctx, id)
	if got.State != domain.StateCompleted || got.Output != "done" || got.CompletedAt.IsZero() {
		t.Errorf("after Complete() = %+v", got)
	}
	if err := store.Fail(ctx, id, "token-3", "late", now); !errors.Is(err, domain.ErrLostClaim) {
		t.Errorf("Fail() after Complete() error = %v, want %v", err, domain.ErrLostClaim)
	}
}

func TestStore_JobLifecycle(t *testing.T) {
	testJobLifecycle(t, setupTestStore(t))
}

func TestStore_JobLifecyclePostgres(t *testing.T) {
	testJobLifecycle(t, setupPostgresStore(t))
}

func TestStore_GetNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func TestStore_InsertSingleton(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := newJob(domain.QueueComputeAggregates, now)
	first.SingletonKey = "compute-aggregates:parse-1"
	second := newJob(domain.QueueComputeAggregates, now)
	second.SingletonKey = first.SingletonKey

	id1, ok1, err := store.Insert(ctx, first)
	if err != nil || !ok1 {
		t.Fatalf("Insert() = %v, %v", ok1, err)
	}
	id2, ok2, err := store.Insert(ctx, second)
	if err != nil {
		t.Fatalf("Insert() duplicate error = %v", err)
	}
	if ok2 || id2 != id1 {
		t.Errorf("duplicate Insert() = %q, %v, want %q, false", id2, ok2, id1)
	}

	// Jobs without a key never collide
	for i := 0; i < 2; i++ {
		if _, ok, err := store.Insert(ctx, newJob(domain.QueueComputeAggregates, now)); err != nil || !ok {
			t.Fatalf("Insert() without key = %v, %v", ok, err)
		}
	}
	jobs, _ := store.List(ctx, domain.JobFilter{Queue: domain.QueueComputeAggregates})
	if len(jobs) != 3 {
		t.Errorf("List() = %d jobs, want 3", len(jobs))
	}
}

func TestStore_ClaimIsExclusive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	const total = 20
	for i := 0; i < total; i++ {
		if _, _, err := store.Insert(ctx, newJob(domain.QueueParseFile, now)); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				jobs, err := store.Claim(ctx, domain.QueueParseFile, 3, fmt.Sprintf("worker-%d", w), now)
				if err != nil {
					t.Errorf("Claim() error = %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestStore_HeartbeatAndStalled(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Insert(ctx, newJob(domain.QueueParseFile, now))
	claimed, _ := store.Claim(ctx, domain.QueueParseFile, 1, "tok", now)
	if len(claimed) != 1 {
		t.Fatalf("Claim() = %d, want 1", len(claimed))
	}

	stalled, err := store.FindStalled(ctx, now.Add(time.Minute), 10)
	if err != nil || len(stalled) != 1 {
		t.Fatalf("FindStalled() = %d, %v, want 1", len(stalled), err)
	}

	if err := store.Heartbeat(ctx, []string{claimed[0].ID}, "tok", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	stalled, _ = store.FindStalled(ctx, now.Add(time.Minute), 10)
	if len(stalled) != 0 {
		t.Errorf("FindStalled() after heartbeat = %d, want 0", len(stalled))
	}

	// A foreign token does not extend the lease
	store.Heartbeat(ctx, []string{claimed[0].ID}, "other", now.Add(time.Hour))
	stalled, _ = store.FindStalled(ctx, now.Add(30*time.Minute), 10)
	if len(stalled) != 1 {
		t.Errorf("FindStalled() after foreign heartbeat = %d, want 1", len(stalled))
	}
}

func TestStore_ListFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		store.Insert(ctx, newJob(domain.QueueParseFile, now.Add(time.Duration(i)*time.Second)))
	}
	store.Insert(ctx, newJob(domain.QueueBuildContext, now))
	claimed, _ := store.Claim(ctx, domain.QueueParseFile, 1, "tok", now.Add(time.Hour))
	store.Fail(ctx, claimed[0].ID, "tok", "bad", now)

	failed, err := store.List(ctx, domain.JobFilter{State: domain.StateFailed})
	if err != nil || len(failed) != 1 || failed[0].Error != "bad" {
		t.Fatalf("List(failed) = %+v, %v", failed, err)
	}
	limited, _ := store.List(ctx, domain.JobFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("List(limit 2) = %d", len(limited))
	}
	if limited[0].CreatedAt.Before(limited[1].CreatedAt) {
		t.Errorf("List() not newest first")
	}
}
