package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taxbracket/backend/internal/domain"
)

func TestStore_Schedules(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	sched := &domain.Schedule{
		Queue:     domain.QueueResetCredits,
		Cron:      "0 0 * * 1",
		Timezone:  "UTC",
		Payload:   []byte(`{}`),
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := store.UpsertSchedule(ctx, sched); err != nil {
		t.Fatalf("UpsertSchedule() error = %v", err)
	}

	fired := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	ok, err := store.AdvanceSchedule(ctx, sched.Queue, time.Time{}, fired)
	if err != nil || !ok {
		t.Fatalf("AdvanceSchedule() = %v, %v", ok, err)
	}
	// Stale previous value loses the race
	ok, _ = store.AdvanceSchedule(ctx, sched.Queue, time.Time{}, fired.Add(time.Hour))
	if ok {
		t.Error("AdvanceSchedule() with stale prev = true")
	}

	// Re-registration keeps creation time and last firing
	again := *sched
	again.Cron = "0 1 * * 1"
	again.CreatedAt = created.Add(24 * time.Hour)
	again.UpdatedAt = again.CreatedAt
	if err := store.UpsertSchedule(ctx, &again); err != nil {
		t.Fatalf("UpsertSchedule() again error = %v", err)
	}

	scheds, err := store.ListSchedules(ctx)
	if err != nil || len(scheds) != 1 {
		t.Fatalf("ListSchedules() = %d, %v, want 1", len(scheds), err)
	}
	got := scheds[0]
	if got.Cron != "0 1 * * 1" || !got.CreatedAt.Equal(created) || !got.LastFiredAt.Equal(fired) {
		t.Errorf("schedule = %+v", got)
	}

	if err := store.DeleteSchedule(ctx, sched.Queue); err != nil {
		t.Fatalf("DeleteSchedule() error = %v", err)
	}
	if err := store.DeleteSchedule(ctx, sched.Queue); !errors.Is(err, domain.ErrScheduleNotFound) {
		t.Errorf("DeleteSchedule() twice error = %v, want %v", err, domain.ErrScheduleNotFound)
	}
}
