package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taxbracket/backend/internal/domain"
)

func TestStore_PipelineRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.GetRun(ctx, "u1", 2025); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("GetRun() error = %v, want %v", err, domain.ErrRunNotFound)
	}

	run := &domain.PipelineRun{UserID: "u1", TaxYear: 2025, Status: domain.RunParsing, FileID: "f1", JobID: "j1", CreatedAt: now, UpdatedAt: now}
	if err := store.StartStage(ctx, run); err != nil {
		t.Fatalf("StartStage() error = %v", err)
	}

	settled := *run
	settled.Status = domain.RunParsed
	ok, err := store.SettleStage(ctx, &settled, domain.RunParsing)
	if err != nil || !ok {
		t.Fatalf("SettleStage() = %v, %v", ok, err)
	}
	// The run left parsing; a late settle is rejected
	late := *run
	late.Status = domain.RunParseFailed
	if ok, _ := store.SettleStage(ctx, &late, domain.RunParsing); ok {
		t.Error("SettleStage() from stale status = true")
	}

	// Next stage keeps the file id
	next := &domain.PipelineRun{UserID: "u1", TaxYear: 2025, Status: domain.RunAggregating, JobID: "j2", CreatedAt: now, UpdatedAt: now.Add(time.Second)}
	if err := store.StartStage(ctx, next); err != nil {
		t.Fatalf("StartStage() error = %v", err)
	}
	got, err := store.GetRun(ctx, "u1", 2025)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != domain.RunAggregating || got.FileID != "f1" || got.JobID != "j2" {
		t.Errorf("run = %+v", got)
	}

	store.StartStage(ctx, &domain.PipelineRun{UserID: "u2", TaxYear: 2025, Status: domain.RunParsing, CreatedAt: now, UpdatedAt: now})
	failed := &domain.PipelineRun{UserID: "u2", TaxYear: 2025, Status: domain.RunParseFailed, Error: "bad csv", UpdatedAt: now}
	store.SettleStage(ctx, failed, domain.RunParsing)

	runs, err := store.ListRuns(ctx, []domain.RunStatus{domain.RunParseFailed, domain.RunAggregateFailed})
	if err != nil || len(runs) != 1 || runs[0].UserID != "u2" || runs[0].Error != "bad csv" {
		t.Errorf("ListRuns(failed) = %+v, %v", runs, err)
	}
	all, _ := store.ListRuns(ctx, nil)
	if len(all) != 2 {
		t.Errorf("ListRuns(all) = %d, want 2", len(all))
	}
}

func TestStore_PipelineRunsRejectInvalidTransitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &domain.PipelineRun{UserID: "u1", TaxYear: 2026, Status: domain.RunParsing, CreatedAt: now, UpdatedAt: now}
	if err := store.StartStage(ctx, run); err != nil {
		t.Fatalf("StartStage() error = %v", err)
	}

	tests := []struct {
		name     string
		status   domain.RunStatus
		expected domain.RunStatus
	}{
		{name: "skip a stage", status: domain.RunAggregated, expected: domain.RunParsing},
		{name: "settle into running", status: domain.RunReady, expected: domain.RunAggregating},
		{name: "wrong stage failure", status: domain.RunContextFailed, expected: domain.RunParsing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := *run
			bad.Status = tt.status
			ok, err := store.SettleStage(ctx, &bad, tt.expected)
			if !errors.Is(err, domain.ErrInvalidTransition) || ok {
				t.Errorf("SettleStage() = %v, %v, want ErrInvalidTransition", ok, err)
			}
		})
	}

	start := *run
	start.Status = domain.RunParsed
	if err := store.StartStage(ctx, &start); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("StartStage(parsed) error = %v, want ErrInvalidTransition", err)
	}
	got, err := store.GetRun(ctx, "u1", 2026)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunParsing {
		t.Errorf("status = %s, want parsing", got.Status)
	}

	reupload := *run
	reupload.Status = domain.RunUploaded
	if err := store.StartStage(ctx, &reupload); err != nil {
		t.Errorf("StartStage(uploaded) error = %v", err)
	}
}
