package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fathom-run/fathom/internal/model"
	"github.com/fathom-run/fathom/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeRecord(status model.ExecStatus) *model.ExecutionRecord {
	now := time.Now().UTC()
	exit := 0
	return &model.ExecutionRecord{
		ID:          model.NewID(),
		Language:    model.LanguagePython,
		Status:      status,
		ExitCode:    &exit,
		OutputBytes: 42,
		DurationMS:  120,
		CreatedAt:   now,
		FinishedAt:  &now,
	}
}

func TestRecordAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	rec := makeRecord(model.StatusCompleted)

	if err := s.RecordExecution(context.Background(), rec); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	got, err := s.GetExecution(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", got.ExitCode)
	}
	if got.OutputBytes != 42 {
		t.Errorf("output bytes = %d, want 42", got.OutputBytes)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListExecutions(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.RecordExecution(context.Background(), makeRecord(model.StatusCompleted)); err != nil {
			t.Fatalf("RecordExecution[%d]: %v", i, err)
		}
	}

	records, total, err := s.ListExecutions(context.Background(), 3, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(records) != 3 {
		t.Errorf("page size = %d, want 3", len(records))
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	for _, st := range []model.ExecStatus{
		model.StatusCompleted, model.StatusCompleted, model.StatusTimeout,
	} {
		if err := s.RecordExecution(context.Background(), makeRecord(st)); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}

	stats, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus["completed"] != 2 {
		t.Errorf("completed count = %d, want 2", stats.CountByStatus["completed"])
	}
	if stats.CountByStatus["timeout"] != 1 {
		t.Errorf("timeout count = %d, want 1", stats.CountByStatus["timeout"])
	}
	if stats.CountByLang["python"] != 3 {
		t.Errorf("python count = %d, want 3", stats.CountByLang["python"])
	}
	if stats.AvgDurationMS != 120 {
		t.Errorf("avg duration = %f, want 120", stats.AvgDurationMS)
	}
}
