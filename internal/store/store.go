// Package store persists an audit trail of finished executions. The protocol
// engine only ever writes to it at terminal transitions; nothing in the
// protocol path reads it back, so the stateless session model is preserved.
package store

import (
	"context"
	"errors"

	"github.com/fathom-run/fathom/internal/model"
)

// ErrNotFound is returned when an execution record is not found.
var ErrNotFound = errors.New("execution not found")

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByLang   map[string]int `json:"count_by_language"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for execution records.
type Store interface {
	RecordExecution(ctx context.Context, rec *model.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*model.ExecutionRecord, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.ExecutionRecord, int, error)
	GetStats(ctx context.Context) (*ExecutionStats, error)
	Close() error
}
