package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"forgelab/internal/domain"
	"forgelab/internal/infra"
	"forgelab/internal/sqlinline"
)

// JobEventRepositoryPG implements domain.JobEventRepository over PostgreSQL.
type JobEventRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobEventRepository creates a new job event repository backed by PostgreSQL.
func NewJobEventRepository(sql infra.SQLExecutor) *JobEventRepositoryPG {
	return &JobEventRepositoryPG{sql: sql}
}

// Append writes one audit record. Callers treat failures as best-effort.
func (r *JobEventRepositoryPG) Append(ctx context.Context, event *domain.JobEvent) error {
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	var payload []byte
	if len(event.Payload) > 0 {
		payload, _ = json.Marshal(event.Payload)
	}
	_, err := r.sql.Exec(ctx, sqlinline.QInsertJobEvent,
		id,
		event.JobID,
		event.UserID,
		event.EventType,
		event.StatusBefore,
		event.StatusAfter,
		event.Provider,
		event.RequestID,
		payload,
	)
	return err
}

// CountByTypeSince aggregates event counts per type over a window.
func (r *JobEventRepositoryPG) CountByTypeSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QCountJobEventsByTypeSince, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var n int
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, err
		}
		counts[eventType] = n
	}
	return counts, rows.Err()
}

var _ domain.JobEventRepository = (*JobEventRepositoryPG)(nil)
