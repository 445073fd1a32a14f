package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/missionctl/missionctl/internal/task/models"
)

// LogActivity appends an audit entry.
func (r *Repository) LogActivity(ctx context.Context, entry *models.ActivityEntry) error {
	return insertActivity(ctx, r.db, entry)
}

// LogActivity appends an audit entry inside a transaction.
func (t *sqliteTx) LogActivity(ctx context.Context, entry *models.ActivityEntry) error {
	return insertActivity(ctx, t.tx, entry)
}

func insertActivity(ctx context.Context, e sqlx.ExtContext, entry *models.ActivityEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil || entry.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = e.ExecContext(ctx, e.Rebind(`
		INSERT INTO activity_log (id, type, task_id, agent_id, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Type, entry.TaskID, entry.AgentID, entry.Message, string(metadata), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivity returns the newest entries across all types.
func (r *Repository) ListActivity(ctx context.Context, limit int) ([]*models.ActivityEntry, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, type, task_id, agent_id, message, metadata, created_at
		FROM activity_log ORDER BY created_at DESC, id LIMIT ?
	`), normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanActivity(rows)
}

// ListActivityByType returns the newest entries of one type.
func (r *Repository) ListActivityByType(ctx context.Context, activityType string, limit int) ([]*models.ActivityEntry, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, type, task_id, agent_id, message, metadata, created_at
		FROM activity_log WHERE type = ? ORDER BY created_at DESC, id LIMIT ?
	`), activityType, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanActivity(rows)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func scanActivity(rows *sql.Rows) ([]*models.ActivityEntry, error) {
	entries := []*models.ActivityEntry{}
	for rows.Next() {
		entry := &models.ActivityEntry{}
		var metadata string
		if err := rows.Scan(&entry.ID, &entry.Type, &entry.TaskID, &entry.AgentID,
			&entry.Message, &metadata, &entry.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metadata), &entry.Metadata)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
