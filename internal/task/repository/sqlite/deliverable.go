package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// AddDeliverable attaches an artifact record to a task.
func (r *Repository) AddDeliverable(ctx context.Context, d *models.Deliverable) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO deliverables (id, task_id, deliverable_type, title, path, description, created_at)
		VALUES (:id, :task_id, :deliverable_type, :title, :path, :description, :created_at)
	`, d)
	if err != nil {
		return fmt.Errorf("insert deliverable: %w", err)
	}
	return nil
}

// ListDeliverables returns a task's deliverables ordered by creation time.
func (r *Repository) ListDeliverables(ctx context.Context, taskID string) ([]*models.Deliverable, error) {
	out := []*models.Deliverable{}
	err := r.ro.SelectContext(ctx, &out, r.ro.Rebind(`
		SELECT id, task_id, deliverable_type, title, path, description, created_at
		FROM deliverables WHERE task_id = ? ORDER BY created_at, id
	`), taskID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDeliverable removes a single deliverable.
func (r *Repository) DeleteDeliverable(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM deliverables WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("deliverable %s: %w", id, repository.ErrNotFound)
	}
	return nil
}
