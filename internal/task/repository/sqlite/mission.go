package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// CreateMission inserts a mission.
func (r *Repository) CreateMission(ctx context.Context, m *models.Mission) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO missions (id, name, description, created_at, updated_at)
		VALUES (:id, :name, :description, :created_at, :updated_at)
	`, m)
	if err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}
	return nil
}

// GetMission retrieves a mission by ID.
func (r *Repository) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	m := &models.Mission{}
	err := r.ro.GetContext(ctx, m, r.ro.Rebind(`
		SELECT id, name, description, created_at, updated_at FROM missions WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMissions returns all missions ordered by creation time.
func (r *Repository) ListMissions(ctx context.Context) ([]*models.Mission, error) {
	out := []*models.Mission{}
	err := r.ro.SelectContext(ctx, &out, `
		SELECT id, name, description, created_at, updated_at FROM missions ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMission removes a mission. Tasks keep their mission_id; the board
// treats a dangling mission id as unassigned.
func (r *Repository) DeleteMission(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM missions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("mission %s: %w", id, repository.ErrNotFound)
	}
	return nil
}
