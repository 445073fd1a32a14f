package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	commonsqlite "github.com/missionctl/missionctl/internal/common/sqlite"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// UpsertPlugin registers a plugin or updates its record.
func (r *Repository) UpsertPlugin(ctx context.Context, p *models.Plugin) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO plugins (id, name, enabled, created_at, updated_at)
		VALUES (:id, :name, :enabled, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, p)
	if err != nil {
		return fmt.Errorf("upsert plugin: %w", err)
	}
	return nil
}

// ListPlugins returns registered plugins by name.
func (r *Repository) ListPlugins(ctx context.Context) ([]*models.Plugin, error) {
	out := []*models.Plugin{}
	err := r.ro.SelectContext(ctx, &out, `
		SELECT id, name, enabled, created_at, updated_at FROM plugins ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetPluginEnabled toggles a plugin and returns the updated record.
func (r *Repository) SetPluginEnabled(ctx context.Context, id string, enabled bool) (*models.Plugin, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE plugins SET enabled = ?, updated_at = ? WHERE id = ?
	`), commonsqlite.BoolToInt(enabled), time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("plugin %s: %w", id, repository.ErrNotFound)
	}

	p := &models.Plugin{}
	err = r.ro.GetContext(ctx, p, r.ro.Rebind(`
		SELECT id, name, enabled, created_at, updated_at FROM plugins WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plugin %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
