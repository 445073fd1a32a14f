package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/missionctl/missionctl/internal/task/models"
)

// UpsertSession records a gateway session, keyed by its gateway-side id.
func (r *Repository) UpsertSession(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, openclaw_session_id, session_type, task_id, agent_id, status, created_at, updated_at)
		VALUES (:id, :openclaw_session_id, :session_type, :task_id, :agent_id, :status, :created_at, :updated_at)
		ON CONFLICT(openclaw_session_id) DO UPDATE SET
			session_type = excluded.session_type,
			task_id = excluded.task_id,
			agent_id = excluded.agent_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, s)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// ListSessions returns known sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context) ([]*models.Session, error) {
	out := []*models.Session{}
	err := r.ro.SelectContext(ctx, &out, `
		SELECT id, openclaw_session_id, session_type, task_id, agent_id, status, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	return out, nil
}
