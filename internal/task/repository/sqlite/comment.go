package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/missionctl/missionctl/internal/task/models"
)

const commentInsert = `
	INSERT INTO task_comments (id, task_id, author_type, agent_id, content, created_at)
	VALUES (:id, :task_id, :author_type, :agent_id, :content, :created_at)`

func prepareComment(c *models.Comment) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.AuthorType == "" {
		c.AuthorType = models.CommentAuthorSystem
	}
}

// AddComment appends a comment to a task.
func (r *Repository) AddComment(ctx context.Context, comment *models.Comment) error {
	prepareComment(comment)
	return insertComment(ctx, r.db, comment)
}

// AddComment appends a comment inside a transaction.
func (t *sqliteTx) AddComment(ctx context.Context, comment *models.Comment) error {
	prepareComment(comment)
	return insertComment(ctx, t.tx, comment)
}

func insertComment(ctx context.Context, e sqlx.ExtContext, comment *models.Comment) error {
	if _, err := sqlx.NamedExecContext(ctx, e, commentInsert, comment); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// ListComments returns a task's comments ordered by creation time.
func (r *Repository) ListComments(ctx context.Context, taskID string) ([]*models.Comment, error) {
	comments := []*models.Comment{}
	err := r.ro.SelectContext(ctx, &comments, r.ro.Rebind(`
		SELECT id, task_id, author_type, agent_id, content, created_at
		FROM task_comments WHERE task_id = ? ORDER BY created_at, id
	`), taskID)
	if err != nil {
		return nil, err
	}
	return comments, nil
}
