package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/missionctl/missionctl/internal/common/tracing"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

const taskColumns = `id, mission_id, title, description, priority, status,
	assigned_agent_id, openclaw_session_key,
	dispatch_id, dispatch_started_at, dispatch_message_count_start,
	planning_session_key, planning_messages, planning_complete, planning_spec,
	planning_dispatch_error, planning_question_waiting, planning_message_count_start,
	orchestrator_session_key, tester_session_key, rework_count,
	sort_order, created_at, updated_at`

const taskInsert = `
	INSERT INTO tasks (id, mission_id, title, description, priority, status,
		assigned_agent_id, openclaw_session_key,
		dispatch_id, dispatch_started_at, dispatch_message_count_start,
		planning_session_key, planning_messages, planning_complete, planning_spec,
		planning_dispatch_error, planning_question_waiting, planning_message_count_start,
		orchestrator_session_key, tester_session_key, rework_count,
		sort_order, created_at, updated_at)
	VALUES (:id, :mission_id, :title, :description, :priority, :status,
		:assigned_agent_id, :openclaw_session_key,
		:dispatch_id, :dispatch_started_at, :dispatch_message_count_start,
		:planning_session_key, :planning_messages, :planning_complete, :planning_spec,
		:planning_dispatch_error, :planning_question_waiting, :planning_message_count_start,
		:orchestrator_session_key, :tester_session_key, :rework_count,
		:sort_order, :created_at, :updated_at)`

const taskUpdate = `
	UPDATE tasks SET mission_id = :mission_id, title = :title,
		description = :description, priority = :priority, status = :status,
		assigned_agent_id = :assigned_agent_id,
		openclaw_session_key = :openclaw_session_key,
		dispatch_id = :dispatch_id, dispatch_started_at = :dispatch_started_at,
		dispatch_message_count_start = :dispatch_message_count_start,
		planning_session_key = :planning_session_key,
		planning_messages = :planning_messages,
		planning_complete = :planning_complete, planning_spec = :planning_spec,
		planning_dispatch_error = :planning_dispatch_error,
		planning_question_waiting = :planning_question_waiting,
		planning_message_count_start = :planning_message_count_start,
		orchestrator_session_key = :orchestrator_session_key,
		tester_session_key = :tester_session_key, rework_count = :rework_count,
		sort_order = :sort_order, updated_at = :updated_at
	WHERE id = :id`

// CreateTask inserts a new task, assigning id and timestamps when unset.
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.db.NamedExecContext(ctx, taskInsert, task)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	err := r.ro.GetContext(ctx, task,
		r.ro.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, ordered by status column and
// sort order.
func (r *Repository) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("missionctl-db").Start(ctx, "db.ListTasks")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		query += ` AND assigned_agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.MissionID != "" {
		query += ` AND mission_id = ?`
		args = append(args, filter.MissionID)
	}
	query += ` ORDER BY status, sort_order`

	tasks := []*models.Task{}
	if err := r.ro.SelectContext(ctx, &tasks, r.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpdateTask writes the full task row and touches updated_at.
func (r *Repository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	result, err := r.db.NamedExecContext(ctx, taskUpdate, task)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: %w", task.ID, repository.ErrNotFound)
	}
	return nil
}

// DeleteTask deletes a task; comments and deliverables cascade.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

// NextSortOrder returns a sort order strictly above every task in the column.
func (r *Repository) NextSortOrder(ctx context.Context, status models.TaskStatus) (int, error) {
	var max sql.NullInt64
	err := r.ro.QueryRowContext(ctx,
		r.ro.Rebind(`SELECT MAX(sort_order) FROM tasks WHERE status = ?`), status).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// GetTask inside a transaction reads through the writer connection so the
// transaction's own writes are visible.
func (t *sqliteTx) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	err := t.tx.GetContext(ctx, task,
		t.tx.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask writes the full task row inside the transaction.
func (t *sqliteTx) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	result, err := t.tx.NamedExecContext(ctx, taskUpdate, task)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: %w", task.ID, repository.ErrNotFound)
	}
	return nil
}
