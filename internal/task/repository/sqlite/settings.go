package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/missionctl/missionctl/internal/task/models"
)

// GetWorkflowSettings returns the singleton settings row, defaulted when
// never saved.
func (r *Repository) GetWorkflowSettings(ctx context.Context) (*models.WorkflowSettings, error) {
	s := &models.WorkflowSettings{}
	err := r.ro.GetContext(ctx, s, `
		SELECT orchestrator_agent_id, planner_agent_id, tester_agent_id, max_rework_cycles
		FROM workflow_settings WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.WorkflowSettings{MaxReworkCycles: 2}, nil
	}
	if err != nil {
		return nil, err
	}
	s.Clamp()
	return s, nil
}

// SaveWorkflowSettings replaces the singleton settings row.
func (r *Repository) SaveWorkflowSettings(ctx context.Context, s *models.WorkflowSettings) error {
	s.Clamp()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO workflow_settings (id, orchestrator_agent_id, planner_agent_id, tester_agent_id, max_rework_cycles)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			orchestrator_agent_id = excluded.orchestrator_agent_id,
			planner_agent_id = excluded.planner_agent_id,
			tester_agent_id = excluded.tester_agent_id,
			max_rework_cycles = excluded.max_rework_cycles
	`), s.OrchestratorAgentID, s.PlannerAgentID, s.TesterAgentID, s.MaxReworkCycles)
	if err != nil {
		return fmt.Errorf("save workflow settings: %w", err)
	}
	return nil
}
