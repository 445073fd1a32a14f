// Package models defines the persistent entities of the task lifecycle engine.
package models

import "time"

// TaskStatus represents the board column a task is in.
type TaskStatus string

const (
	StatusInbox      TaskStatus = "inbox"
	StatusPlanning   TaskStatus = "planning"
	StatusAssigned   TaskStatus = "assigned"
	StatusInProgress TaskStatus = "in_progress"
	StatusTesting    TaskStatus = "testing"
	StatusReview     TaskStatus = "review"
	StatusDone       TaskStatus = "done"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusInbox, StatusPlanning, StatusAssigned, StatusInProgress,
		StatusTesting, StatusReview, StatusDone:
		return true
	}
	return false
}

// ActiveStatuses are the statuses in which a dispatch claim is live and the
// reconciler inspects runtime evidence.
var ActiveStatuses = []TaskStatus{StatusAssigned, StatusInProgress}

// TaskPriority represents task urgency.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p TaskPriority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is the primary entity of the board.
//
// Nullable string columns use "" as the unset value, matching the store's
// TEXT DEFAULT '' columns. DispatchID and DispatchStartedAt are either both
// set or both unset; they are claimed atomically by the dispatcher and
// cleared together on revert.
type Task struct {
	ID          string       `json:"id" db:"id"`
	MissionID   string       `json:"mission_id,omitempty" db:"mission_id"`
	Title       string       `json:"title" db:"title"`
	Description string       `json:"description" db:"description"`
	Priority    TaskPriority `json:"priority" db:"priority"`
	Status      TaskStatus   `json:"status" db:"status"`

	AssignedAgentID string `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	SessionKey      string `json:"openclaw_session_key,omitempty" db:"openclaw_session_key"`

	DispatchID                string     `json:"dispatch_id,omitempty" db:"dispatch_id"`
	DispatchStartedAt         *time.Time `json:"dispatch_started_at,omitempty" db:"dispatch_started_at"`
	DispatchMessageCountStart int        `json:"dispatch_message_count_start" db:"dispatch_message_count_start"`

	PlanningSessionKey        string `json:"planning_session_key,omitempty" db:"planning_session_key"`
	PlanningMessages          string `json:"planning_messages,omitempty" db:"planning_messages"`
	PlanningComplete          bool   `json:"planning_complete" db:"planning_complete"`
	PlanningSpec              string `json:"planning_spec,omitempty" db:"planning_spec"`
	PlanningDispatchError     string `json:"planning_dispatch_error,omitempty" db:"planning_dispatch_error"`
	PlanningQuestionWaiting   bool   `json:"planning_question_waiting" db:"planning_question_waiting"`
	PlanningMessageCountStart int    `json:"planning_message_count_start" db:"planning_message_count_start"`

	OrchestratorSessionKey string `json:"orchestrator_session_key,omitempty" db:"orchestrator_session_key"`
	TesterSessionKey       string `json:"tester_session_key,omitempty" db:"tester_session_key"`
	ReworkCount            int    `json:"rework_count" db:"rework_count"`

	SortOrder int       `json:"sort_order" db:"sort_order"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasDispatchClaim reports whether the task carries a live dispatch claim.
func (t *Task) HasDispatchClaim() bool {
	return t.DispatchID != "" && t.DispatchStartedAt != nil
}

// CommentAuthorType identifies who authored a comment.
type CommentAuthorType string

const (
	CommentAuthorAgent  CommentAuthorType = "agent"
	CommentAuthorUser   CommentAuthorType = "user"
	CommentAuthorSystem CommentAuthorType = "system"
)

// Comment is an append-only note on a task, ordered by creation time.
type Comment struct {
	ID         string            `json:"id" db:"id"`
	TaskID     string            `json:"task_id" db:"task_id"`
	AuthorType CommentAuthorType `json:"author_type" db:"author_type"`
	AgentID    string            `json:"agent_id,omitempty" db:"agent_id"`
	Content    string            `json:"content" db:"content"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// DeliverableType classifies a produced artifact.
type DeliverableType string

const (
	DeliverableFile     DeliverableType = "file"
	DeliverableURL      DeliverableType = "url"
	DeliverableArtifact DeliverableType = "artifact"
)

// Deliverable is an artifact attached to a task by an agent or user.
type Deliverable struct {
	ID          string          `json:"id" db:"id"`
	TaskID      string          `json:"task_id" db:"task_id"`
	Type        DeliverableType `json:"deliverable_type" db:"deliverable_type"`
	Title       string          `json:"title" db:"title"`
	Path        string          `json:"path,omitempty" db:"path"`
	Description string          `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Testable reports whether the deliverable can be exercised by the external
// test pipeline.
func (d *Deliverable) Testable() bool {
	return d.Type == DeliverableFile || d.Type == DeliverableURL
}

// ActivityEntry is an append-only audit record. Type is a free-form tag;
// every status change produces exactly one entry in the same transaction.
type ActivityEntry struct {
	ID        string         `json:"id" db:"id"`
	Type      string         `json:"type" db:"type"`
	TaskID    string         `json:"task_id,omitempty" db:"task_id"`
	AgentID   string         `json:"agent_id,omitempty" db:"agent_id"`
	Message   string         `json:"message" db:"message"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Activity entry types written by the lifecycle engine.
const (
	ActivityStatusChanged     = "task_status_changed"
	ActivityStatusReaffirmed  = "task_status_reaffirmed"
	ActivityTransitionBlocked = "task_transition_blocked"
	ActivityGateRejected      = "task_completion_gate_rejected"
	ActivityFirstActivityAck  = "first_agent_activity_ack"
	ActivityAckTimeout        = "task_ack_timeout"
	ActivityRework            = "task_rework"
	ActivityReconciled        = "task_reconciled"
	ActivityOrchestrator      = "orchestrator_decision"
	ActivityReview            = "task_review"
	ActivityTestTriggered     = "task_test_triggered"
)

// Session records a gateway session known to the engine.
type Session struct {
	ID                string    `json:"id" db:"id"`
	OpenClawSessionID string    `json:"openclaw_session_id" db:"openclaw_session_id"`
	SessionType       string    `json:"session_type" db:"session_type"`
	TaskID            string    `json:"task_id,omitempty" db:"task_id"`
	AgentID           string    `json:"agent_id,omitempty" db:"agent_id"`
	Status            string    `json:"status" db:"status"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Mission groups tasks under a shared objective.
type Mission struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Plugin is a registered extension; loading is out of scope, only the
// enabled toggle and its event are persisted here.
type Plugin struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MaxReworkCeiling bounds WorkflowSettings.MaxReworkCycles.
const MaxReworkCeiling = 10

// WorkflowSettings is the process-wide singleton read on every routing
// decision.
type WorkflowSettings struct {
	OrchestratorAgentID string `json:"orchestrator_agent_id,omitempty" db:"orchestrator_agent_id"`
	PlannerAgentID      string `json:"planner_agent_id,omitempty" db:"planner_agent_id"`
	TesterAgentID       string `json:"tester_agent_id,omitempty" db:"tester_agent_id"`
	MaxReworkCycles     int    `json:"max_rework_cycles" db:"max_rework_cycles"`
}

// Clamp bounds MaxReworkCycles into [0, MaxReworkCeiling].
func (w *WorkflowSettings) Clamp() {
	if w.MaxReworkCycles < 0 {
		w.MaxReworkCycles = 0
	}
	if w.MaxReworkCycles > MaxReworkCeiling {
		w.MaxReworkCycles = MaxReworkCeiling
	}
}

// OrchestratorEnabled reports whether routing decisions are delegated.
func (w *WorkflowSettings) OrchestratorEnabled() bool {
	return w.OrchestratorAgentID != ""
}
