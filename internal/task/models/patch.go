package models

import "time"

// TaskPatch is a partial update to a task. Nil fields are left untouched.
// Setting a *string field to the empty string clears the column;
// ClearDispatchStartedAt clears the nullable timestamp.
type TaskPatch struct {
	MissionID   *string
	Title       *string
	Description *string
	Priority    *TaskPriority

	AssignedAgentID *string
	SessionKey      *string

	DispatchID                *string
	DispatchStartedAt         *time.Time
	ClearDispatchStartedAt    bool
	DispatchMessageCountStart *int

	PlanningSessionKey        *string
	PlanningMessages          *string
	PlanningComplete          *bool
	PlanningSpec              *string
	PlanningDispatchError     *string
	PlanningQuestionWaiting   *bool
	PlanningMessageCountStart *int

	OrchestratorSessionKey *string
	TesterSessionKey       *string
	ReworkCount            *int

	SortOrder *int
}

// IsEmpty reports whether the patch changes nothing.
func (p TaskPatch) IsEmpty() bool {
	return p == TaskPatch{}
}

// Apply mutates t in place with the non-nil fields of the patch.
// The status column is deliberately absent: status writes go through the
// lifecycle state machine only.
func (p TaskPatch) Apply(t *Task) {
	if p.MissionID != nil {
		t.MissionID = *p.MissionID
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.AssignedAgentID != nil {
		t.AssignedAgentID = *p.AssignedAgentID
	}
	if p.SessionKey != nil {
		t.SessionKey = *p.SessionKey
	}
	if p.DispatchID != nil {
		t.DispatchID = *p.DispatchID
	}
	if p.DispatchStartedAt != nil {
		t.DispatchStartedAt = p.DispatchStartedAt
	}
	if p.ClearDispatchStartedAt {
		t.DispatchStartedAt = nil
	}
	if p.DispatchMessageCountStart != nil {
		t.DispatchMessageCountStart = *p.DispatchMessageCountStart
	}
	if p.PlanningSessionKey != nil {
		t.PlanningSessionKey = *p.PlanningSessionKey
	}
	if p.PlanningMessages != nil {
		t.PlanningMessages = *p.PlanningMessages
	}
	if p.PlanningComplete != nil {
		t.PlanningComplete = *p.PlanningComplete
	}
	if p.PlanningSpec != nil {
		t.PlanningSpec = *p.PlanningSpec
	}
	if p.PlanningDispatchError != nil {
		t.PlanningDispatchError = *p.PlanningDispatchError
	}
	if p.PlanningQuestionWaiting != nil {
		t.PlanningQuestionWaiting = *p.PlanningQuestionWaiting
	}
	if p.PlanningMessageCountStart != nil {
		t.PlanningMessageCountStart = *p.PlanningMessageCountStart
	}
	if p.OrchestratorSessionKey != nil {
		t.OrchestratorSessionKey = *p.OrchestratorSessionKey
	}
	if p.TesterSessionKey != nil {
		t.TesterSessionKey = *p.TesterSessionKey
	}
	if p.ReworkCount != nil {
		t.ReworkCount = *p.ReworkCount
	}
	if p.SortOrder != nil {
		t.SortOrder = *p.SortOrder
	}
}

// StringPtr returns a pointer to s, for building patches inline.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// PriorityPtr returns a pointer to p.
func PriorityPtr(p TaskPriority) *TaskPriority { return &p }
