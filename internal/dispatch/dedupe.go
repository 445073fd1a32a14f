package dispatch

import (
	"time"

	"github.com/missionctl/missionctl/internal/task/models"
)

// Dedupe reasons returned to the caller of a duplicate dispatch.
const (
	DedupeActiveMonitor     = "active_monitor"
	DedupeAlreadyInProgress = "already_in_progress"
	DedupeAwaitingAck       = "awaiting_first_activity_ack"
	DedupeConcurrentRace    = "concurrent_dispatch_race"
)

// DedupeInput is the evidence for the pure dedupe decision.
type DedupeInput struct {
	RequestedAgentID  string
	AssignedAgentID   string
	Status            models.TaskStatus
	MonitorActive     bool
	DispatchStartedAt *time.Time
	Now               time.Time
	AckTimeout        time.Duration
}

// ShouldDedupe decides whether a dispatch request is a duplicate of a live
// dispatch. Pure; the atomic slot claim catches the races this check cannot
// see.
func ShouldDedupe(in DedupeInput) (bool, string) {
	if in.RequestedAgentID != in.AssignedAgentID {
		return false, ""
	}
	if in.MonitorActive {
		return true, DedupeActiveMonitor
	}
	if in.Status == models.StatusInProgress {
		return true, DedupeAlreadyInProgress
	}
	if in.Status == models.StatusAssigned && in.DispatchStartedAt != nil &&
		in.Now.Sub(*in.DispatchStartedAt) < in.AckTimeout {
		return true, DedupeAwaitingAck
	}
	return false, ""
}
