package lifecycle

import (
	"time"

	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/task/models"
)

// Completion decision reasons, in the order the gate checks them.
const (
	ReasonAccepted                = "accepted"
	ReasonMissingDispatchContext  = "rejected_missing_dispatch_context"
	ReasonStaleDispatchID         = "rejected_stale_dispatch_id"
	ReasonStaleEvidenceTimestamp  = "rejected_stale_evidence_timestamp"
	ReasonSuspiciousInstant       = "rejected_suspicious_instant_no_new_evidence"
	ReasonMissingCompletionMarker = "rejected_missing_completion_marker"
)

// instantCompletionWindow is how soon after dispatch a completion with no new
// assistant messages is treated as spoofed.
const instantCompletionWindow = 5 * time.Second

// GateInput is the evidence collected for one assistant reply.
type GateInput struct {
	PayloadDispatchID     string
	HasCompletionMarker   bool
	EvidenceTimestamp     string
	AssistantMessageCount int
	Now                   time.Time // zero means time.Now
}

// Decision is the gate's verdict on one reply.
type Decision struct {
	Accepted          bool
	CompletionReason  string
	DispatchID        string
	PayloadDispatchID string
	EvidenceTimestamp string
}

// EvaluateCompletion decides whether an assistant reply is a valid completion
// for the task's current dispatch. Pure: no clock reads (the caller supplies
// Now), no store access.
func EvaluateCompletion(task *models.Task, in GateInput) Decision {
	d := Decision{
		DispatchID:        task.DispatchID,
		PayloadDispatchID: in.PayloadDispatchID,
		EvidenceTimestamp: in.EvidenceTimestamp,
	}

	reject := func(reason string) Decision {
		d.CompletionReason = reason
		return d
	}

	if !task.HasDispatchClaim() {
		return reject(ReasonMissingDispatchContext)
	}

	effectiveID := in.PayloadDispatchID
	if effectiveID == "" && in.HasCompletionMarker {
		effectiveID = task.DispatchID
	}
	if effectiveID == "" {
		return reject(ReasonMissingCompletionMarker)
	}

	if effectiveID != task.DispatchID {
		return reject(ReasonStaleDispatchID)
	}

	if evidenceAt, ok := gateway.ParseTimestamp(in.EvidenceTimestamp); ok {
		if evidenceAt.Before(*task.DispatchStartedAt) {
			return reject(ReasonStaleEvidenceTimestamp)
		}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	newEvidence := in.AssistantMessageCount - task.DispatchMessageCountStart
	if newEvidence <= 0 && now.Sub(*task.DispatchStartedAt) < instantCompletionWindow {
		return reject(ReasonSuspiciousInstant)
	}

	d.Accepted = true
	d.CompletionReason = ReasonAccepted
	return d
}
