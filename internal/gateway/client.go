// Package gateway provides the client for the agent chat gateway: message
// sends, chat history reads, and lifecycle event subscriptions keyed by an
// opaque session key.
package gateway

import (
	"context"
	"fmt"
)

// SendError wraps a failed message send so callers can distinguish gateway
// failures from local errors.
type SendError struct {
	SessionKey string
	Err        error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("gateway send to %s failed: %v", e.SessionKey, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Event is a lifecycle frame pushed by the gateway.
type Event struct {
	Event   string       `json:"event"`
	Payload EventPayload `json:"payload"`
}

// EventPayload carries the fields the lifecycle engine inspects. Gateways
// disagree on the session key field name, so all three variants are decoded.
type EventPayload struct {
	SessionKey string           `json:"sessionKey,omitempty"`
	Session    string           `json:"session,omitempty"`
	Key        string           `json:"key,omitempty"`
	Role       string           `json:"role,omitempty"`
	Status     string           `json:"status,omitempty"`
	Phase      string           `json:"phase,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	Message    *EventMessageRef `json:"message,omitempty"`
}

// EventMessageRef references the message a frame is about.
type EventMessageRef struct {
	Role string `json:"role,omitempty"`
}

// ResolveSessionKey returns the session key under whichever name the gateway
// used, or "" when the frame carries none.
func (p *EventPayload) ResolveSessionKey() string {
	switch {
	case p.SessionKey != "":
		return p.SessionKey
	case p.Session != "":
		return p.Session
	default:
		return p.Key
	}
}

// EventHandler receives pushed lifecycle frames.
type EventHandler func(ev *Event)

// SessionInfo is a read-only session snapshot from the gateway.
type SessionInfo struct {
	Key       string `json:"key"`
	AgentID   string `json:"agentId,omitempty"`
	Status    string `json:"status,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// CronJob is a scheduled job registered on the gateway.
type CronJob struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// CronStatus is the gateway scheduler's health snapshot.
type CronStatus struct {
	Running bool   `json:"running"`
	NextRun string `json:"nextRun,omitempty"`
}

// SessionPatch holds optional session overrides applied before dispatch.
type SessionPatch struct {
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Client is the surface the lifecycle engine consumes. Connect is idempotent
// and must succeed before any other call.
type Client interface {
	Connect(ctx context.Context) error
	Close()

	// SendMessage delivers text to a session. Failures are *SendError.
	SendMessage(ctx context.Context, sessionKey, text string) error

	// PatchSession applies session overrides. Failures are logged by the
	// caller, never fatal.
	PatchSession(ctx context.Context, sessionKey string, patch SessionPatch) error

	// ChatHistory returns the session's messages in order.
	ChatHistory(ctx context.Context, sessionKey string) ([]Message, error)

	// OnEvent subscribes to lifecycle frames of a kind ("*" for all) and
	// returns an unsubscribe function.
	OnEvent(kind string, handler EventHandler) func()

	// Read-only snapshots for reconciliation.
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	ListCronJobs(ctx context.Context) ([]CronJob, error)
	CronStatus(ctx context.Context) (*CronStatus, error)
}
