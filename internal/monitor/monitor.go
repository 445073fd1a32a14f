package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/missionctl/missionctl/internal/gateway"
	"github.com/missionctl/missionctl/internal/lifecycle"
	"github.com/missionctl/missionctl/internal/task/models"
	"github.com/missionctl/missionctl/internal/task/repository"
)

// activitySignals mark an event frame as "the agent has started". Matched as
// substrings against the event name, phase, and stage.
var activitySignals = []string{
	"lifecycle", "run.start", "run.progress",
	"chat.run.start", "chat.run.progress",
	"started", "progress", "running",
}

// monitor supervises one dispatched session. All mutable state is owned by
// the run goroutine; the registry only reads through info() under stateMu.
type monitor struct {
	registry *Registry

	taskID            string
	sessionKey        string
	agentID           string
	dispatchID        string
	dispatchStartedAt time.Time
	testerSession     bool

	stateMu            sync.Mutex
	startedAt          time.Time
	lastMessageCount   int
	lastActivityAt     time.Time
	firstActivityAcked bool

	rejectedSeen map[string]struct{}

	events      chan *gateway.Event
	done        chan struct{}
	stopOnce    sync.Once
	unsubscribe func()
}

func newMonitor(r *Registry, req StartRequest) *monitor {
	m := &monitor{
		registry:          r,
		taskID:            req.TaskID,
		sessionKey:        req.SessionKey,
		agentID:           req.AgentID,
		dispatchID:        req.DispatchID,
		dispatchStartedAt: req.DispatchStartedAt,
		testerSession:     req.TesterSession,
		startedAt:         time.Now().UTC(),
		lastMessageCount:  req.BaselineAssistantCount,
		lastActivityAt:    time.Now().UTC(),
		rejectedSeen:      make(map[string]struct{}),
		events:            make(chan *gateway.Event, 16),
		done:              make(chan struct{}),
	}

	m.unsubscribe = r.gw.OnEvent("*", func(ev *gateway.Event) {
		select {
		case m.events <- ev:
		default: // never block the gateway read loop
		}
	})

	return m
}

func (m *monitor) stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
}

func (m *monitor) info() Info {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return Info{
		TaskID:             m.taskID,
		SessionKey:         m.sessionKey,
		AgentID:            m.agentID,
		DispatchID:         m.dispatchID,
		StartedAt:          m.startedAt,
		LastActivityAt:     m.lastActivityAt,
		LastMessageCount:   m.lastMessageCount,
		FirstActivityAcked: m.firstActivityAcked,
	}
}

// run is the monitor's single goroutine: a poll ticker plus the ack and idle
// timers, all torn down together on stop.
func (m *monitor) run() {
	ctx := context.Background()

	poll := time.NewTicker(m.registry.cfg.PollInterval())
	defer poll.Stop()

	ackTimer := time.NewTimer(m.registry.cfg.AckTimeout())
	defer ackTimer.Stop()

	idleTimer := time.NewTimer(m.registry.cfg.IdleTimeout())
	defer idleTimer.Stop()

	for {
		select {
		case <-m.done:
			return

		case ev := <-m.events:
			if m.acked() || !m.eventQualifies(ev) {
				continue
			}
			m.ackFirstActivity(ctx, "event")
			ackTimer.Stop()

		case <-ackTimer.C:
			if m.acked() {
				continue
			}
			m.handleAckTimeout(ctx)
			return

		case <-idleTimer.C:
			m.handleIdleTimeout(ctx)
			return

		case <-poll.C:
			grew, accepted := m.pollOnce(ctx)
			if accepted {
				return
			}
			if grew {
				idleTimer.Stop()
				idleTimer.Reset(m.registry.cfg.IdleTimeout())
				ackTimer.Stop()
			}
		}
	}
}

func (m *monitor) acked() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.firstActivityAcked
}

// eventQualifies checks whether a pushed frame counts as first activity on
// this session.
func (m *monitor) eventQualifies(ev *gateway.Event) bool {
	if ev.Payload.ResolveSessionKey() != m.sessionKey {
		return false
	}
	if ev.Payload.Role == gateway.RoleAssistant {
		return true
	}
	if ev.Payload.Message != nil && ev.Payload.Message.Role == gateway.RoleAssistant {
		return true
	}
	haystack := strings.ToLower(ev.Event + " " + ev.Payload.Phase + " " + ev.Payload.Stage)
	for _, signal := range activitySignals {
		if strings.Contains(haystack, signal) {
			return true
		}
	}
	return false
}

// ackFirstActivity latches the ack and promotes the task to in_progress.
// Event-based and poll-based acks race; the latch makes the first one win.
func (m *monitor) ackFirstActivity(ctx context.Context, via string) {
	m.stateMu.Lock()
	if m.firstActivityAcked {
		m.stateMu.Unlock()
		return
	}
	m.firstActivityAcked = true
	m.lastActivityAt = time.Now().UTC()
	m.stateMu.Unlock()

	log := m.registry.logger.WithTaskID(m.taskID).WithAgentID(m.agentID)

	task, err := m.registry.store.GetTask(ctx, m.taskID)
	if err != nil {
		log.Warn("Ack: task read failed", zap.Error(err))
		return
	}

	meta := map[string]any{
		"dispatch_id": m.dispatchID,
		"via":         via,
	}

	// Tester activity is not programmer progress: a task in testing stays
	// there.
	if task.Status != models.StatusTesting {
		res, err := m.registry.machine.Transition(ctx, m.taskID, models.StatusInProgress, lifecycle.TransitionOptions{
			Actor:    "monitor",
			Reason:   "first_agent_activity",
			AgentID:  m.agentID,
			Metadata: meta,
		})
		if err != nil {
			log.Error("Ack transition failed", zap.Error(err))
		} else if !res.OK && !res.NoOp {
			log.Warn("Ack transition blocked", zap.String("blocked", res.Blocked))
		}
	}

	if err := m.registry.store.LogActivity(ctx, &models.ActivityEntry{
		Type:     models.ActivityFirstActivityAck,
		TaskID:   m.taskID,
		AgentID:  m.agentID,
		Message:  "first agent activity observed",
		Metadata: meta,
	}); err != nil {
		log.Error("Failed to log ack activity", zap.Error(err))
	}
}

// pollOnce fetches history and runs new assistant replies through the gate.
// Returns whether the message count grew and whether a completion was
// accepted (which stops the monitor).
func (m *monitor) pollOnce(ctx context.Context) (grew, accepted bool) {
	log := m.registry.logger.WithTaskID(m.taskID).WithSessionKey(m.sessionKey)

	task, err := m.registry.store.GetTask(ctx, m.taskID)
	if repository.IsNotFound(err) {
		log.Info("Task gone, stopping monitor")
		m.stopSelf()
		return false, true
	}
	if err != nil {
		log.Warn("Poll: task read failed", zap.Error(err))
		return false, false
	}

	switch task.Status {
	case models.StatusAssigned, models.StatusInProgress, models.StatusTesting:
	default:
		log.Debug("Task left active statuses, stopping monitor",
			zap.String("status", string(task.Status)))
		m.stopSelf()
		return false, true
	}

	history, err := m.registry.gw.ChatHistory(ctx, m.sessionKey)
	if err != nil {
		// Transient: keep the monitor alive for the next tick.
		log.Warn("Poll: chat history failed", zap.Error(err))
		return false, false
	}

	count := gateway.AssistantCount(history)
	m.stateMu.Lock()
	last := m.lastMessageCount
	m.stateMu.Unlock()
	if count <= last {
		return false, false
	}

	m.stateMu.Lock()
	m.lastMessageCount = count
	m.lastActivityAt = time.Now().UTC()
	m.stateMu.Unlock()

	if !m.acked() && m.newAssistantQualifies(history) {
		m.ackFirstActivity(ctx, "poll")
		// The transition refreshed the row.
		if task, err = m.registry.store.GetTask(ctx, m.taskID); err != nil {
			log.Warn("Poll: task reread failed", zap.Error(err))
			return true, false
		}
	}

	latest := gateway.LatestAssistant(history)
	if latest == nil {
		return true, false
	}
	text := latest.Text()
	marker := lifecycle.DetectMarker(text)

	evidenceTS := latest.Timestamp
	if evidenceTS == "" {
		evidenceTS = time.Now().UTC().Format(time.RFC3339)
	}

	decision := lifecycle.EvaluateCompletion(task, lifecycle.GateInput{
		PayloadDispatchID:     marker.DispatchID,
		HasCompletionMarker:   marker.Present,
		EvidenceTimestamp:     evidenceTS,
		AssistantMessageCount: count,
	})

	if !decision.Accepted {
		if !lifecycle.PlausibleCompletion(text) {
			return true, false
		}
		m.logGateRejection(ctx, text, decision)
		return true, false
	}

	// One-shot: leave the registry before the handoff so a concurrent poll
	// cannot double-promote.
	if !m.registry.detach(m) {
		return true, true
	}
	m.stop()

	if err := m.registry.store.AddComment(ctx, &models.Comment{
		TaskID:     m.taskID,
		AuthorType: models.CommentAuthorAgent,
		AgentID:    m.agentID,
		Content:    text,
	}); err != nil {
		log.Error("Failed to record completion comment", zap.Error(err))
	}

	log.Info("Completion accepted",
		zap.String("dispatch_id", decision.DispatchID),
		zap.Bool("tester_session", m.testerSession))

	m.registry.Handoff(ctx, task, decision, m.testerSession || task.Status == models.StatusTesting)
	return true, true
}

// newAssistantQualifies reports whether any assistant message is new enough
// to count as first activity: timestamp at-or-after dispatch, or any new
// message when timestamps are unparseable.
func (m *monitor) newAssistantQualifies(history []gateway.Message) bool {
	for i := range history {
		msg := &history[i]
		if msg.Role != gateway.RoleAssistant {
			continue
		}
		at, ok := msg.Time()
		if !ok {
			return true
		}
		if !at.Before(m.dispatchStartedAt) {
			return true
		}
	}
	return false
}

// logGateRejection writes one gate-rejected entry per unique reply.
func (m *monitor) logGateRejection(ctx context.Context, text string, decision lifecycle.Decision) {
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:8])
	if _, seen := m.rejectedSeen[key]; seen {
		return
	}
	m.rejectedSeen[key] = struct{}{}

	if err := m.registry.store.LogActivity(ctx, &models.ActivityEntry{
		Type:    models.ActivityGateRejected,
		TaskID:  m.taskID,
		AgentID: m.agentID,
		Message: "completion claim rejected: " + decision.CompletionReason,
		Metadata: map[string]any{
			"dispatch_id":         decision.DispatchID,
			"payload_dispatch_id": decision.PayloadDispatchID,
			"evidence_timestamp":  decision.EvidenceTimestamp,
			"completion_reason":   decision.CompletionReason,
		},
	}); err != nil {
		m.registry.logger.WithTaskID(m.taskID).Error("Failed to log gate rejection", zap.Error(err))
	}
}

// handleAckTimeout reverts a task with no first activity back to assigned.
func (m *monitor) handleAckTimeout(ctx context.Context) {
	defer m.stopSelf()

	log := m.registry.logger.WithTaskID(m.taskID).WithAgentID(m.agentID)

	task, err := m.registry.store.GetTask(ctx, m.taskID)
	if err != nil {
		log.Warn("Ack timeout: task read failed", zap.Error(err))
		return
	}
	if task.Status != models.StatusAssigned && task.Status != models.StatusInProgress {
		return
	}

	log.Warn("No first activity before ack timeout, reverting to assigned")

	if task.Status == models.StatusInProgress {
		res, err := m.registry.machine.Transition(ctx, m.taskID, models.StatusAssigned, lifecycle.TransitionOptions{
			Actor:   "monitor",
			Reason:  "first_activity_ack_timeout",
			AgentID: m.agentID,
		})
		if err != nil || !res.OK {
			log.Error("Ack timeout revert failed", zap.Error(err))
		}
	}

	if err := m.registry.store.AddComment(ctx, &models.Comment{
		TaskID:     m.taskID,
		AuthorType: models.CommentAuthorSystem,
		Content:    "agent showed no activity before the acknowledgement timeout; dispatch can be retried",
	}); err != nil {
		log.Error("Failed to record ack timeout comment", zap.Error(err))
	}

	if err := m.registry.store.LogActivity(ctx, &models.ActivityEntry{
		Type:    models.ActivityAckTimeout,
		TaskID:  m.taskID,
		AgentID: m.agentID,
		Message: "first-activity acknowledgement timed out",
		Metadata: map[string]any{
			"dispatch_id": m.dispatchID,
			"timeout_ms":  m.registry.cfg.AckTimeoutMs,
		},
	}); err != nil {
		log.Error("Failed to log ack timeout", zap.Error(err))
	}
}

// handleIdleTimeout gives up watching without forcing a review: the task
// stays in progress for a user re-dispatch or rework.
func (m *monitor) handleIdleTimeout(ctx context.Context) {
	defer m.stopSelf()

	log := m.registry.logger.WithTaskID(m.taskID).WithAgentID(m.agentID)
	log.Warn("Idle timeout reached, stopping monitor")

	if err := m.registry.store.AddComment(ctx, &models.Comment{
		TaskID:     m.taskID,
		AuthorType: models.CommentAuthorSystem,
		Content:    "completion monitor timeout - re-dispatch or send rework feedback to continue",
	}); err != nil {
		log.Error("Failed to record idle timeout comment", zap.Error(err))
	}

	if err := m.registry.store.LogActivity(ctx, &models.ActivityEntry{
		Type:    models.ActivityGateRejected,
		TaskID:  m.taskID,
		AgentID: m.agentID,
		Message: "monitor idle timeout without completion",
		Metadata: map[string]any{
			"dispatch_id":       m.dispatchID,
			"completion_reason": lifecycle.ReasonSuspiciousInstant,
			"timeout_ms":        m.registry.cfg.IdleTimeoutMs,
		},
	}); err != nil {
		log.Error("Failed to log idle timeout", zap.Error(err))
	}
}

// stopSelf removes this monitor from the registry and tears down its timers.
func (m *monitor) stopSelf() {
	m.registry.detach(m)
	m.stop()
}
