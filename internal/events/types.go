// Package events defines the event subjects published on the bus and the
// provider that selects a bus backend.
package events

// Event subjects. Dotted notation so wildcard subscriptions like "task.*"
// work on both backends.
const (
	SubjectTaskCreated      = "task.created"
	SubjectTaskUpdated      = "task.updated"
	SubjectTaskDeleted      = "task.deleted"
	SubjectActivityLogged   = "activity.logged"
	SubjectCommentAdded     = "comment.added"
	SubjectDeliverableAdded = "deliverable.added"
	SubjectAgentSpawned     = "agent.spawned"
	SubjectAgentCompleted   = "agent.completed"
	SubjectPluginToggled    = "plugin.toggled"
)
