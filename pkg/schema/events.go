package schema

// Event type constants for the transition event log.
const (
	EventLogWorkflowStarted   = "workflow_started"
	EventLogWorkflowCompleted = "workflow_completed"
	EventLogWorkflowFailed    = "workflow_failed"
	EventLogWorkflowCancelled = "workflow_cancelled"

	EventLogTransitionApplied  = "transition_applied"
	EventLogTransitionRejected = "transition_rejected"
	EventLogAutoTriggerFired   = "auto_trigger_fired"
	EventLogAutoTriggerFailed  = "auto_trigger_failed"

	EventLogActionDispatched = "action_dispatched"
	EventLogActionFailed     = "action_failed"

	EventLogSnapshotSaved   = "snapshot_saved"
	EventLogRunPaused       = "run_paused"
	EventLogRunResumed      = "run_resumed"
	EventLogScheduleFired   = "schedule_fired"
	EventLogScheduleSkipped = "schedule_skipped"
)
