package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Transition log (append-only)
	AppendEvent(ctx context.Context, event *TransitionEvent) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*TransitionEvent, error)
	GetEventsByTrigger(ctx context.Context, trigger string, filter EventFilter) ([]*TransitionEvent, error)

	// Snapshots (checkpoints of the state document)
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LatestSnapshot(ctx context.Context, runID string) (*Snapshot, error)
	PruneSnapshots(ctx context.Context, runID string, keep int) error

	// Templates
	StoreTemplate(ctx context.Context, tpl *TemplateRecord) error
	GetTemplate(ctx context.Context, name string, version string) (*TemplateRecord, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*TemplateRecord, error)
	DeleteTemplate(ctx context.Context, name string, version string) error

	// Scheduled Runs
	CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
