package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/quill/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore) *Run {
	t.Helper()
	doc, err := json.Marshal(schema.NewStateDocument())
	require.NoError(t, err)
	run := &Run{
		ID:           uuid.New().String(),
		TemplateName: "ml-notebook",
		Goals:        "train a churn model",
		Document:     doc,
		State:        schema.StateIdle,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Run Tests ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, err := json.Marshal(schema.NewStateDocument())
	require.NoError(t, err)

	run := &Run{
		ID:              uuid.New().String(),
		TemplateName:    "eda-notebook",
		TemplateVersion: "2",
		Goals:           "profile the dataset",
		Document:        doc,
		State:           schema.StateIdle,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "eda-notebook", got.TemplateName)
	assert.Equal(t, "2", got.TemplateVersion)
	assert.Equal(t, "profile the dataset", got.Goals)
	assert.Equal(t, schema.StateIdle, got.State)
	assert.JSONEq(t, string(doc), string(got.Document))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestCreateRun_EmptyDocument(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateRun(context.Background(), &Run{ID: uuid.New().String(), State: schema.StateIdle})
	require.Error(t, err)
	var qErr *schema.QuillError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, schema.ErrCodeValidation, qErr.Code)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	var qErr *schema.QuillError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, schema.ErrCodeNotFound, qErr.Code)
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	now := time.Now().UTC().Truncate(time.Second)
	state := schema.StateStageRunning
	newDoc := json.RawMessage(`{"observation":{"location":{"current":{"behavior_iteration":0},"progress":{"stages":{"completed":[],"remaining":[]},"steps":{"completed":[],"remaining":[]},"behaviors":{"completed":[],"remaining":[]}}}},"state":{"variables":{},"effects":{"current":[],"history":[]},"FSM":{"state":"STAGE_RUNNING","timestamp":"2026-01-01T00:00:00Z"}}}`)

	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		State:     &state,
		Document:  newDoc,
		StartedAt: &now,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StateStageRunning, got.State)
	assert.JSONEq(t, string(newDoc), string(got.Document))
	require.NotNil(t, got.StartedAt)
}

func TestUpdateRun_NoFieldsIsNoOp(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	require.NoError(t, s.UpdateRun(context.Background(), run.ID, RunUpdate{}))
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	state := schema.StateError
	err := s.UpdateRun(context.Background(), "missing", RunUpdate{State: &state})
	require.Error(t, err)
	var qErr *schema.QuillError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, schema.ErrCodeNotFound, qErr.Code)
}

func TestListRuns_FilterByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := seedRun(t, s)
	r2 := seedRun(t, s)

	running := schema.StateStageRunning
	require.NoError(t, s.UpdateRun(ctx, r2.ID, RunUpdate{State: &running}))

	runs, err := s.ListRuns(ctx, RunFilter{State: &running})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r2.ID, runs[0].ID)

	idle := schema.StateIdle
	runs, err = s.ListRuns(ctx, RunFilter{State: &idle})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r1.ID, runs[0].ID)
}

func TestListRuns_Limit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		seedRun(t, s)
	}
	runs, err := s.ListRuns(context.Background(), RunFilter{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestDeleteRun_CascadesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.AppendEvent(ctx, &TransitionEvent{
		RunID:     run.ID,
		Trigger:   string(schema.EventStartWorkflow),
		FromState: string(schema.StateIdle),
		ToState:   string(schema.StateStageRunning),
	}))

	require.NoError(t, s.DeleteRun(ctx, run.ID))

	events, err := s.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// --- Transition Event Tests ---

func TestAppendEvent_AssignsSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	e1 := &TransitionEvent{
		RunID:     run.ID,
		Trigger:   string(schema.EventStartWorkflow),
		FromState: string(schema.StateIdle),
		ToState:   string(schema.StateStageRunning),
		StageID:   "stage-eda",
		Payload:   json.RawMessage(`{"stages":2}`),
	}
	require.NoError(t, s.AppendEvent(ctx, e1))
	assert.Equal(t, int64(1), e1.Sequence)

	e2 := &TransitionEvent{
		RunID:     run.ID,
		Trigger:   string(schema.EventStartStep),
		FromState: string(schema.StateStageRunning),
		ToState:   string(schema.StateStepRunning),
		StageID:   "stage-eda",
		StepID:    "step-profile",
	}
	require.NoError(t, s.AppendEvent(ctx, e2))
	assert.Equal(t, int64(2), e2.Sequence)
}

func TestGetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	triggers := []schema.WorkflowEvent{
		schema.EventStartWorkflow, schema.EventStartStep, schema.EventStartBehavior,
	}
	for _, tr := range triggers {
		require.NoError(t, s.AppendEvent(ctx, &TransitionEvent{
			RunID:     run.ID,
			Trigger:   string(tr),
			FromState: "X",
			ToState:   "Y",
		}))
	}

	events, err := s.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = s.GetEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, string(schema.EventStartStep), events[0].Trigger)
}

func TestGetEventsByTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for _, tr := range []schema.WorkflowEvent{
		schema.EventStartBehavior, schema.EventCompleteBehavior, schema.EventStartBehavior,
	} {
		require.NoError(t, s.AppendEvent(ctx, &TransitionEvent{
			RunID:     run.ID,
			Trigger:   string(tr),
			FromState: "X",
			ToState:   "Y",
			StepID:    "step-profile",
		}))
	}

	events, err := s.GetEventsByTrigger(ctx, string(schema.EventStartBehavior), EventFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, string(schema.EventStartBehavior), e.Trigger)
	}
}

// --- Snapshot Tests ---

func TestSaveAndLatestSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{
			RunID:    run.ID,
			Sequence: seq,
			Document: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, seq)),
		}))
	}

	snap, err := s.LatestSnapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Sequence)
	assert.JSONEq(t, `{"seq":3}`, string(snap.Document))
}

func TestLatestSnapshot_NotFound(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)
	_, err := s.LatestSnapshot(context.Background(), run.ID)
	require.Error(t, err)
	var qErr *schema.QuillError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, schema.ErrCodeNotFound, qErr.Code)
}

func TestPruneSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, s.SaveSnapshot(ctx, &Snapshot{
			RunID:    run.ID,
			Sequence: seq,
			Document: json.RawMessage(`{}`),
		}))
	}

	require.NoError(t, s.PruneSnapshots(ctx, run.ID, 2))

	snap, err := s.LatestSnapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Sequence)

	var count int
	require.NoError(t, s.DB().QueryRow(
		`SELECT COUNT(*) FROM snapshots WHERE run_id = ?`, run.ID).Scan(&count))
	assert.Equal(t, 2, count)
}

// --- Template Tests ---

func TestStoreAndGetTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := &TemplateRecord{
		Name:        "ml-notebook",
		Version:     "1",
		Description: "end to end model training",
		Template: schema.WorkflowTemplate{
			Name:  "ml-notebook",
			Goals: "train and evaluate",
			Stages: []schema.WorkItem{
				{ID: "stage-eda", Name: "Explore"},
				{ID: "stage-train", Name: "Train"},
			},
		},
	}
	require.NoError(t, s.StoreTemplate(ctx, tpl))

	got, err := s.GetTemplate(ctx, "ml-notebook", "1")
	require.NoError(t, err)
	assert.Equal(t, "end to end model training", got.Description)
	require.Len(t, got.Template.Stages, 2)
	assert.Equal(t, "stage-eda", got.Template.Stages[0].ID)
}

func TestStoreTemplate_UpsertsByNameVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := &TemplateRecord{
		Name:     "ml-notebook",
		Version:  "1",
		Template: schema.WorkflowTemplate{Name: "ml-notebook", Stages: []schema.WorkItem{{ID: "a"}}},
	}
	require.NoError(t, s.StoreTemplate(ctx, tpl))

	tpl.Description = "revised"
	tpl.Template.Stages = append(tpl.Template.Stages, schema.WorkItem{ID: "b"})
	require.NoError(t, s.StoreTemplate(ctx, tpl))

	got, err := s.GetTemplate(ctx, "ml-notebook", "1")
	require.NoError(t, err)
	assert.Equal(t, "revised", got.Description)
	assert.Len(t, got.Template.Stages, 2)
}

func TestListTemplates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"1", "2"} {
		require.NoError(t, s.StoreTemplate(ctx, &TemplateRecord{
			Name:     "ml-notebook",
			Version:  v,
			Template: schema.WorkflowTemplate{Name: "ml-notebook", Stages: []schema.WorkItem{{ID: "a"}}},
		}))
	}
	require.NoError(t, s.StoreTemplate(ctx, &TemplateRecord{
		Name:     "eda-notebook",
		Version:  "1",
		Template: schema.WorkflowTemplate{Name: "eda-notebook", Stages: []schema.WorkItem{{ID: "x"}}},
	}))

	all, err := s.ListTemplates(ctx, TemplateFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	filtered, err := s.ListTemplates(ctx, TemplateFilter{Name: "ml-notebook"})
	require.NoError(t, err)
	assert.Len(t, filtered, 2)
}

func TestDeleteTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreTemplate(ctx, &TemplateRecord{
		Name: "ml-notebook", Version: "1",
		Template: schema.WorkflowTemplate{Name: "ml-notebook", Stages: []schema.WorkItem{{ID: "a"}}},
	}))
	require.NoError(t, s.DeleteTemplate(ctx, "ml-notebook", "1"))

	_, err := s.GetTemplate(ctx, "ml-notebook", "1")
	require.Error(t, err)
}

// --- Scheduled Run Tests ---

func TestCreateAndGetScheduledRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sr := &ScheduledRun{
		ID:             uuid.New().String(),
		TemplateName:   "ml-notebook",
		CronExpression: "0 2 * * *",
		Variables:      json.RawMessage(`{"dataset":"fresh"}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, sr))

	got, err := s.GetScheduledRun(ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", got.CronExpression)
	assert.True(t, got.Enabled)
	assert.JSONEq(t, `{"dataset":"fresh"}`, string(got.Variables))
}

func TestUpdateScheduledRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sr := &ScheduledRun{
		ID:             uuid.New().String(),
		TemplateName:   "ml-notebook",
		CronExpression: "@daily",
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, sr))

	disabled := false
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateScheduledRun(ctx, sr.ID, ScheduledRunUpdate{
		Enabled:      &disabled,
		LastRunAt:    &now,
		LastRunState: string(schema.StateWorkflowCompleted),
	}))

	got, err := s.GetScheduledRun(ctx, sr.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, string(schema.StateWorkflowCompleted), got.LastRunState)
}

func TestListScheduledRuns_FilterEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, enabled := range []bool{true, false, true} {
		require.NoError(t, s.CreateScheduledRun(ctx, &ScheduledRun{
			ID:             uuid.New().String(),
			TemplateName:   "ml-notebook",
			CronExpression: "@hourly",
			Enabled:        enabled,
			CreatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	enabled := true
	active, err := s.ListScheduledRuns(ctx, ScheduledRunFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestDeleteScheduledRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sr := &ScheduledRun{
		ID:             uuid.New().String(),
		TemplateName:   "ml-notebook",
		CronExpression: "@daily",
	}
	require.NoError(t, s.CreateScheduledRun(ctx, sr))
	require.NoError(t, s.DeleteScheduledRun(ctx, sr.ID))

	_, err := s.GetScheduledRun(ctx, sr.ID)
	require.Error(t, err)
}
