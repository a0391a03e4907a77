package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestLoadMigrations_Ordered(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- only a comment;\nCREATE TABLE a (x INT);\n\n-- note\nCREATE TABLE b (y INT);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE TABLE b")
}

// --- Journal ---

func TestAppendEvent_SequencePerWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wfA := uuid.NewString()
	wfB := uuid.NewString()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wfA, Type: schema.EventStepEntered, Step: "email"}))
	}
	evB := &Event{WorkflowID: wfB, Type: schema.EventWorkflowStarted}
	require.NoError(t, s.AppendEvent(ctx, evB))
	assert.Equal(t, int64(1), evB.Sequence)
	assert.NotZero(t, evB.ID)

	events, err := s.GetEvents(ctx, wfA, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, "email", e.Step)
		assert.False(t, e.Timestamp.IsZero())
	}

	since, err := s.GetEvents(ctx, wfA, 2)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, int64(3), since[0].Sequence)
}

func TestAppendEvent_PayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := uuid.NewString()
	ts := time.Date(2026, 3, 4, 5, 6, 7, 891, time.UTC)

	require.NoError(t, s.AppendEvent(ctx, &Event{
		WorkflowID: wf,
		Type:       schema.EventPlatformConnected,
		Payload:    json.RawMessage(`{"platform_id":"spotify"}`),
		Timestamp:  ts,
	}))

	events, err := s.GetEvents(ctx, wf, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"platform_id":"spotify"}`, string(events[0].Payload))
	assert.True(t, ts.Equal(events[0].Timestamp))
	assert.Empty(t, events[0].Step)
}

func TestAppendEvent_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := uuid.NewString()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf, Type: schema.EventStateChanged}))
		}()
	}
	wg.Wait()

	events, err := s.GetEvents(ctx, wf, 0)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := uuid.NewString()
	other := uuid.NewString()

	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf, Type: schema.EventStepFailed, Step: "verify"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf, Type: schema.EventStepFailed, Step: "pin"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: wf, Type: schema.EventStepEntered, Step: "pin"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: other, Type: schema.EventStepFailed, Step: "pin"}))

	all, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{WorkflowID: wf, Step: "pin"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, wf, scoped[0].WorkflowID)

	limited, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, other, limited[0].WorkflowID, "newest first")

	future := time.Now().Add(time.Hour)
	none, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{Since: &future})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListWorkflowIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf-1", Type: schema.EventWorkflowStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf-2", Type: schema.EventWorkflowStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf-1", Type: schema.EventStepEntered}))

	ids, err := s.ListWorkflowIDs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1", "wf-2"}, ids)

	ids, err = s.ListWorkflowIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1"}, ids)
}

// --- Secrets ---

func TestSecrets_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "session/current", []byte("v1")))
	require.NoError(t, s.StoreSecret(ctx, "connection/spotify", []byte("c")))

	got, err := s.GetSecret(ctx, "session/current")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, s.StoreSecret(ctx, "session/current", []byte("v2")))
	got, err = s.GetSecret(ctx, "session/current")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"connection/spotify", "session/current"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "session/current"))
	_, err = s.GetSecret(ctx, "session/current")
	var oe *schema.OnboardError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeNotFound, oe.Code)

	err = s.DeleteSecret(ctx, "session/current")
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeNotFound, oe.Code)
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Vacuum(context.Background()))
}
