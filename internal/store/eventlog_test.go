package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/pkg/schema"
)

func TestEventLog_ReplayCompletedJourney(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	wf := uuid.NewString()

	appends := []struct {
		step    schema.Step
		typ     string
		payload any
	}{
		{schema.StepEmail, schema.EventWorkflowStarted, nil},
		{schema.StepEmail, schema.EventStepEntered, nil},
		{schema.StepVerify, schema.EventStepEntered, nil},
		{schema.StepVerify, schema.EventStepFailed, map[string]string{"code": schema.ErrCodeValidation}},
		{schema.StepConnect, schema.EventStepEntered, nil},
		{schema.StepConnect, schema.EventPlatformConnected, map[string]string{"platform_id": "spotify"}},
		{schema.StepConnect, schema.EventPlatformConnected, map[string]string{"platform_id": "google"}},
		{schema.StepConnect, schema.EventPlatformDisconnected, map[string]string{"platform_id": "spotify"}},
		{schema.StepPIN, schema.EventStepEntered, nil},
		{schema.StepTraining, schema.EventStepEntered, nil},
		{schema.StepComplete, schema.EventStepEntered, nil},
		{schema.StepComplete, schema.EventWorkflowCompleted, nil},
	}
	for _, a := range appends {
		_, err := el.Append(ctx, wf, a.step, a.typ, a.payload)
		require.NoError(t, err)
	}

	j, err := el.Replay(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, schema.ResultSuccess, j.Outcome)
	assert.Equal(t, schema.StepComplete, j.LastStep)
	assert.Equal(t, []schema.Step{
		schema.StepEmail, schema.StepVerify, schema.StepConnect,
		schema.StepPIN, schema.StepTraining, schema.StepComplete,
	}, j.Steps)
	assert.Equal(t, []string{"google"}, j.Platforms)
	assert.Equal(t, 1, j.Failures)
	assert.Equal(t, len(appends), j.Events)
	require.NotNil(t, j.EndedAt)
}

func TestEventLog_ReplayCancelled(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	wf := uuid.NewString()

	_, err := el.Append(ctx, wf, schema.StepEmail, schema.EventWorkflowStarted, nil)
	require.NoError(t, err)
	_, err = el.Append(ctx, wf, schema.StepVerify, schema.EventStepEntered, nil)
	require.NoError(t, err)
	_, err = el.Append(ctx, wf, schema.StepVerify, schema.EventWorkflowCancelled, nil)
	require.NoError(t, err)

	j, err := el.Replay(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, schema.ResultCancelled, j.Outcome)
	assert.Equal(t, schema.StepCancelled, j.LastStep)
}

func TestEventLog_ReplayUnknownWorkflow(t *testing.T) {
	el := NewEventLog(newTestStore(t))

	_, err := el.Replay(context.Background(), "missing")
	var oe *schema.OnboardError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeNotFound, oe.Code)
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	wf := uuid.NewString()

	for i := 0; i < 3; i++ {
		_, err := el.Append(ctx, wf, schema.StepEmail, schema.EventStateChanged, nil)
		require.NoError(t, err)
	}
	_, err := s.DB().ExecContext(ctx, `DELETE FROM events WHERE workflow_id = ? AND sequence = 2`, wf)
	require.NoError(t, err)

	_, err = el.Replay(ctx, wf)
	var oe *schema.OnboardError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeStore, oe.Code)
}

func TestEventLog_AppendMarshalError(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	_, err := el.Append(context.Background(), "wf", schema.StepEmail, schema.EventStateChanged, make(chan int))
	assert.Error(t, err)
}
