package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/pkg/schema"
)

type memoryWriter struct {
	mu     sync.Mutex
	events []*store.Event
	fail   bool
}

func (w *memoryWriter) Append(_ context.Context, workflowID string, step schema.Step, eventType string, _ any) (*store.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return nil, errors.New("disk full")
	}
	ev := &store.Event{WorkflowID: workflowID, Step: string(step), Type: eventType, Sequence: int64(len(w.events) + 1)}
	w.events = append(w.events, ev)
	return ev, nil
}

func (w *memoryWriter) types() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.events))
	for i, e := range w.events {
		out[i] = e.Type
	}
	return out
}

func TestJournal_PreservesOrder(t *testing.T) {
	w := &memoryWriter{}
	j := NewJournal(w, nil)
	ctx := context.Background()

	var want []string
	for i := range 50 {
		typ := fmt.Sprintf("event_%02d", i)
		want = append(want, typ)
		require.NoError(t, j.Append(ctx, "wf-1", schema.StepEmail, typ, nil))
	}
	j.Flush()
	assert.Equal(t, want, w.types())
	j.Close()
}

func TestJournal_CloseDropsLateAppends(t *testing.T) {
	w := &memoryWriter{}
	j := NewJournal(w, nil)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, "wf-1", schema.StepEmail, schema.EventWorkflowStarted, nil))
	j.Close()
	require.NoError(t, j.Append(ctx, "wf-1", schema.StepEmail, schema.EventWorkflowCancelled, nil))
	j.Close()

	assert.Equal(t, []string{schema.EventWorkflowStarted}, w.types())
}

func TestJournal_WriteFailureIsNotFatal(t *testing.T) {
	w := &memoryWriter{fail: true}
	j := NewJournal(w, nil)
	require.NoError(t, j.Append(context.Background(), "wf-1", schema.StepEmail, schema.EventWorkflowStarted, nil))
	j.Close()
	assert.Empty(t, w.types())
}

func TestJournal_NilIsSafe(t *testing.T) {
	var j *Journal
	require.NoError(t, j.Append(context.Background(), "wf-1", schema.StepEmail, "x", nil))
	j.Flush()
	j.Close()
}

func TestJournal_ConcurrentAppends(t *testing.T) {
	w := &memoryWriter{}
	j := NewJournal(w, nil)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				_ = j.Append(context.Background(), fmt.Sprintf("wf-%d", g), schema.StepEmail, fmt.Sprint(i), nil)
			}
		}()
	}
	wg.Wait()
	j.Close()
	assert.Len(t, w.types(), 200)
}
