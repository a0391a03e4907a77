package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"

	"github.com/rendis/onboard/pkg/schema"
)

// Machine events.
const (
	eventAdvance = "advance"
	eventRetreat = "retreat"
	eventFinish  = "finish"
	eventCancel  = "cancel"
)

// advanceAuto is passed as an event argument when debug mode skips a step.
const advanceAuto = "auto"

// TransitionHook is called before or after a step transition. A before hook
// that returns an error vetoes the transition.
type TransitionHook func(from, to schema.Step) error

// EventAppender receives one journal entry per transition.
type EventAppender interface {
	Append(ctx context.Context, workflowID string, step schema.Step, eventType string, payload any) error
}

type stepHookKey struct {
	from, to schema.Step
}

// forward is the canonical path: Connect goes straight to PIN. The
// interstitial Success step has no edges and is never entered.
var forward = map[schema.Step]schema.Step{
	schema.StepEmail:    schema.StepVerify,
	schema.StepVerify:   schema.StepConnect,
	schema.StepConnect:  schema.StepPIN,
	schema.StepPIN:      schema.StepTraining,
	schema.StepTraining: schema.StepComplete,
}

var backward = map[schema.Step]schema.Step{
	schema.StepVerify:   schema.StepEmail,
	schema.StepConnect:  schema.StepVerify,
	schema.StepPIN:      schema.StepConnect,
	schema.StepTraining: schema.StepPIN,
}

// Next returns the step after s on the canonical path.
func Next(s schema.Step) (schema.Step, bool) {
	n, ok := forward[s]
	return n, ok
}

// Previous returns the step before s. Email has no predecessor.
func Previous(s schema.Step) (schema.Step, bool) {
	p, ok := backward[s]
	return p, ok
}

func machineEvents() fsm.Events {
	var events fsm.Events
	for _, from := range schema.AllSteps {
		if to, ok := forward[from]; ok {
			events = append(events, fsm.EventDesc{Name: eventAdvance, Src: []string{string(from)}, Dst: string(to)})
		}
		if to, ok := backward[from]; ok {
			events = append(events, fsm.EventDesc{Name: eventRetreat, Src: []string{string(from)}, Dst: string(to)})
		}
	}
	var live []string
	for _, s := range schema.AllSteps {
		if !s.IsTerminal() {
			live = append(live, string(s))
		}
	}
	events = append(events,
		fsm.EventDesc{Name: eventCancel, Src: live, Dst: string(schema.StepCancelled)},
		fsm.EventDesc{Name: eventFinish, Src: []string{string(schema.StepVerify), string(schema.StepTraining)}, Dst: string(schema.StepComplete)},
	)
	return events
}

// StepMachine enforces the onboarding step graph and journals every move.
type StepMachine struct {
	mu         sync.Mutex
	workflowID string
	fsm        *fsm.FSM
	appender   EventAppender
	before     map[stepHookKey][]TransitionHook
	after      map[stepHookKey][]TransitionHook
	afterErr   error
}

// NewStepMachine creates a machine on the Email step. appender may be nil.
func NewStepMachine(workflowID string, appender EventAppender) *StepMachine {
	m := &StepMachine{
		workflowID: workflowID,
		appender:   appender,
		before:     make(map[stepHookKey][]TransitionHook),
		after:      make(map[stepHookKey][]TransitionHook),
	}
	m.fsm = fsm.NewFSM(string(schema.StepEmail), machineEvents(), fsm.Callbacks{
		"before_event": m.runBefore,
		"enter_state":  m.journal,
		"after_event":  m.runAfter,
	})
	return m
}

// OnBefore registers a hook called before from -> to.
func (m *StepMachine) OnBefore(from, to schema.Step, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepHookKey{from, to}
	m.before[key] = append(m.before[key], hook)
}

// OnAfter registers a hook called after from -> to.
func (m *StepMachine) OnAfter(from, to schema.Step, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stepHookKey{from, to}
	m.after[key] = append(m.after[key], hook)
}

// Current returns the current step.
func (m *StepMachine) Current() schema.Step {
	return schema.Step(m.fsm.Current())
}

// Reset puts the machine back on Email for a new run.
func (m *StepMachine) Reset(workflowID string) {
	m.mu.Lock()
	m.workflowID = workflowID
	m.mu.Unlock()
	m.fsm.SetState(string(schema.StepEmail))
}

// Advance moves to the next step on the canonical path.
func (m *StepMachine) Advance(ctx context.Context) (schema.Step, error) {
	return m.fire(ctx, eventAdvance)
}

// AutoAdvance is Advance journaled as a debug-mode skip.
func (m *StepMachine) AutoAdvance(ctx context.Context) (schema.Step, error) {
	return m.fire(ctx, eventAdvance, advanceAuto)
}

// Retreat moves to the previous step. From Email it cancels the workflow.
func (m *StepMachine) Retreat(ctx context.Context) (schema.Step, error) {
	if m.Current() == schema.StepEmail {
		return m.fire(ctx, eventCancel)
	}
	return m.fire(ctx, eventRetreat)
}

// Finish jumps straight to Complete. Only Verify (returning user) and
// Training may finish.
func (m *StepMachine) Finish(ctx context.Context) (schema.Step, error) {
	return m.fire(ctx, eventFinish)
}

// Cancel moves any non-terminal step to Cancelled.
func (m *StepMachine) Cancel(ctx context.Context) (schema.Step, error) {
	return m.fire(ctx, eventCancel)
}

func (m *StepMachine) fire(ctx context.Context, event string, args ...any) (schema.Step, error) {
	from := m.Current()
	m.afterErr = nil

	err := m.fsm.Event(ctx, event, args...)
	if err != nil {
		var canceled fsm.CanceledError
		if errors.As(err, &canceled) && canceled.Err != nil {
			return from, canceled.Err
		}
		return from, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot %s from step %s", event, from).
			WithStep(from).
			WithCause(err).
			WithDetails(map[string]any{"workflow_id": m.workflowID, "event": event})
	}
	return m.Current(), m.afterErr
}

func (m *StepMachine) hooks(table map[stepHookKey][]TransitionHook, e *fsm.Event) []TransitionHook {
	m.mu.Lock()
	defer m.mu.Unlock()
	return table[stepHookKey{schema.Step(e.Src), schema.Step(e.Dst)}]
}

func (m *StepMachine) runBefore(_ context.Context, e *fsm.Event) {
	for _, hook := range m.hooks(m.before, e) {
		if err := hook(schema.Step(e.Src), schema.Step(e.Dst)); err != nil {
			e.Cancel(err)
			return
		}
	}
}

func (m *StepMachine) runAfter(_ context.Context, e *fsm.Event) {
	for _, hook := range m.hooks(m.after, e) {
		if err := hook(schema.Step(e.Src), schema.Step(e.Dst)); err != nil && m.afterErr == nil {
			m.afterErr = err
		}
	}
}

func (m *StepMachine) journal(ctx context.Context, e *fsm.Event) {
	if m.appender == nil {
		return
	}
	m.mu.Lock()
	workflowID := m.workflowID
	m.mu.Unlock()

	to := schema.Step(e.Dst)
	_ = m.appender.Append(ctx, workflowID, to, transitionEventType(e), map[string]any{
		"from": e.Src,
		"to":   e.Dst,
	})
}

func transitionEventType(e *fsm.Event) string {
	switch e.Event {
	case eventCancel:
		return schema.EventWorkflowCancelled
	case eventRetreat:
		return schema.EventStepRetreated
	case eventAdvance:
		if len(e.Args) > 0 && e.Args[0] == advanceAuto {
			return schema.EventStepAutoSkip
		}
	}
	return schema.EventStepEntered
}
