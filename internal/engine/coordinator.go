package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/onboard/internal/logging"
	"github.com/rendis/onboard/internal/progress"
	"github.com/rendis/onboard/internal/scheduler"
	"github.com/rendis/onboard/internal/streaming"
	"github.com/rendis/onboard/pkg/schema"
)

// Deps are the coordinator's collaborators. Email, Platforms, Registration
// and Training are required; everything else is optional.
type Deps struct {
	Email        EmailVerificationService
	Platforms    PlatformAuthService
	Registration RegistrationService
	Training     TrainingService

	// Tokens persists the session for the returning-user fast path.
	Tokens SecureTokenStore
	// Progress carries server-side training progress. Nil means local simulation only.
	Progress progress.Transport
	// Hub receives state_changed events on topic workflow:<id>.
	Hub streaming.EventHub
	// Journal persists the workflow journal.
	Journal JournalWriter

	Scheduler scheduler.Scheduler
	Client    *Client
	// Registerer receives client and progress metrics when Client is nil.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	NewID      func() string
}

// Coordinator drives one onboarding workflow at a time. All state mutation
// happens on a single loop goroutine per run; public methods post closures
// onto it.
type Coordinator struct {
	cfg       Config
	timing    Config
	deps      Deps
	client    *Client
	validator *Validator
	policy    *ConnectionPolicy
	failures  FailurePolicy
	decoder   *progress.Decoder
	metrics   *progress.Metrics
	journal   *Journal
	logger    *slog.Logger

	mu  sync.Mutex
	cur *run
}

// WorkflowTopic is the hub topic state changes for workflowID are published on.
func WorkflowTopic(workflowID string) string {
	return "workflow:" + workflowID
}

// NewCoordinator validates cfg and wires deps.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	cfg.Normalize()
	check := cfg.Check()
	if err := check.ToError(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Email == nil || deps.Platforms == nil || deps.Registration == nil || deps.Training == nil {
		return nil, fmt.Errorf("email, platform, registration and training services are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.NewReal()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	validator, err := NewValidator(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := NewConnectionPolicy(cfg)
	if err != nil {
		return nil, fmt.Errorf("connection policy: %w", err)
	}
	decoder, err := progress.NewDecoder(cfg.Channel.Fields)
	if err != nil {
		return nil, err
	}

	timing := cfg.timings()
	c := &Coordinator{
		cfg:       cfg,
		timing:    timing,
		deps:      deps,
		validator: validator,
		policy:    policy,
		failures:  FailurePolicy{Debug: cfg.DebugMode, Grace: timing.DebugGracePeriod},
		decoder:   decoder,
		logger:    deps.Logger.With(slog.String("component", "coordinator")),
	}

	c.client = deps.Client
	if c.client == nil {
		var cm *ClientMetrics
		if deps.Registerer != nil {
			cm = NewClientMetrics(deps.Registerer)
		}
		c.client = NewClientFromConfig(cfg, cm, deps.Logger)
	}
	if deps.Registerer != nil {
		c.metrics = progress.NewMetrics(deps.Registerer)
	}
	if deps.Journal != nil {
		c.journal = NewJournal(deps.Journal, deps.Logger)
	}
	for _, w := range check.Warnings {
		c.logger.Warn("config warning", slog.String("path", w.Path), slog.String("message", w.Message))
	}
	return c, nil
}

// Config returns the normalized configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Start begins a new workflow on the Email step. completion is called
// exactly once, on its own goroutine, with the run's result.
func (c *Coordinator) Start(completion func(schema.WorkflowResult)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && !c.cur.isOver() {
		return schema.NewError(schema.ErrCodeConflict, "a workflow is already running")
	}

	r := newRun(c, c.deps.NewID(), completion)
	c.cur = r
	r.changed()
	c.appendJournal(r.ctx, r.id, schema.StepEmail, schema.EventWorkflowStarted, map[string]any{
		"test_mode":  c.cfg.TestMode,
		"debug_mode": c.cfg.DebugMode,
	})
	logging.LogWith(r.ctx, c.logger).Info("workflow started")
	go r.loop()
	return nil
}

// State returns a snapshot of the current (or last) run.
func (c *Coordinator) State() schema.StateSnapshot {
	r := c.current()
	if r == nil {
		return NewWorkflowState("").Snapshot()
	}
	return *r.snapshot.Load()
}

// Subscribe streams state_changed events of the current run.
func (c *Coordinator) Subscribe(ctx context.Context) (<-chan streaming.StreamEvent, func(), error) {
	if c.deps.Hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "no event hub configured")
	}
	r := c.current()
	if r == nil {
		return nil, nil, errNotRunning()
	}
	return c.deps.Hub.Subscribe(ctx, streaming.EventFilter{
		Topic:      WorkflowTopic(r.id),
		EventTypes: []string{schema.EventStateChanged},
	})
}

// Done is closed when the current run ends. It is nil before the first Start.
func (c *Coordinator) Done() <-chan struct{} {
	r := c.current()
	if r == nil {
		return nil
	}
	return r.stop
}

// SetEmail updates the email field and clears any error.
func (c *Coordinator) SetEmail(v string) error {
	return c.exec(func(r *run) { r.setField(&r.state.Email, v) })
}

// SetVerificationCode updates the code field and clears any error.
func (c *Coordinator) SetVerificationCode(v string) error {
	return c.exec(func(r *run) { r.setField(&r.state.VerificationCode, v) })
}

// SetPIN updates the PIN field and clears any error.
func (c *Coordinator) SetPIN(v string) error {
	return c.exec(func(r *run) { r.setField(&r.state.PIN, v) })
}

// Proceed validates the current step and runs its operation. It is a no-op
// while an operation is in flight.
func (c *Coordinator) Proceed() error {
	return c.exec(func(r *run) { r.proceed() })
}

// Back moves to the previous step, cancelling any in-flight operation.
// Back from Email cancels the workflow.
func (c *Coordinator) Back() error {
	return c.exec(func(r *run) { r.back() })
}

// Cancel ends the workflow with a Cancelled result.
func (c *Coordinator) Cancel() error {
	return c.exec(func(r *run) { r.cancelWorkflow() })
}

// ConnectPlatform authenticates platformID while on the Connect step.
func (c *Coordinator) ConnectPlatform(platformID string) error {
	return c.exec(func(r *run) { r.connectPlatform(platformID) })
}

// DisconnectPlatform forgets a connected platform.
func (c *Coordinator) DisconnectPlatform(platformID string) error {
	return c.exec(func(r *run) { r.disconnectPlatform(platformID) })
}

// Flush waits until every journal entry appended so far is persisted.
func (c *Coordinator) Flush() { c.journal.Flush() }

// Close cancels a running workflow and flushes the journal.
func (c *Coordinator) Close() {
	_ = c.Cancel()
	if r := c.current(); r != nil {
		<-r.stop
	}
	c.journal.Close()
}

func (c *Coordinator) current() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// exec runs fn on the current run's loop and waits for it.
func (c *Coordinator) exec(fn func(r *run)) error {
	r := c.current()
	if r == nil {
		return errNotRunning()
	}
	done := make(chan struct{})
	if !r.post(func() { fn(r); close(done) }) {
		return errNotRunning()
	}
	// Once the loop has taken fn it runs it to completion.
	<-done
	return nil
}

func (c *Coordinator) appendJournal(ctx context.Context, workflowID string, step schema.Step, eventType string, payload any) {
	if c.journal != nil {
		_ = c.journal.Append(ctx, workflowID, step, eventType, payload)
	}
}

func errNotRunning() error {
	return schema.NewError(schema.ErrCodeConflict, "no workflow is running")
}

// trainingPhase tracks the training sub-flow of a run.
type trainingPhase int

const (
	trainingIdle trainingPhase = iota
	trainingStarting
	trainingRunning
	trainingStartFailed
	trainingFinished
)

// run is one Start..result lifetime. Fields below cmds are owned by the loop.
type run struct {
	c      *Coordinator
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	stop   chan struct{}
	over   atomic.Bool

	snapshot atomic.Pointer[schema.StateSnapshot]

	machine    *StepMachine
	state      *WorkflowState
	completion func(schema.WorkflowResult)

	opID     uint64
	opCancel context.CancelFunc
	grace    scheduler.Handle

	gen     uint64
	phase   trainingPhase
	channel *progress.Channel
	sim     scheduler.Handle
}

func newRun(c *Coordinator, id string, completion func(schema.WorkflowResult)) *run {
	ctx, cancel := context.WithCancel(logging.WithWorkflowID(context.Background(), id))
	r := &run{
		c:          c,
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		cmds:       make(chan func()),
		stop:       make(chan struct{}),
		state:      NewWorkflowState(id),
		completion: completion,
	}

	var appender EventAppender
	if c.journal != nil {
		appender = c.journal
	}
	r.machine = NewStepMachine(id, appender)
	for _, to := range []schema.Step{schema.StepPIN, schema.StepComplete, schema.StepCancelled} {
		r.machine.OnAfter(schema.StepTraining, to, func(_, _ schema.Step) error {
			r.stopTraining()
			return nil
		})
	}
	return r
}

func (r *run) loop() {
	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-r.stop:
			return
		}
	}
}

// post hands fn to the loop. It reports false once the run is over.
func (r *run) post(fn func()) bool {
	select {
	case r.cmds <- fn:
		return true
	case <-r.stop:
		return false
	}
}

func (r *run) isOver() bool { return r.over.Load() }

func (r *run) logger() *slog.Logger {
	ctx := logging.WithStep(r.ctx, string(r.state.CurrentStep))
	return logging.LogWith(ctx, r.c.logger)
}

// changed publishes a fresh snapshot.
func (r *run) changed() {
	snap := r.state.Snapshot()
	r.snapshot.Store(&snap)
	if r.c.deps.Hub == nil {
		return
	}
	ev, err := streaming.NewEvent(WorkflowTopic(r.id), schema.EventStateChanged, snap)
	if err != nil {
		r.logger().Warn("encode state snapshot", slog.String("error", err.Error()))
		return
	}
	_ = r.c.deps.Hub.Publish(r.ctx, ev)
}

func (r *run) setField(dst *string, v string) {
	*dst = v
	r.state.ErrorMessage = ""
	r.changed()
}

func (r *run) surface(err *schema.OnboardError) {
	r.state.ErrorMessage = err.UserMessage()
	r.changed()
}

func (r *run) cancelOp() {
	r.opID++
	if r.opCancel != nil {
		r.opCancel()
		r.opCancel = nil
	}
	r.state.IsLoading = false
}

func (r *run) cancelGrace() {
	if r.grace != nil {
		r.grace.Cancel()
		r.grace = nil
	}
}

// enter folds a completed transition into state and runs the step's entry action.
func (r *run) enter(step schema.Step) {
	r.state.CurrentStep = step
	r.state.ErrorMessage = ""
	switch step {
	case schema.StepTraining:
		r.beginTraining()
	case schema.StepComplete:
		r.finish(schema.Succeeded(r.session()))
		return
	case schema.StepCancelled:
		r.finish(schema.Cancelled())
		return
	}
	r.changed()
}

func (r *run) advance(auto bool) {
	var (
		next schema.Step
		err  error
	)
	if auto {
		next, err = r.machine.AutoAdvance(r.ctx)
	} else {
		next, err = r.machine.Advance(r.ctx)
	}
	if err != nil {
		r.surface(Classify(err))
		return
	}
	r.enter(next)
}

func (r *run) back() {
	if r.isOver() {
		return
	}
	r.cancelOp()
	r.cancelGrace()
	prev, err := r.machine.Retreat(r.ctx)
	if err != nil {
		r.surface(Classify(err))
		return
	}
	r.enter(prev)
}

func (r *run) cancelWorkflow() {
	if r.isOver() {
		return
	}
	r.cancelOp()
	r.cancelGrace()
	if _, err := r.machine.Cancel(r.ctx); err != nil {
		r.surface(Classify(err))
		return
	}
	r.enter(schema.StepCancelled)
}

// failed applies the failure policy to a step operation error.
func (r *run) failed(step schema.Step, err *schema.OnboardError) {
	r.logger().Warn("step operation failed",
		slog.String("code", err.Code),
		slog.String("error", err.Error()),
	)
	d := r.c.failures.HandleStepFailure(r.ctx, r.c.journal, r.id, step, err)
	r.state.ErrorMessage = d.Message

	switch d.Action {
	case FailureEnd:
		r.finish(schema.Failed(err.WithStep(step)))
		return
	case FailureAutoAdvance:
		r.cancelGrace()
		r.grace = r.c.deps.Scheduler.After(d.Delay, func() {
			r.post(func() {
				r.grace = nil
				if r.state.CurrentStep != step || r.state.IsLoading || r.isOver() {
					return
				}
				r.advance(true)
			})
		})
	}
	r.changed()
}

// finish delivers result once and stops the loop.
func (r *run) finish(result schema.WorkflowResult) {
	if r.isOver() {
		return
	}
	r.cancelOp()
	r.cancelGrace()
	r.stopTraining()
	r.state.IsLoading = false

	switch result.Kind {
	case schema.ResultSuccess:
		r.c.appendJournal(r.ctx, r.id, r.state.CurrentStep, schema.EventWorkflowCompleted, map[string]any{
			"platforms": r.state.Platforms(),
			"returning": result.Session != nil && result.Session.Returning,
		})
	case schema.ResultFailure:
		r.c.appendJournal(r.ctx, r.id, r.state.CurrentStep, schema.EventWorkflowFailed, map[string]any{
			"code":    result.Err.Code,
			"message": result.Err.Message,
		})
	}
	r.logger().Info("workflow finished", slog.String("result", string(result.Kind)))

	r.over.Store(true)
	r.changed()
	if r.completion != nil {
		go r.completion(result)
	}
	r.cancel()
	close(r.stop)
}

func (r *run) session() schema.Session {
	return schema.Session{
		UserID:      r.state.UserID,
		SessionID:   r.state.SessionID,
		Email:       r.state.Email,
		Token:       r.state.SessionToken,
		Platforms:   r.state.Platforms(),
		AccountInfo: r.state.AccountInfo,
	}
}

// startOp runs call off the loop and posts the outcome back. Results of an
// operation that was cancelled or superseded are dropped.
func startOp[T any](r *run, step schema.Step, call Call[T], onSuccess func(T), onFailure func(*schema.OnboardError)) {
	r.cancelGrace()
	r.opID++
	id := r.opID
	opCtx := logging.WithStep(r.ctx, string(step))
	if r.state.SessionToken != "" {
		opCtx = WithSessionToken(opCtx, r.state.SessionToken)
	}
	ctx, cancel := context.WithCancel(opCtx)
	r.opCancel = cancel
	r.state.IsLoading = true
	r.state.ErrorMessage = ""
	r.changed()

	go func() {
		res := Do(ctx, r.c.client, call)
		r.post(func() {
			if id != r.opID {
				return
			}
			cancel()
			r.opCancel = nil
			r.state.IsLoading = false
			if res.Err != nil {
				if res.Err.IsCancelled() {
					r.changed()
					return
				}
				if onFailure != nil {
					onFailure(res.Err)
				}
				r.failed(step, res.Err)
				return
			}
			onSuccess(res.Value)
		})
	}()
}
