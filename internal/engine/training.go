package engine

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rendis/onboard/internal/progress"
	"github.com/rendis/onboard/pkg/schema"
)

// beginTraining starts a new training generation. Whatever the previous
// generation left running is torn down first and its late updates dropped.
func (r *run) beginTraining() {
	r.stopTraining()
	r.gen++
	gen := r.gen
	r.state.resetTraining()
	r.state.TrainingStatus = "Starting training"
	r.phase = trainingStarting
	r.c.appendJournal(r.ctx, r.id, schema.StepTraining, schema.EventTrainingStarted, map[string]any{
		"generation": gen,
		"simulated":  r.c.cfg.SimulateTraining || r.offline(),
	})

	if r.c.cfg.SimulateTraining || r.offline() {
		r.phase = trainingRunning
		r.startSimulation(gen, 0)
		return
	}

	sessionID := r.state.SessionID
	userData := map[string]any{
		"email":   r.state.Email,
		"user_id": r.state.UserID,
	}
	conns := r.connections()
	svc := r.c.deps.Training

	startOp(r, schema.StepTraining, Call[struct{}]{
		Operation: OpTrainingStart,
		Method:    http.MethodPost,
		Path:      schema.PathTrainingStart,
		Body:      map[string]any{"session_id": sessionID, "platforms": r.state.Platforms()},
		Fn: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, svc.StartTraining(ctx, sessionID, userData, conns)
		},
	}, func(struct{}) {
		if gen != r.gen {
			return
		}
		r.phase = trainingRunning
		r.state.TrainingStatus = "Training started"
		r.openChannel(gen)
		r.changed()
	}, func(*schema.OnboardError) {
		if gen == r.gen {
			r.phase = trainingStartFailed
			r.state.TrainingStatus = ""
		}
	})
}

// proceedTraining handles Proceed on the Training step.
func (r *run) proceedTraining() {
	switch r.phase {
	case trainingFinished:
		r.completeTraining()
	case trainingStartFailed, trainingIdle:
		r.beginTraining()
		r.changed()
	default:
		r.surface(schema.NewError(schema.ErrCodeValidation, "Training is still in progress."))
	}
}

// openChannel attaches the server progress channel for gen, or starts the
// simulation when no channel can be used.
func (r *run) openChannel(gen uint64) {
	transport := r.c.deps.Progress
	if transport == nil || r.state.UserID == "" {
		r.logger().Info("no progress channel available, simulating training")
		r.startSimulation(gen, r.state.TrainingProgress())
		return
	}

	ch, err := progress.NewChannel(gen, progress.Options{
		Transport: transport,
		Decoder:   r.c.decoder,
		Credentials: progress.Credentials{
			Token:  r.state.SessionToken,
			UserID: r.state.UserID,
		},
		MaxReconnects:  r.c.timing.Channel.MaxReconnects,
		ReconnectDelay: r.c.timing.Channel.ReconnectDelay,
		Initial:        r.state.TrainingProgress(),
		Logger:         r.c.deps.Logger,
		Metrics:        r.c.metrics,
	}, r.sink)
	if err != nil {
		r.logger().Warn("progress channel unavailable", slog.String("error", err.Error()))
		r.startSimulation(gen, r.state.TrainingProgress())
		return
	}
	r.channel = ch
	r.state.TrainingSource = schema.TrainingSourceChannel
	go ch.Run(r.ctx)
}

func (r *run) startSimulation(gen uint64, from float64) {
	r.state.TrainingSource = schema.TrainingSourceSimulation
	r.sim = progress.Simulate(r.c.deps.Scheduler, progress.SimulationConfig{
		Interval: r.c.timing.Channel.SimulationInterval,
		Step:     r.c.timing.Channel.SimulationStep,
	}, gen, from, r.sink)
}

// sink marshals progress updates onto the loop.
func (r *run) sink(u progress.Update) {
	r.post(func() { r.onProgress(u) })
}

func (r *run) onProgress(u progress.Update) {
	if r.isOver() || u.Generation != r.gen || r.phase != trainingRunning {
		return
	}
	if r.state.CurrentStep != schema.StepTraining {
		return
	}

	if u.HasProgress && u.Progress >= r.state.TrainingProgress() {
		r.state.SetTrainingProgress(u.Progress)
	}
	if u.Status != "" {
		r.state.TrainingStatus = u.Status
	}
	if u.ETASeconds > 0 {
		r.state.TrainingETA = u.ETASeconds
	}
	if u.Source != schema.TrainingSourceNone {
		r.state.TrainingSource = u.Source
	}

	switch u.Kind {
	case progress.UpdateFinished:
		r.trainingDone()
		return
	case progress.UpdateFallback:
		r.channel = nil
		reason := ""
		if u.Err != nil {
			reason = u.Err.Error()
		}
		r.c.appendJournal(r.ctx, r.id, schema.StepTraining, schema.EventTrainingFallback, map[string]any{
			"generation": u.Generation,
			"progress":   r.state.TrainingProgress(),
			"reason":     reason,
		})
		r.startSimulation(u.Generation, r.state.TrainingProgress())
	}
	r.changed()
}

func (r *run) trainingDone() {
	r.phase = trainingFinished
	r.state.SetTrainingProgress(1)
	r.state.TrainingETA = 0
	r.state.TrainingStatus = "Training complete"
	r.c.appendJournal(r.ctx, r.id, schema.StepTraining, schema.EventTrainingFinished, map[string]any{
		"generation": r.gen,
		"source":     string(r.state.TrainingSource),
	})
	r.completeTraining()
}

func (r *run) completeTraining() {
	next, err := r.machine.Finish(r.ctx)
	if err != nil {
		r.surface(Classify(err))
		return
	}
	r.enter(next)
}

// stopTraining closes the live channel and stops the simulation.
func (r *run) stopTraining() {
	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
	if r.sim != nil {
		r.sim.Cancel()
		r.sim = nil
	}
	if r.phase != trainingFinished {
		r.phase = trainingIdle
	}
}
