package progress

import (
	"sync"
	"time"

	"github.com/rendis/onboard/internal/scheduler"
	"github.com/rendis/onboard/pkg/schema"
)

// SimulationConfig controls the local fallback.
type SimulationConfig struct {
	Interval time.Duration
	Step     float64
}

// Simulate advances progress from `from` by cfg.Step every cfg.Interval until
// it reaches 1.0, then emits UpdateFinished and stops itself. Progress never
// decreases. The returned handle stops the simulation early.
func Simulate(sched scheduler.Scheduler, cfg SimulationConfig, gen uint64, from float64, sink Sink) scheduler.Handle {
	if cfg.Step <= 0 {
		cfg.Step = 0.05
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}

	var (
		mu     sync.Mutex
		p      = Clamp(from)
		done   bool
		handle scheduler.Handle
		ready  = make(chan struct{})
	)

	tick := func() {
		<-ready
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		p += cfg.Step
		if p >= 1 {
			p = 1
			done = true
		}
		current, finished := p, done
		mu.Unlock()

		sink(Update{
			Generation:  gen,
			Kind:        UpdateProgress,
			Source:      schema.TrainingSourceSimulation,
			Progress:    current,
			HasProgress: true,
		})
		if finished {
			handle.Cancel()
			sink(Update{
				Generation:  gen,
				Kind:        UpdateFinished,
				Source:      schema.TrainingSourceSimulation,
				Progress:    1,
				HasProgress: true,
			})
		}
	}

	handle = sched.Every(cfg.Interval, tick)
	close(ready)
	return &simulationHandle{inner: handle, stop: func() {
		mu.Lock()
		done = true
		mu.Unlock()
	}}
}

type simulationHandle struct {
	inner scheduler.Handle
	stop  func()
}

func (h *simulationHandle) Cancel() bool {
	h.stop()
	return h.inner.Cancel()
}
