package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/pkg/schema"
)

// JournalWriter is the persistence side of the journal; *store.EventLog satisfies it.
type JournalWriter interface {
	Append(ctx context.Context, workflowID string, step schema.Step, eventType string, payload any) (*store.Event, error)
}

type journalEntry struct {
	workflowID string
	step       schema.Step
	eventType  string
	payload    any
}

// Journal writes entries in submission order on its own goroutine.
// Append never blocks the caller; write failures are logged and dropped.
type Journal struct {
	writer JournalWriter
	logger *slog.Logger

	mu      sync.Mutex
	queue   []journalEntry
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	pending sync.WaitGroup
}

// NewJournal starts the writer goroutine. A nil writer yields a Journal that
// discards everything.
func NewJournal(writer JournalWriter, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		writer: writer,
		logger: logger.With(slog.String("component", "journal")),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go j.run()
	return j
}

// Append implements EventAppender.
func (j *Journal) Append(_ context.Context, workflowID string, step schema.Step, eventType string, payload any) error {
	if j == nil || j.writer == nil {
		return nil
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.queue = append(j.queue, journalEntry{workflowID, step, eventType, payload})
	j.pending.Add(1)
	select {
	case j.notify <- struct{}{}:
	default:
	}
	j.mu.Unlock()
	return nil
}

// Flush waits until every entry appended so far has been written.
func (j *Journal) Flush() {
	if j == nil {
		return
	}
	j.pending.Wait()
}

// Close flushes and stops the writer goroutine.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.mu.Unlock()

	j.Flush()
	j.mu.Lock()
	close(j.notify)
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) run() {
	defer close(j.done)
	for range j.notify {
		for {
			j.mu.Lock()
			if len(j.queue) == 0 {
				j.mu.Unlock()
				break
			}
			batch := j.queue
			j.queue = nil
			j.mu.Unlock()

			for _, e := range batch {
				j.write(e)
				j.pending.Done()
			}
		}
	}
}

func (j *Journal) write(e journalEntry) {
	// Entries outlive the run that produced them.
	if _, err := j.writer.Append(context.Background(), e.workflowID, e.step, e.eventType, e.payload); err != nil {
		j.logger.Warn("journal write failed",
			slog.String("workflow_id", e.workflowID),
			slog.String("event", e.eventType),
			slog.String("error", err.Error()),
		)
	}
}
